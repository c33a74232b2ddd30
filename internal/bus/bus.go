// Package bus implements the in-process event broker that connects the
// session layer, the agent loop, the channels, and the WebSocket surface.
package bus

import (
	"fmt"
	"sync"
	"time"

	"github.com/talon-ai/talon/internal/observability"
	"github.com/talon-ai/talon/pkg/models"
)

const (
	// DefaultInboxSize bounds each subscriber's pending event queue.
	DefaultInboxSize = 256

	// DefaultOutboundWait is how long a publisher blocks on a saturated
	// outbound subscriber before recording the drop and moving on.
	DefaultOutboundWait = 2 * time.Second
)

// Handler processes one event. Handlers for different subscribers run
// concurrently; events for a single subscriber are delivered in order.
type Handler func(models.Event)

type subscriber struct {
	topic   models.Topic
	id      string
	handler Handler
	inbox   chan models.Event
	once    sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.inbox) })
}

// Bus is a single-process topic broker with bounded per-subscriber inboxes.
// Subscription is idempotent on (topic, id): re-subscribing the same id is a
// warning no-op, which prevents duplicate delivery after re-initialization.
type Bus struct {
	logger  *observability.Logger
	metrics *observability.Metrics

	inboxSize    int
	outboundWait time.Duration

	mu     sync.RWMutex
	subs   map[models.Topic]map[string]*subscriber
	closed bool
	wg     sync.WaitGroup
}

// Option configures a Bus.
type Option func(*Bus)

// WithInboxSize overrides the subscriber inbox capacity.
func WithInboxSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.inboxSize = n
		}
	}
}

// WithOutboundWait overrides the saturated-outbound publish deadline.
func WithOutboundWait(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.outboundWait = d
		}
	}
}

// New creates an event bus.
func New(logger *observability.Logger, metrics *observability.Metrics, opts ...Option) *Bus {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	b := &Bus{
		logger:       logger,
		metrics:      metrics,
		inboxSize:    DefaultInboxSize,
		outboundWait: DefaultOutboundWait,
		subs:         make(map[models.Topic]map[string]*subscriber),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func validTopic(topic models.Topic) bool {
	for _, t := range models.Topics {
		if t == topic {
			return true
		}
	}
	return false
}

// Subscribe registers a handler under the given id. Returns an error for
// unknown topics or a closed bus; duplicate (topic, id) pairs are ignored
// with a diagnostic.
func (b *Bus) Subscribe(topic models.Topic, id string, handler Handler) error {
	if !validTopic(topic) {
		return fmt.Errorf("bus: unknown topic %q", topic)
	}
	if handler == nil {
		return fmt.Errorf("bus: nil handler for topic %q", topic)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("bus: closed")
	}

	byID := b.subs[topic]
	if byID == nil {
		byID = make(map[string]*subscriber)
		b.subs[topic] = byID
	}
	if _, exists := byID[id]; exists {
		b.logger.Warn("duplicate bus subscription ignored", "topic", string(topic), "id", id)
		return nil
	}

	sub := &subscriber{
		topic:   topic,
		id:      id,
		handler: handler,
		inbox:   make(chan models.Event, b.inboxSize),
	}
	byID[id] = sub

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for evt := range sub.inbox {
			sub.handler(evt)
		}
	}()

	return nil
}

// Unsubscribe removes a handler. Unknown (topic, id) pairs are a no-op.
func (b *Bus) Unsubscribe(topic models.Topic, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	byID := b.subs[topic]
	sub, ok := byID[id]
	if !ok {
		return
	}
	delete(byID, id)
	sub.close()
}

// Publish delivers the event to every current subscriber of its topic.
// Delivery is asynchronous per subscriber; a slow handler on one topic never
// stalls another. Non-outbound events overflow by dropping the oldest queued
// event; outbound events block the publisher up to the configured deadline
// and are only then recorded as dropped.
func (b *Bus) Publish(evt models.Event) {
	if !validTopic(evt.Topic) {
		b.logger.Warn("publish on unknown topic dropped", "topic", string(evt.Topic))
		return
	}
	if evt.Time.IsZero() {
		evt.Time = time.Now()
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	targets := make([]*subscriber, 0, len(b.subs[evt.Topic]))
	for _, sub := range b.subs[evt.Topic] {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		b.deliver(sub, evt)
	}
}

func (b *Bus) deliver(sub *subscriber, evt models.Event) {
	defer func() {
		// Unsubscribe can race a delivery; a send on the closed inbox is
		// treated as a drop rather than a crash.
		if recover() != nil {
			b.recordDrop(evt.Topic, sub.id)
		}
	}()

	select {
	case sub.inbox <- evt:
		return
	default:
	}

	if evt.Topic == models.TopicOutbound {
		timer := time.NewTimer(b.outboundWait)
		defer timer.Stop()
		select {
		case sub.inbox <- evt:
		case <-timer.C:
			b.recordDrop(evt.Topic, sub.id)
		}
		return
	}

	// Drop the oldest queued event to make room for the newest.
	select {
	case old := <-sub.inbox:
		b.recordDrop(old.Topic, sub.id)
	default:
	}
	select {
	case sub.inbox <- evt:
	default:
		b.recordDrop(evt.Topic, sub.id)
	}
}

func (b *Bus) recordDrop(topic models.Topic, subID string) {
	b.logger.Warn("bus subscriber overflow, event dropped", "topic", string(topic), "subscriber", subID)
	if b.metrics != nil {
		b.metrics.BusDrops.WithLabelValues(string(topic)).Inc()
	}
}

// SubscriberCount reports the number of handlers attached to a topic.
func (b *Bus) SubscriberCount(topic models.Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Close detaches all subscribers and waits for queued events to drain.
// Publish after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, byID := range b.subs {
		for _, sub := range byID {
			sub.close()
		}
	}
	b.subs = make(map[models.Topic]map[string]*subscriber)
	b.mu.Unlock()
	b.wg.Wait()
}
