package channels

import (
	"context"
	"sync"

	"github.com/talon-ai/talon/internal/bus"
	"github.com/talon-ai/talon/internal/observability"
	"github.com/talon-ai/talon/pkg/models"
)

// Registry owns the enabled adapters, fans their inbound messages into the
// bus, and routes outbound events back to the right transport.
type Registry struct {
	mu       sync.RWMutex
	adapters map[models.ChannelType]Adapter
	started  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *observability.Logger, metrics *observability.Metrics) *Registry {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Registry{
		adapters: make(map[models.ChannelType]Adapter),
		logger:   logger,
		metrics:  metrics,
	}
}

// Register adds an adapter. Registering the same channel type twice is a
// warning no-op; the first adapter wins.
func (r *Registry) Register(adapter Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[adapter.Name()]; exists {
		r.logger.Warn("duplicate channel registration ignored", "channel", string(adapter.Name()))
		return
	}
	r.adapters[adapter.Name()] = adapter
}

// Get returns the adapter for a channel type.
func (r *Registry) Get(channel models.ChannelType) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[channel]
	return a, ok
}

// Names lists the registered channel types.
func (r *Registry) Names() []models.ChannelType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ChannelType, 0, len(r.adapters))
	for name := range r.adapters {
		out = append(out, name)
	}
	return out
}

// Start starts every adapter and begins pumping inbound messages onto the
// bus. A second call on a running registry is a warning no-op.
func (r *Registry) Start(ctx context.Context, b *bus.Bus) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		r.logger.Warn("channel registry already started")
		return nil
	}
	r.started = true
	pumpCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	adapters := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		adapters = append(adapters, a)
	}
	r.mu.Unlock()

	for _, adapter := range adapters {
		if err := adapter.Start(ctx); err != nil {
			return err
		}
		r.wg.Add(1)
		go r.pump(pumpCtx, adapter, b)
	}

	if err := b.Subscribe(models.TopicOutbound, "channels", func(evt models.Event) {
		out, ok := evt.Payload.(models.Outbound)
		if !ok {
			return
		}
		r.deliver(pumpCtx, out)
	}); err != nil {
		return err
	}
	return nil
}

// pump forwards one adapter's inbound stream to the bus.
func (r *Registry) pump(ctx context.Context, adapter Adapter, b *bus.Bus) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-adapter.Messages():
			if !ok {
				return
			}
			b.Publish(models.Event{
				Topic:      models.TopicInbound,
				SessionKey: "",
				Payload:    msg,
				Time:       msg.ReceivedAt,
			})
		}
	}
}

// deliver sends one outbound message through its adapter. Transports the
// gateway serves directly (web, cron) have no adapter here and are skipped.
func (r *Registry) deliver(ctx context.Context, out models.Outbound) {
	adapter, ok := r.Get(out.Channel)
	if !ok {
		return
	}
	if err := adapter.Send(ctx, out.SessionKey, out.Text); err != nil {
		r.logger.Error("outbound delivery failed",
			"channel", string(out.Channel), "session", out.SessionKey, "error", err)
	}
}

// Stop stops the pumps and every adapter.
func (r *Registry) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = false
	cancel := r.cancel
	adapters := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		adapters = append(adapters, a)
	}
	r.mu.Unlock()

	var lastErr error
	for _, adapter := range adapters {
		if err := adapter.Stop(ctx); err != nil {
			r.logger.Error("adapter stop failed", "channel", string(adapter.Name()), "error", err)
			lastErr = err
		}
	}
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
	return lastErr
}
