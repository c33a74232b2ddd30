package bus

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/talon-ai/talon/internal/observability"
	"github.com/talon-ai/talon/pkg/models"
)

func newTestBus(opts ...Option) *Bus {
	return New(observability.NewNopLogger(), nil, opts...)
}

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	b := newTestBus()
	defer b.Close()

	var got1, got2 atomic.Int32
	if err := b.Subscribe(models.TopicInbound, "a", func(models.Event) { got1.Add(1) }); err != nil {
		t.Fatalf("subscribe a: %v", err)
	}
	if err := b.Subscribe(models.TopicInbound, "b", func(models.Event) { got2.Add(1) }); err != nil {
		t.Fatalf("subscribe b: %v", err)
	}

	b.Publish(models.Event{Topic: models.TopicInbound})
	waitFor(t, func() bool { return got1.Load() == 1 && got2.Load() == 1 })
}

func TestDuplicateSubscriptionIsNoOp(t *testing.T) {
	b := newTestBus()
	defer b.Close()

	var calls atomic.Int32
	handler := func(models.Event) { calls.Add(1) }
	if err := b.Subscribe(models.TopicInbound, "dup", handler); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := b.Subscribe(models.TopicInbound, "dup", handler); err != nil {
		t.Fatalf("re-subscribe: %v", err)
	}
	if n := b.SubscriberCount(models.TopicInbound); n != 1 {
		t.Fatalf("subscriber count = %d, want 1", n)
	}

	b.Publish(models.Event{Topic: models.TopicInbound})
	waitFor(t, func() bool { return calls.Load() == 1 })
	time.Sleep(20 * time.Millisecond)
	if calls.Load() != 1 {
		t.Fatalf("duplicate subscription delivered %d times", calls.Load())
	}
}

func TestUnknownTopicRejected(t *testing.T) {
	b := newTestBus()
	defer b.Close()

	if err := b.Subscribe(models.Topic("bogus"), "x", func(models.Event) {}); err == nil {
		t.Fatal("expected error for unknown topic")
	}
}

func TestSlowSubscriberDoesNotStallOthers(t *testing.T) {
	b := newTestBus()
	defer b.Close()

	block := make(chan struct{})
	var fastGot atomic.Int32
	_ = b.Subscribe(models.TopicAgentStream, "slow", func(models.Event) { <-block })
	_ = b.Subscribe(models.TopicAgentDone, "fast", func(models.Event) { fastGot.Add(1) })

	for i := 0; i < 10; i++ {
		b.Publish(models.Event{Topic: models.TopicAgentStream})
	}
	b.Publish(models.Event{Topic: models.TopicAgentDone})
	waitFor(t, func() bool { return fastGot.Load() == 1 })
	close(block)
}

func TestOverflowDropsOldestNonOutbound(t *testing.T) {
	b := newTestBus(WithInboxSize(2))
	defer b.Close()

	release := make(chan struct{})
	var mu sync.Mutex
	var seen []string
	_ = b.Subscribe(models.TopicAgentStream, "s", func(evt models.Event) {
		<-release
		mu.Lock()
		seen = append(seen, evt.Payload.(string))
		mu.Unlock()
	})

	// First event is picked up by the handler goroutine and parks on
	// release; the next two fill the inbox; the fourth forces a drop of
	// the oldest queued event.
	b.Publish(models.Event{Topic: models.TopicAgentStream, Payload: "e1"})
	waitFor(t, func() bool { return len(b.subs[models.TopicAgentStream]["s"].inbox) == 0 })
	b.Publish(models.Event{Topic: models.TopicAgentStream, Payload: "e2"})
	b.Publish(models.Event{Topic: models.TopicAgentStream, Payload: "e3"})
	b.Publish(models.Event{Topic: models.TopicAgentStream, Payload: "e4"})
	close(release)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	})
	mu.Lock()
	defer mu.Unlock()
	for _, p := range seen {
		if p == "e2" {
			t.Fatalf("oldest queued event survived overflow: %v", seen)
		}
	}
}

func TestOutboundBlocksThenDrops(t *testing.T) {
	b := newTestBus(WithInboxSize(1), WithOutboundWait(50*time.Millisecond))
	defer b.Close()

	block := make(chan struct{})
	var delivered atomic.Int32
	_ = b.Subscribe(models.TopicOutbound, "out", func(models.Event) {
		<-block
		delivered.Add(1)
	})

	b.Publish(models.Event{Topic: models.TopicOutbound}) // handler parks
	waitFor(t, func() bool { return len(b.subs[models.TopicOutbound]["out"].inbox) == 0 })
	b.Publish(models.Event{Topic: models.TopicOutbound}) // fills inbox

	start := time.Now()
	b.Publish(models.Event{Topic: models.TopicOutbound}) // blocks, then drops
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("outbound publish returned after %v, expected to block near the deadline", elapsed)
	}

	close(block)
	waitFor(t, func() bool { return delivered.Load() == 2 })
}

func TestCloseDetachesSubscribers(t *testing.T) {
	b := newTestBus()
	var calls atomic.Int32
	_ = b.Subscribe(models.TopicShutdown, "x", func(models.Event) { calls.Add(1) })
	b.Close()

	if n := b.SubscriberCount(models.TopicShutdown); n != 0 {
		t.Fatalf("subscriber count after close = %d", n)
	}
	b.Publish(models.Event{Topic: models.TopicShutdown})
	time.Sleep(10 * time.Millisecond)
	if calls.Load() != 0 {
		t.Fatal("event delivered after close")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
