package eventbus

import (
	"sync"
	"testing"
	"time"

	"github.com/marketwire/pulse/internal/schema"
)

func newTestBus(t *testing.T, cfg Config) *Bus {
	t.Helper()
	bus := New(cfg)
	bus.Start()
	t.Cleanup(func() { _ = bus.Stop(2 * time.Second) })
	return bus
}

// collector records delivered events behind a lock for assertion.
type collector struct {
	mu     sync.Mutex
	events []schema.Event
	notify chan struct{}
}

func newCollector() *collector {
	return &collector{notify: make(chan struct{}, 1024)}
}

func (c *collector) handle(evt schema.Event) {
	c.mu.Lock()
	c.events = append(c.events, evt)
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *collector) waitFor(t *testing.T, n int, timeout time.Duration) []schema.Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		c.mu.Lock()
		if len(c.events) >= n {
			out := make([]schema.Event, len(c.events))
			copy(out, c.events)
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()
		select {
		case <-c.notify:
		case <-deadline:
			c.mu.Lock()
			got := len(c.events)
			c.mu.Unlock()
			t.Fatalf("timed out waiting for %d events, got %d", n, got)
		}
	}
}

func TestPublishPreservesSinglePublisherOrder(t *testing.T) {
	bus := newTestBus(t, Config{QueueSize: 256, TimerInterval: time.Hour})
	sink := newCollector()
	if err := bus.Subscribe(schema.TypeTick, sink.handle, "oms"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	const n = 100
	for i := 0; i < n; i++ {
		bus.Publish(schema.NewEvent(schema.TypeTick, "test", "BTC-USDT",
			schema.TimerPayload{Seq: uint64(i)}))
	}

	events := sink.waitFor(t, n, 2*time.Second)
	for i, evt := range events[:n] {
		payload := evt.Payload.(schema.TimerPayload)
		if payload.Seq != uint64(i) {
			t.Fatalf("event %d arrived out of order: seq=%d", i, payload.Seq)
		}
	}
}

func TestSubscribeIdempotent(t *testing.T) {
	bus := newTestBus(t, Config{QueueSize: 16, TimerInterval: time.Hour})
	sink := newCollector()

	for i := 0; i < 3; i++ {
		if err := bus.Subscribe(schema.TypeTrade, sink.handle, "risk"); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}
	if got := bus.SubscriptionCount("risk"); got != 1 {
		t.Fatalf("subscription count = %d, want 1", got)
	}

	bus.Publish(schema.NewEvent(schema.TypeTrade, "test", "", nil))
	sink.waitFor(t, 1, time.Second)
	time.Sleep(50 * time.Millisecond)
	sink.mu.Lock()
	got := len(sink.events)
	sink.mu.Unlock()
	if got != 1 {
		t.Fatalf("deliveries = %d, want exactly 1", got)
	}
}

func TestUnsubscribeAllLeavesNoResidue(t *testing.T) {
	bus := newTestBus(t, Config{QueueSize: 16, TimerInterval: time.Hour})
	sink := newCollector()

	if err := bus.Subscribe(schema.TypeTick, sink.handle, "ui"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.SubscribeAny(sink.handle, "ui"); err != nil {
		t.Fatalf("subscribe any: %v", err)
	}
	bus.UnsubscribeAll("ui")

	if got := bus.SubscriptionCount("ui"); got != 0 {
		t.Fatalf("residual subscriptions = %d, want 0", got)
	}

	bus.Publish(schema.NewEvent(schema.TypeTick, "test", "", nil))
	time.Sleep(50 * time.Millisecond)
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.events) != 0 {
		t.Fatalf("events delivered after unsubscribe: %d", len(sink.events))
	}
}

func TestHandlerPanicDoesNotStopDispatch(t *testing.T) {
	bus := newTestBus(t, Config{QueueSize: 16, TimerInterval: time.Hour})
	sink := newCollector()

	if err := bus.Subscribe(schema.TypeTick, func(schema.Event) { panic("boom") }, "bad"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Subscribe(schema.TypeTick, sink.handle, "good"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	bus.Publish(schema.NewEvent(schema.TypeTick, "test", "", nil))
	bus.Publish(schema.NewEvent(schema.TypeTick, "test", "", nil))
	sink.waitFor(t, 2, 2*time.Second)
}

func TestWildcardReceivesAllTypes(t *testing.T) {
	bus := newTestBus(t, Config{QueueSize: 16, TimerInterval: time.Hour})
	sink := newCollector()

	if err := bus.SubscribeAny(sink.handle, "audit"); err != nil {
		t.Fatalf("subscribe any: %v", err)
	}

	bus.Publish(schema.NewEvent(schema.TypeTick, "test", "", nil))
	bus.Publish(schema.NewEvent(schema.TypeOrder, "test", "", nil))
	events := sink.waitFor(t, 2, 2*time.Second)
	if events[0].Type != schema.TypeTick || events[1].Type != schema.TypeOrder {
		t.Fatalf("unexpected types: %v %v", events[0].Type, events[1].Type)
	}
}

func TestTimerWorkerEmitsTicks(t *testing.T) {
	bus := newTestBus(t, Config{QueueSize: 64, TimerInterval: 10 * time.Millisecond})
	sink := newCollector()

	if err := bus.Subscribe(schema.TypeTimer, sink.handle, "ticker"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	events := sink.waitFor(t, 3, 2*time.Second)
	first := events[0].Payload.(schema.TimerPayload)
	second := events[1].Payload.(schema.TimerPayload)
	if second.Seq != first.Seq+1 {
		t.Fatalf("timer sequence not monotonic: %d then %d", first.Seq, second.Seq)
	}
}

func TestStopDrainsEnqueuedEvents(t *testing.T) {
	bus := New(Config{QueueSize: 64, TimerInterval: time.Hour, DrainTimeout: time.Second})
	bus.Start()
	sink := newCollector()
	if err := bus.Subscribe(schema.TypeTick, sink.handle, "oms"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	const n = 20
	for i := 0; i < n; i++ {
		bus.Publish(schema.NewEvent(schema.TypeTick, "test", "", nil))
	}
	if err := bus.Stop(2 * time.Second); err != nil {
		t.Fatalf("stop: %v", err)
	}

	sink.mu.Lock()
	got := len(sink.events)
	sink.mu.Unlock()
	if got != n {
		t.Fatalf("drained %d events, want %d", got, n)
	}
}

func TestPublishAfterStopIsCountedNotLost(t *testing.T) {
	bus := New(Config{QueueSize: 16, TimerInterval: time.Hour})
	bus.Start()
	if err := bus.Stop(time.Second); err != nil {
		t.Fatalf("stop: %v", err)
	}

	before := bus.Dropped()
	bus.Publish(schema.NewEvent(schema.TypeTick, "test", "", nil))
	if bus.Dropped() != before+1 {
		t.Fatalf("dropped counter = %d, want %d", bus.Dropped(), before+1)
	}
}

func TestStopTwiceIsSafe(t *testing.T) {
	bus := New(Config{QueueSize: 16, TimerInterval: time.Hour})
	bus.Start()
	if err := bus.Stop(time.Second); err != nil {
		t.Fatalf("first stop: %v", err)
	}
	if err := bus.Stop(time.Second); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}
