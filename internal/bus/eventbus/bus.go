// Package eventbus implements the in-process typed publish/subscribe core.
package eventbus

import (
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/marketwire/pulse/errs"
	"github.com/marketwire/pulse/internal/observability"
	"github.com/marketwire/pulse/internal/schema"
)

// Handler consumes events delivered by the dispatch worker. Handlers run
// sequentially on the dispatch goroutine and must not block indefinitely.
type Handler func(schema.Event)

// Config sizes the bus queue and workers.
type Config struct {
	QueueSize     int
	TimerInterval time.Duration
	DrainTimeout  time.Duration
}

func (c Config) normalize() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.TimerInterval <= 0 {
		c.TimerInterval = time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = time.Second
	}
	return c
}

// Bus fans events out to registered handlers from one dedicated dispatch
// worker; a second worker publishes synthetic timer events at a fixed
// interval. Publish never blocks and never surfaces handler faults.
type Bus struct {
	cfg    Config
	logger observability.Logger

	mu       sync.RWMutex
	handlers map[schema.EventType]map[subKey]*subscription
	nextSeq  uint64

	queue        chan schema.Event
	stopCh       chan struct{}
	dispatchDone chan struct{}
	timerDone    chan struct{}

	started  atomic.Bool
	stopping atomic.Bool
	stopOnce sync.Once

	dropped  atomic.Uint64
	timerSeq atomic.Uint64

	publishedCounter metric.Int64Counter
	droppedCounter   metric.Int64Counter
	faultCounter     metric.Int64Counter
}

type subKey struct {
	owner string
	fn    uintptr
}

type subscription struct {
	seq     uint64
	owner   string
	handler Handler
}

// New constructs a stopped bus; call Start before publishing.
func New(cfg Config) *Bus {
	cfg = cfg.normalize()
	b := new(Bus)
	b.cfg = cfg
	b.logger = observability.Log()
	b.handlers = make(map[schema.EventType]map[subKey]*subscription)
	b.queue = make(chan schema.Event, cfg.QueueSize)
	b.stopCh = make(chan struct{})
	b.dispatchDone = make(chan struct{})
	b.timerDone = make(chan struct{})

	meter := otel.Meter("eventbus")
	b.publishedCounter, _ = meter.Int64Counter("eventbus.events.published",
		metric.WithDescription("Number of events accepted by the bus"),
		metric.WithUnit("{event}"))
	b.droppedCounter, _ = meter.Int64Counter("eventbus.events.dropped",
		metric.WithDescription("Number of events dropped at enqueue"),
		metric.WithUnit("{event}"))
	b.faultCounter, _ = meter.Int64Counter("eventbus.handler.faults",
		metric.WithDescription("Number of handler panics contained during dispatch"),
		metric.WithUnit("{fault}"))

	return b
}

// Start launches the dispatch and timer workers. Calling Start twice is a no-op.
func (b *Bus) Start() {
	if !b.started.CompareAndSwap(false, true) {
		return
	}
	go b.dispatchLoop()
	go b.timerLoop()
}

// Publish enqueues the event without blocking and reports whether it was
// accepted. Events published after Stop has begun, or while the queue is
// full, are dropped and counted.
func (b *Bus) Publish(evt schema.Event) bool {
	if err := evt.Type.Validate(); err != nil {
		b.drop(evt, "invalid_type")
		return false
	}
	if b.stopping.Load() {
		b.drop(evt, "stopping")
		return false
	}
	select {
	case b.queue <- evt:
		if b.publishedCounter != nil {
			b.publishedCounter.Add(busCtx, 1, metric.WithAttributes(
				attribute.String("event_type", string(evt.Type.Base()))))
		}
		return true
	default:
		b.drop(evt, "queue_full")
		return false
	}
}

// Subscribe registers the handler for one event type. Re-subscribing the
// same handler under the same owner and type is a no-op.
func (b *Bus) Subscribe(typ schema.EventType, handler Handler, owner string) error {
	if err := typ.Validate(); err != nil {
		return err
	}
	if handler == nil {
		return errs.New("eventbus", errs.CodeInvalid, errs.WithMessage("handler required"))
	}
	key := subKey{owner: owner, fn: reflect.ValueOf(handler).Pointer()}

	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.handlers[typ]
	if !ok {
		subs = make(map[subKey]*subscription)
		b.handlers[typ] = subs
	}
	if _, exists := subs[key]; exists {
		return nil
	}
	b.nextSeq++
	subs[key] = &subscription{seq: b.nextSeq, owner: owner, handler: handler}
	return nil
}

// SubscribeAny registers a wildcard handler invoked for every event.
func (b *Bus) SubscribeAny(handler Handler, owner string) error {
	return b.Subscribe(schema.TypeAny, handler, owner)
}

// UnsubscribeAll removes every subscription registered by the owner.
func (b *Bus) UnsubscribeAll(owner string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for typ, subs := range b.handlers {
		for key := range subs {
			if key.owner == owner {
				delete(subs, key)
			}
		}
		if len(subs) == 0 {
			delete(b.handlers, typ)
		}
	}
}

// SubscriptionCount reports the number of live subscriptions for the owner.
func (b *Bus) SubscriptionCount(owner string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	count := 0
	for _, subs := range b.handlers {
		for key := range subs {
			if key.owner == owner {
				count++
			}
		}
	}
	return count
}

// Dropped reports the total number of events dropped at enqueue.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Stop signals both workers, drains already-enqueued events under the drain
// deadline and joins the workers. It returns an error instead of blocking
// past timeout.
func (b *Bus) Stop(timeout time.Duration) error {
	if !b.started.Load() {
		return nil
	}
	b.stopOnce.Do(func() {
		b.stopping.Store(true)
		close(b.stopCh)
	})

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for _, done := range []<-chan struct{}{b.dispatchDone, b.timerDone} {
		select {
		case <-done:
		case <-deadline.C:
			return errs.New("eventbus", errs.CodeExhausted,
				errs.WithMessage("workers did not stop within "+timeout.String()))
		}
	}
	return nil
}

func (b *Bus) drop(evt schema.Event, reason string) {
	b.dropped.Add(1)
	if b.droppedCounter != nil {
		b.droppedCounter.Add(busCtx, 1, metric.WithAttributes(
			attribute.String("event_type", string(evt.Type.Base())),
			attribute.String("reason", reason)))
	}
	b.logger.Debug("eventbus: event dropped",
		observability.F("type", evt.Type),
		observability.F("reason", reason))
}

// snapshot returns the handlers for the event's type plus wildcard handlers,
// ordered by registration sequence.
func (b *Bus) snapshot(typ schema.EventType) []*subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*subscription, 0, len(b.handlers[typ])+len(b.handlers[schema.TypeAny]))
	for _, sub := range b.handlers[typ] {
		out = append(out, sub)
	}
	if typ != schema.TypeAny {
		for _, sub := range b.handlers[schema.TypeAny] {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}
