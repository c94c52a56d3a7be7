// Package breaker guards failing operations behind a circuit breaker.
package breaker

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/marketwire/pulse/errs"
	"github.com/marketwire/pulse/internal/bus/eventbus"
	"github.com/marketwire/pulse/internal/schema"
)

// Config holds breaker thresholds.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	Cooldown         time.Duration
	Clock            func() time.Time
}

func (c Config) normalize() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// Counts is a snapshot of breaker counters.
type Counts struct {
	Failures    int
	Successes   int
	LastFailure time.Time
}

// Breaker wraps an operation with closed/open/half-open admission control.
// Every state transition is published as a CIRCUIT event so consumers can
// react without polling.
type Breaker struct {
	name string
	cfg  Config
	bus  *eventbus.Bus

	mu          sync.Mutex
	state       schema.CircuitState
	failures    int
	successes   int
	lastFailure time.Time
	trialOpen   bool

	transitionCounter metric.Int64Counter
	rejectedCounter   metric.Int64Counter
}

// New constructs a closed breaker. The bus may be nil in tests.
func New(name string, cfg Config, bus *eventbus.Bus) *Breaker {
	b := new(Breaker)
	b.name = name
	b.cfg = cfg.normalize()
	b.bus = bus
	b.state = schema.CircuitClosed

	meter := otel.Meter("breaker")
	b.transitionCounter, _ = meter.Int64Counter("breaker.transitions",
		metric.WithDescription("Number of circuit state transitions"),
		metric.WithUnit("{transition}"))
	b.rejectedCounter, _ = meter.Int64Counter("breaker.rejected",
		metric.WithDescription("Number of calls rejected while open"),
		metric.WithUnit("{call}"))

	return b
}

// Call runs op under breaker admission control. While Open and inside the
// cooldown it fails fast without invoking op; once the cooldown elapses one
// trial call is admitted in HalfOpen.
func (b *Breaker) Call(ctx context.Context, op func(context.Context) error) error {
	if op == nil {
		return errs.New("breaker", errs.CodeInvalid, errs.WithMessage("operation required"))
	}
	if err := b.admit(); err != nil {
		return err
	}
	err := op(ctx)
	b.record(err)
	return err
}

// State returns the current circuit state.
func (b *Breaker) State() schema.CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the current counters.
func (b *Breaker) Snapshot() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Counts{Failures: b.failures, Successes: b.successes, LastFailure: b.lastFailure}
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case schema.CircuitClosed:
		return nil
	case schema.CircuitOpen:
		if b.cfg.Clock().Sub(b.lastFailure) < b.cfg.Cooldown {
			return b.rejectLocked()
		}
		b.transitionLocked(schema.CircuitHalfOpen)
		b.trialOpen = true
		return nil
	default: // half-open: exactly one trial call at a time
		if b.trialOpen {
			return b.rejectLocked()
		}
		b.trialOpen = true
		return nil
	}
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case schema.CircuitClosed:
		if err == nil {
			b.failures = 0
			return
		}
		b.failures++
		b.lastFailure = b.cfg.Clock()
		if b.failures >= b.cfg.FailureThreshold {
			b.transitionLocked(schema.CircuitOpen)
		}
	case schema.CircuitHalfOpen:
		b.trialOpen = false
		if err != nil {
			// A failed trial re-opens immediately and restarts the cooldown.
			b.successes = 0
			b.lastFailure = b.cfg.Clock()
			b.transitionLocked(schema.CircuitOpen)
			return
		}
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.failures = 0
			b.successes = 0
			b.transitionLocked(schema.CircuitClosed)
		}
	case schema.CircuitOpen:
		// A call admitted before the trip finished; only failures matter here.
		if err != nil {
			b.lastFailure = b.cfg.Clock()
		}
	}
}

func (b *Breaker) rejectLocked() error {
	if b.rejectedCounter != nil {
		b.rejectedCounter.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("breaker", b.name)))
	}
	return errs.New("breaker", errs.CodeBreakerOpen,
		errs.WithMessage("circuit "+b.name+" is open"))
}

func (b *Breaker) transitionLocked(to schema.CircuitState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.transitionCounter != nil {
		b.transitionCounter.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("breaker", b.name),
			attribute.String("from", string(from)),
			attribute.String("to", string(to))))
	}
	if b.bus != nil {
		payload := schema.CircuitPayload{Name: b.name, From: from, To: to, Failures: b.failures}
		b.bus.Publish(schema.NewEvent(schema.TypeCircuit, b.name, "", payload))
		b.bus.Publish(schema.NewEvent(schema.ScopedType(schema.TypeCircuit, b.name), b.name, "", payload))
	}
}
