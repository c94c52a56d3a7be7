// Package bridge lets synchronous callers schedule streaming work onto a
// tracked set of goroutines and receive results back as bus events.
package bridge

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/marketwire/pulse/errs"
	"github.com/marketwire/pulse/internal/bus/eventbus"
	"github.com/marketwire/pulse/internal/observability"
	"github.com/marketwire/pulse/internal/schema"
)

// TaskFunc is a long-lived streaming operation driven by the bridge. It must
// return promptly once its context is cancelled.
type TaskFunc func(ctx context.Context) error

// Handle references a submitted task.
type Handle struct {
	task *Task
}

// ID returns the registry id of the task.
func (h *Handle) ID() string { return h.task.ID }

// Cancel requests task termination.
func (h *Handle) Cancel() { h.task.Cancel() }

// Done is closed when the task has settled.
func (h *Handle) Done() <-chan struct{} { return h.task.Done() }

// Bridge owns a set of tracked goroutines running streaming operations.
// Every goroutine it creates is registered, cancellable and joined during
// Stop; a hung task is logged and abandoned rather than allowed to block
// process exit.
type Bridge struct {
	name     string
	bus      *eventbus.Bus
	registry *Registry
	logger   observability.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup

	started  atomic.Bool
	stopping atomic.Bool
	dropped  atomic.Uint64

	taskCounter    metric.Int64UpDownCounter
	droppedCounter metric.Int64Counter
}

// New constructs a bridge named after the adapter it serves.
func New(name string, bus *eventbus.Bus, registry *Registry) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	b := new(Bridge)
	b.name = name
	b.bus = bus
	b.registry = registry
	b.logger = observability.Log()
	b.ctx = ctx
	b.cancel = cancel

	meter := otel.Meter("bridge")
	b.taskCounter, _ = meter.Int64UpDownCounter("bridge.tasks.active",
		metric.WithDescription("Number of live bridge tasks"),
		metric.WithUnit("{task}"))
	b.droppedCounter, _ = meter.Int64Counter("bridge.events.dropped",
		metric.WithDescription("Events dropped because the bus was stopping"),
		metric.WithUnit("{event}"))

	return b
}

// Name returns the bridge identity used as task owner.
func (b *Bridge) Name() string { return b.name }

// Start marks the bridge ready for submissions.
func (b *Bridge) Start() {
	b.started.Store(true)
}

// Submit schedules fn on a tracked goroutine and records it in the registry.
// The returned handle is cancellable from any goroutine. Submissions after
// Stop has begun are rejected.
func (b *Bridge) Submit(name string, fn TaskFunc) (*Handle, error) {
	if fn == nil {
		return nil, errs.New("bridge", errs.CodeInvalid, errs.WithMessage("task fn required"))
	}
	if !b.started.Load() || b.stopping.Load() {
		return nil, errs.New("bridge", errs.CodeUnavailable, errs.WithMessage("bridge not accepting submissions"))
	}

	taskCtx, cancel := context.WithCancel(b.ctx)
	task := b.registry.Register(b.name, name, cancel)
	if b.taskCounter != nil {
		b.taskCounter.Add(b.ctx, 1, metric.WithAttributes(attribute.String("bridge", b.name)))
	}

	b.wg.Go(func() {
		defer func() {
			b.registry.Remove(task.ID)
			cancel()
			if b.taskCounter != nil {
				b.taskCounter.Add(context.Background(), -1,
					metric.WithAttributes(attribute.String("bridge", b.name)))
			}
		}()
		if err := fn(taskCtx); err != nil && taskCtx.Err() == nil {
			b.logger.Error("bridge: task failed",
				observability.F("bridge", b.name),
				observability.F("task", name),
				observability.F("id", task.ID),
				observability.F("error", err))
		}
	})

	return &Handle{task: task}, nil
}

// Emit hands an event from a running task to the bus. If the bus is already
// stopping the event is dropped and counted rather than lost silently.
func (b *Bridge) Emit(evt schema.Event) {
	if b.bus.Publish(evt) {
		return
	}
	b.dropped.Add(1)
	if b.droppedCounter != nil {
		b.droppedCounter.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("bridge", b.name)))
	}
}

// Dropped reports how many emitted events the bus refused.
func (b *Bridge) Dropped() uint64 { return b.dropped.Load() }

// Stop terminates the bridge in three steps: refuse new submissions, cancel
// every owned task, then await quiescence up to timeout. Tasks that fail to
// settle are logged by id and abandoned; the bridge's context is cancelled
// regardless so no new work can run.
func (b *Bridge) Stop(timeout time.Duration) error {
	if !b.started.Load() {
		return nil
	}
	b.stopping.Store(true)

	tasks := b.registry.CancelOwner(b.name)

	settled := make(chan struct{})
	go func() {
		if r := b.wg.WaitAndRecover(); r != nil {
			b.logger.Error("bridge: task panicked",
				observability.F("bridge", b.name),
				observability.F("panic", r.Value))
		}
		close(settled)
	}()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	select {
	case <-settled:
		b.cancel()
		return nil
	case <-deadline.C:
	}

	// Force path: cancel the root context, log stragglers, and strip them
	// from the registry so shutdown accounting stays exact.
	b.cancel()
	var unsettled []string
	for _, task := range tasks {
		select {
		case <-task.Done():
		default:
			unsettled = append(unsettled, task.ID)
			b.logger.Error("bridge: task did not settle before deadline",
				observability.F("bridge", b.name),
				observability.F("task", task.Name),
				observability.F("id", task.ID))
			b.registry.Remove(task.ID)
		}
	}
	if len(unsettled) == 0 {
		return nil
	}
	return errs.New("bridge", errs.CodeExhausted,
		errs.WithMessage("forced stop with unsettled tasks"))
}
