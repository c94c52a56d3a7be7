package eventbus

import (
	"context"
	"time"

	"github.com/sourcegraph/conc/panics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/marketwire/pulse/internal/observability"
	"github.com/marketwire/pulse/internal/schema"
)

// busCtx backs metric recording; the bus itself never blocks on a context.
var busCtx = context.Background()

func (b *Bus) dispatchLoop() {
	defer close(b.dispatchDone)
	for {
		select {
		case <-b.stopCh:
			b.drainQueue()
			return
		case evt := <-b.queue:
			b.deliver(evt)
		}
	}
}

// drainQueue delivers already-enqueued events after stop was signalled,
// bounded by the drain deadline so a slow handler cannot stall shutdown.
func (b *Bus) drainQueue() {
	deadline := time.Now().Add(b.cfg.DrainTimeout)
	for {
		if time.Now().After(deadline) {
			remaining := len(b.queue)
			if remaining > 0 {
				b.logger.Error("eventbus: drain deadline elapsed",
					observability.F("undelivered", remaining))
			}
			return
		}
		select {
		case evt := <-b.queue:
			b.deliver(evt)
		default:
			return
		}
	}
}

// deliver invokes every handler registered for the event's type plus all
// wildcard handlers. A panic in one handler is contained and logged; the
// remaining handlers still run.
func (b *Bus) deliver(evt schema.Event) {
	for _, sub := range b.snapshot(evt.Type) {
		handler := sub.handler
		if r := panics.Try(func() { handler(evt) }); r != nil {
			if b.faultCounter != nil {
				b.faultCounter.Add(busCtx, 1, metric.WithAttributes(
					attribute.String("event_type", string(evt.Type.Base())),
					attribute.String("owner", sub.owner)))
			}
			b.logger.Error("eventbus: handler panicked",
				observability.F("type", evt.Type),
				observability.F("owner", sub.owner),
				observability.F("panic", r.Value))
		}
	}
}

func (b *Bus) timerLoop() {
	defer close(b.timerDone)
	ticker := time.NewTicker(b.cfg.TimerInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			seq := b.timerSeq.Add(1)
			b.Publish(schema.NewEvent(schema.TypeTimer, "eventbus", "",
				schema.TimerPayload{Seq: seq, Interval: b.cfg.TimerInterval}))
		}
	}
}
