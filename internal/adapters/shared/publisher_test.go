package shared

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/marketwire/pulse/internal/schema"
)

type captureEmitter struct {
	events []schema.Event
}

func (c *captureEmitter) Emit(evt schema.Event) {
	c.events = append(c.events, evt)
}

func TestOnTickPublishesBroadAndScoped(t *testing.T) {
	sink := &captureEmitter{}
	p := NewPublisher("binance", sink)

	p.OnTick(schema.TickPayload{Symbol: "BTC-USDT", Last: decimal.NewFromInt(50000)})

	if len(sink.events) != 2 {
		t.Fatalf("events = %d, want 2", len(sink.events))
	}
	if sink.events[0].Type != schema.TypeTick {
		t.Fatalf("broad type = %q", sink.events[0].Type)
	}
	if sink.events[1].Type != schema.EventType("TICK:BTC-USDT") {
		t.Fatalf("scoped type = %q", sink.events[1].Type)
	}
	for _, evt := range sink.events {
		if evt.Source != "binance" {
			t.Fatalf("source = %q", evt.Source)
		}
		payload := evt.Payload.(schema.TickPayload)
		if !payload.Last.Equal(decimal.NewFromInt(50000)) {
			t.Fatalf("payload price = %v", payload.Last)
		}
	}
}

func TestOnOrderScopedByOrderID(t *testing.T) {
	sink := &captureEmitter{}
	p := NewPublisher("binance", sink)

	p.OnOrder(schema.OrderPayload{OrderID: "o-1", Symbol: "ETH-USDT"})

	if len(sink.events) != 2 {
		t.Fatalf("events = %d, want 2", len(sink.events))
	}
	if sink.events[1].Type != schema.EventType("ORDER:o-1") {
		t.Fatalf("scoped type = %q", sink.events[1].Type)
	}
}

func TestEveryCallbackEmitsPairs(t *testing.T) {
	sink := &captureEmitter{}
	p := NewPublisher("okx", sink)

	p.OnTrade(schema.TradePayload{Symbol: "BTC-USDT"})
	p.OnAccount(schema.AccountPayload{AccountID: "acct"})
	p.OnPosition(schema.PositionPayload{Symbol: "BTC-USDT"})
	p.OnLog(schema.LogPayload{Level: "info", Message: "hello"})

	if len(sink.events) != 8 {
		t.Fatalf("events = %d, want 8", len(sink.events))
	}
}
