// Package shared provides common utilities for adapter implementations.
package shared

import (
	"github.com/marketwire/pulse/internal/schema"
)

// Emitter hands events to the bus from streaming callbacks. Implemented by
// the execution bridge so drops during shutdown are counted.
type Emitter interface {
	Emit(evt schema.Event)
}

// Publisher implements the adapter Feed contract by wrapping each callback
// into a typed event published twice: once on the broad channel and once on
// the per-identifier channel (e.g. TICK and TICK:BTC-USDT).
type Publisher struct {
	source  string
	emitter Emitter
}

// NewPublisher creates a publisher for the named adapter.
func NewPublisher(source string, emitter Emitter) *Publisher {
	p := new(Publisher)
	p.source = source
	p.emitter = emitter
	return p
}

func (p *Publisher) OnTick(tick schema.TickPayload) {
	p.dual(schema.TypeTick, tick.Symbol, tick)
}

func (p *Publisher) OnOrder(order schema.OrderPayload) {
	p.dual(schema.TypeOrder, order.OrderID, order)
}

func (p *Publisher) OnTrade(trade schema.TradePayload) {
	p.dual(schema.TypeTrade, trade.Symbol, trade)
}

func (p *Publisher) OnAccount(account schema.AccountPayload) {
	p.dual(schema.TypeAccount, account.AccountID, account)
}

func (p *Publisher) OnPosition(position schema.PositionPayload) {
	p.dual(schema.TypePosition, position.Symbol, position)
}

func (p *Publisher) OnLog(entry schema.LogPayload) {
	p.dual(schema.TypeLog, p.source, entry)
}

func (p *Publisher) dual(typ schema.EventType, id string, payload any) {
	p.emitter.Emit(schema.NewEvent(typ, p.source, id, payload))
	if scoped := schema.ScopedType(typ, id); scoped != typ {
		p.emitter.Emit(schema.NewEvent(scoped, p.source, id, payload))
	}
}
