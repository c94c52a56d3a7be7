// Package adapters declares the fixed contract between exchange adapters
// and the core. The core depends only on these interfaces, never on a
// concrete adapter type.
package adapters

import "github.com/marketwire/pulse/internal/schema"

// Feed receives decoded market, order and account updates. The core
// provides the implementation; adapter decoders call into it.
type Feed interface {
	OnTick(tick schema.TickPayload)
	OnOrder(order schema.OrderPayload)
	OnTrade(trade schema.TradePayload)
	OnAccount(account schema.AccountPayload)
	OnPosition(position schema.PositionPayload)
	OnLog(entry schema.LogPayload)
}

// Decoder converts one raw wire frame into Feed callbacks. A malformed
// frame should yield an errs.CodeProtocol error so the stream can drop it
// and continue.
type Decoder interface {
	Decode(frame []byte, feed Feed) error
}
