package fake

import (
	"github.com/goccy/go-json"

	"github.com/marketwire/pulse/errs"
	"github.com/marketwire/pulse/internal/adapters"
	"github.com/marketwire/pulse/internal/schema"
)

// frame is the wire envelope used by the synthetic venue.
type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Decoder parses synthetic venue frames into feed callbacks.
type Decoder struct{}

func (Decoder) Decode(raw []byte, feed adapters.Feed) error {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return errs.New("fake", errs.CodeProtocol,
			errs.WithMessage("malformed frame envelope"), errs.WithCause(err))
	}

	switch f.Type {
	case "tick":
		var tick schema.TickPayload
		if err := json.Unmarshal(f.Data, &tick); err != nil {
			return errs.New("fake", errs.CodeProtocol,
				errs.WithMessage("malformed tick frame"), errs.WithCause(err))
		}
		feed.OnTick(tick)
	case "trade":
		var trade schema.TradePayload
		if err := json.Unmarshal(f.Data, &trade); err != nil {
			return errs.New("fake", errs.CodeProtocol,
				errs.WithMessage("malformed trade frame"), errs.WithCause(err))
		}
		feed.OnTrade(trade)
	case "order":
		var order schema.OrderPayload
		if err := json.Unmarshal(f.Data, &order); err != nil {
			return errs.New("fake", errs.CodeProtocol,
				errs.WithMessage("malformed order frame"), errs.WithCause(err))
		}
		feed.OnOrder(order)
	case "account":
		var account schema.AccountPayload
		if err := json.Unmarshal(f.Data, &account); err != nil {
			return errs.New("fake", errs.CodeProtocol,
				errs.WithMessage("malformed account frame"), errs.WithCause(err))
		}
		feed.OnAccount(account)
	case "position":
		var position schema.PositionPayload
		if err := json.Unmarshal(f.Data, &position); err != nil {
			return errs.New("fake", errs.CodeProtocol,
				errs.WithMessage("malformed position frame"), errs.WithCause(err))
		}
		feed.OnPosition(position)
	default:
		return errs.New("fake", errs.CodeProtocol,
			errs.WithMessage("unknown frame type "+f.Type))
	}
	return nil
}
