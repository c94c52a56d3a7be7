// Package schema defines the canonical event model shared across the core.
package schema

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/marketwire/pulse/errs"
)

// EventType identifies a bus channel (e.g. TICK, or the narrow TICK:BTC-USDT).
type EventType string

const (
	// TypeAny subscribes a handler to every event regardless of type.
	TypeAny EventType = "*"
	// TypeTick carries market tick updates.
	TypeTick EventType = "TICK"
	// TypeOrder carries order state updates.
	TypeOrder EventType = "ORDER"
	// TypeTrade carries trade executions.
	TypeTrade EventType = "TRADE"
	// TypeAccount carries account balance updates.
	TypeAccount EventType = "ACCOUNT"
	// TypePosition carries position updates.
	TypePosition EventType = "POSITION"
	// TypeLog carries adapter log lines promoted onto the bus.
	TypeLog EventType = "LOG"
	// TypeTimer is the synthetic periodic tick emitted by the bus timer worker.
	TypeTimer EventType = "TIMER"
	// TypeConnection carries connection state transitions.
	TypeConnection EventType = "CONNECTION"
	// TypeCircuit carries circuit breaker state transitions.
	TypeCircuit EventType = "CIRCUIT"
	// TypeShutdown carries shutdown coordinator phase transitions.
	TypeShutdown EventType = "SHUTDOWN"
)

// ScopedType derives the narrow per-identifier channel for a broad type,
// e.g. ScopedType(TypeTick, "BTC-USDT") == "TICK:BTC-USDT".
func ScopedType(typ EventType, id string) EventType {
	id = strings.TrimSpace(id)
	if id == "" {
		return typ
	}
	return EventType(string(typ) + ":" + id)
}

// Base returns the broad channel for a possibly scoped type.
func (t EventType) Base() EventType {
	s := string(t)
	if i := strings.IndexByte(s, ':'); i >= 0 {
		return EventType(s[:i])
	}
	return t
}

// Validate ensures the event type is non-empty and has no empty segments.
func (t EventType) Validate() error {
	if t == "" {
		return errs.New("schema/event-type", errs.CodeInvalid, errs.WithMessage("event type required"))
	}
	for _, part := range strings.Split(string(t), ":") {
		if strings.TrimSpace(part) == "" {
			return errs.New("schema/event-type", errs.CodeInvalid, errs.WithMessage("empty event type segment"))
		}
	}
	return nil
}

// Event is the immutable unit of distribution on the bus. Fields are set
// once at publish time and never mutated by subscribers.
type Event struct {
	ID      string    `json:"id"`
	Type    EventType `json:"type"`
	Source  string    `json:"source"`
	Symbol  string    `json:"symbol,omitempty"`
	Payload any       `json:"payload,omitempty"`
	TS      time.Time `json:"ts"`
}

// NewEvent stamps a fresh event with identity and a UTC timestamp.
func NewEvent(typ EventType, source, symbol string, payload any) Event {
	return Event{
		ID:      uuid.NewString(),
		Type:    typ,
		Source:  source,
		Symbol:  symbol,
		Payload: payload,
		TS:      time.Now().UTC(),
	}
}
