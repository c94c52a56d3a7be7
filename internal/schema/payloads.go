package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// ConnectionState enumerates the lifecycle states of a streaming connection.
type ConnectionState string

const (
	// StateDisconnected means no session exists and none is being built.
	StateDisconnected ConnectionState = "disconnected"
	// StateConnecting means the initial session handshake is in flight.
	StateConnecting ConnectionState = "connecting"
	// StateConnected means the session is live and streaming.
	StateConnected ConnectionState = "connected"
	// StateReconnecting means a failed session is being rebuilt with backoff.
	StateReconnecting ConnectionState = "reconnecting"
	// StateError means the session is down and no retry is scheduled.
	StateError ConnectionState = "error"
)

// CircuitState enumerates circuit breaker states.
type CircuitState string

const (
	// CircuitClosed lets calls through and counts failures.
	CircuitClosed CircuitState = "closed"
	// CircuitOpen fails calls fast until the cooldown elapses.
	CircuitOpen CircuitState = "open"
	// CircuitHalfOpen admits trial calls to probe recovery.
	CircuitHalfOpen CircuitState = "half_open"
)

// ShutdownPhase enumerates coordinator phases.
type ShutdownPhase string

const (
	// PhaseSignaled means every component has been asked to stop.
	PhaseSignaled ShutdownPhase = "signaled"
	// PhaseGracefulWait means the coordinator is polling for completion.
	PhaseGracefulWait ShutdownPhase = "graceful_wait"
	// PhaseForceCleanup means stragglers are being force-stopped.
	PhaseForceCleanup ShutdownPhase = "force_cleanup"
	// PhaseDone means the coordinator has finished, cleanly or not.
	PhaseDone ShutdownPhase = "done"
)

// TickPayload carries a market data tick.
type TickPayload struct {
	Symbol string          `json:"symbol"`
	Bid    decimal.Decimal `json:"bid"`
	Ask    decimal.Decimal `json:"ask"`
	Last   decimal.Decimal `json:"last"`
	Volume decimal.Decimal `json:"volume"`
}

// OrderPayload carries an order state update.
type OrderPayload struct {
	OrderID string          `json:"order_id"`
	Symbol  string          `json:"symbol"`
	Side    string          `json:"side"`
	Price   decimal.Decimal `json:"price"`
	Qty     decimal.Decimal `json:"qty"`
	Filled  decimal.Decimal `json:"filled"`
	Status  string          `json:"status"`
}

// TradePayload carries a trade execution.
type TradePayload struct {
	TradeID string          `json:"trade_id"`
	OrderID string          `json:"order_id"`
	Symbol  string          `json:"symbol"`
	Side    string          `json:"side"`
	Price   decimal.Decimal `json:"price"`
	Qty     decimal.Decimal `json:"qty"`
}

// AccountPayload carries account balances keyed by currency.
type AccountPayload struct {
	AccountID string                     `json:"account_id"`
	Balances  map[string]decimal.Decimal `json:"balances"`
}

// PositionPayload carries a position update.
type PositionPayload struct {
	Symbol     string          `json:"symbol"`
	Qty        decimal.Decimal `json:"qty"`
	AvgPrice   decimal.Decimal `json:"avg_price"`
	Unrealized decimal.Decimal `json:"unrealized"`
}

// LogPayload carries an adapter log line promoted onto the bus.
type LogPayload struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// TimerPayload carries the sequence number of a synthetic timer tick.
type TimerPayload struct {
	Seq      uint64        `json:"seq"`
	Interval time.Duration `json:"interval"`
}

// ConnectionPayload describes a connection state transition.
type ConnectionPayload struct {
	Adapter string          `json:"adapter"`
	From    ConnectionState `json:"from"`
	To      ConnectionState `json:"to"`
	Reason  string          `json:"reason,omitempty"`
	Attempt int             `json:"attempt,omitempty"`
}

// CircuitPayload describes a circuit breaker state transition.
type CircuitPayload struct {
	Name     string       `json:"name"`
	From     CircuitState `json:"from"`
	To       CircuitState `json:"to"`
	Failures int          `json:"failures"`
}

// ShutdownPayload describes a shutdown coordinator phase transition.
type ShutdownPayload struct {
	Phase   ShutdownPhase `json:"phase"`
	Pending []string      `json:"pending,omitempty"`
	Elapsed time.Duration `json:"elapsed"`
}
