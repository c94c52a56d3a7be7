// Package connmgr owns the per-adapter streaming connection state machine:
// connect, subscribe, heartbeat, reconnect with backoff, and subscription
// restoration.
package connmgr

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/marketwire/pulse/config"
	"github.com/marketwire/pulse/errs"
	"github.com/marketwire/pulse/internal/adapters"
	"github.com/marketwire/pulse/internal/breaker"
	"github.com/marketwire/pulse/internal/bridge"
	"github.com/marketwire/pulse/internal/bus/eventbus"
	"github.com/marketwire/pulse/internal/observability"
	"github.com/marketwire/pulse/internal/schema"
	"github.com/marketwire/pulse/lib/async"
)

// Config parameterizes one connection manager.
type Config struct {
	Adapter   string
	URL       string
	Backoff   config.BackoffSettings
	Heartbeat config.HeartbeatSettings
	// Allow filters subscribe requests; nil admits every symbol.
	Allow func(symbol string) bool
	Clock func() time.Time
}

func (c Config) normalize() Config {
	if c.Backoff.Base <= 0 {
		c.Backoff.Base = time.Second
	}
	if c.Backoff.Max <= 0 {
		c.Backoff.Max = 60 * time.Second
	}
	if c.Backoff.AttemptCap <= 0 {
		c.Backoff.AttemptCap = 50
	}
	if c.Heartbeat.Interval <= 0 {
		c.Heartbeat.Interval = 30 * time.Second
	}
	if c.Heartbeat.MissLimit <= 0 {
		c.Heartbeat.MissLimit = 2
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// Status is a point-in-time view of the connection.
type Status struct {
	State             schema.ConnectionState
	LastHeartbeat     time.Time
	ReconnectAttempts int
}

// Manager drives exactly one logical streaming session. All state
// transitions are serialized under the manager lock; connect and reconnect
// operations run one at a time on a single-worker pool.
type Manager struct {
	cfg       Config
	transport Transport
	decoder   adapters.Decoder
	feed      adapters.Feed
	bus       *eventbus.Bus
	bridge    *bridge.Bridge
	breaker   *breaker.Breaker
	ops       *async.Pool
	logger    observability.Logger

	rootCtx context.Context
	cancel  context.CancelFunc

	mu           sync.Mutex
	state        schema.ConnectionState
	session      Session
	sessionTask  *bridge.Handle
	subs         map[string]struct{}
	creds        Credentials
	attempts     int
	lastActivity time.Time
	lastCheck    time.Time
	missed       int
	queued       bool
	lastErr      error

	// ctrlMu serializes control writes (subscribe/unsubscribe) on the
	// live session so they never interleave.
	ctrlMu sync.Mutex
}

// New constructs a disconnected manager.
func New(cfg Config, transport Transport, decoder adapters.Decoder, feed adapters.Feed,
	bus *eventbus.Bus, brdg *bridge.Bridge, cb *breaker.Breaker) (*Manager, error) {
	if transport == nil {
		return nil, errs.New("connmgr", errs.CodeInvalid, errs.WithMessage("transport required"))
	}
	ops, err := async.NewPool(1, 8)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := new(Manager)
	m.cfg = cfg.normalize()
	m.transport = transport
	m.decoder = decoder
	m.feed = feed
	m.bus = bus
	m.bridge = brdg
	m.breaker = cb
	m.ops = ops
	m.logger = observability.Log()
	m.rootCtx = ctx
	m.cancel = cancel
	m.state = schema.StateDisconnected
	m.subs = make(map[string]struct{})
	return m, nil
}

// Start hooks the heartbeat monitor onto the bus timer channel.
func (m *Manager) Start() error {
	if m.bus == nil {
		return nil
	}
	return m.bus.Subscribe(schema.TypeTimer, m.onTimer, m.owner())
}

// Connect schedules session establishment. Valid only from the
// Disconnected and Error states; Error is terminal until this call.
func (m *Manager) Connect(creds Credentials) error {
	m.mu.Lock()
	switch m.state {
	case schema.StateDisconnected, schema.StateError:
	default:
		state := m.state
		m.mu.Unlock()
		return errs.New("connmgr", errs.CodeInvalid,
			errs.WithMessage("connect not allowed from state "+string(state)))
	}
	m.creds = creds
	m.attempts = 0
	m.lastErr = nil
	m.transitionLocked(schema.StateConnecting, "connect requested")
	m.mu.Unlock()

	if err := m.ops.Submit(m.rootCtx, m.runConnect); err != nil {
		m.mu.Lock()
		m.transitionLocked(schema.StateError, "connect scheduling failed")
		m.mu.Unlock()
		return err
	}
	return nil
}

// Disconnect tears the session down. Calling it on an already-disconnected
// manager is a no-op and emits no duplicate transition events.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	if m.state == schema.StateDisconnected {
		m.mu.Unlock()
		return nil
	}
	sess, task := m.detachSessionLocked()
	m.attempts = 0
	m.missed = 0
	m.transitionLocked(schema.StateDisconnected, "disconnect requested")
	m.mu.Unlock()

	m.teardown(sess, task)
	return nil
}

// Subscribe tracks the symbol and, when a session is live, subscribes it
// immediately. Tracked symbols survive reconnects.
func (m *Manager) Subscribe(symbol string) error {
	if symbol == "" {
		return errs.New("connmgr", errs.CodeInvalid, errs.WithMessage("symbol required"))
	}
	if m.cfg.Allow != nil && !m.cfg.Allow(symbol) {
		return errs.New("connmgr", errs.CodeInvalid,
			errs.WithMessage("symbol "+symbol+" not in allow-list"))
	}

	m.mu.Lock()
	m.subs[symbol] = struct{}{}
	sess := m.session
	m.mu.Unlock()

	if sess == nil {
		return nil
	}
	m.ctrlMu.Lock()
	defer m.ctrlMu.Unlock()
	return sess.Subscribe(m.rootCtx, symbol)
}

// Unsubscribe stops tracking the symbol and removes it from the live
// session if one exists.
func (m *Manager) Unsubscribe(symbol string) error {
	m.mu.Lock()
	_, tracked := m.subs[symbol]
	delete(m.subs, symbol)
	sess := m.session
	m.mu.Unlock()

	if !tracked || sess == nil {
		return nil
	}
	m.ctrlMu.Lock()
	defer m.ctrlMu.Unlock()
	return sess.Unsubscribe(m.rootCtx, symbol)
}

// Status returns the current connection status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		State:             m.state,
		LastHeartbeat:     m.lastActivity,
		ReconnectAttempts: m.attempts,
	}
}

// Subscriptions returns the tracked symbol set, sorted.
func (m *Manager) Subscriptions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.subs))
	for sym := range m.subs {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Close disconnects, detaches the heartbeat monitor and releases the
// operation runner within timeout.
func (m *Manager) Close(timeout time.Duration) error {
	_ = m.Disconnect()
	if m.bus != nil {
		m.bus.UnsubscribeAll(m.owner())
	}
	m.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return m.ops.Shutdown(ctx)
}

// Adapter returns the adapter name this manager serves.
func (m *Manager) Adapter() string { return m.cfg.Adapter }

func (m *Manager) owner() string { return "connmgr/" + m.cfg.Adapter }

// runConnect is the initial establishment operation scheduled by Connect.
// The circuit breaker wraps the whole connect-with-local-retries cycle:
// individual attempts are retried locally with backoff, and only cap
// exhaustion or a non-retryable error counts as a breaker failure.
func (m *Manager) runConnect(ctx context.Context) error {
	if err := m.breaker.Call(ctx, m.connectCycle); err != nil {
		m.logger.Error("connmgr: connect cycle failed",
			observability.F("adapter", m.cfg.Adapter),
			observability.F("error", err))
		m.failCycle(err)
	}
	return nil
}

// failCycle exits an in-flight connect or reconnect state into Error when
// the cycle itself never ran, e.g. the breaker fast-failed while Open.
// Without it the manager would sit in Connecting forever with no further
// transition and no way to retry.
func (m *Manager) failCycle(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != schema.StateConnecting && m.state != schema.StateReconnecting {
		return
	}
	m.lastErr = err
	m.transitionLocked(schema.StateError, err.Error())
}

// connectCycle attempts establishment once and, on a retryable failure,
// keeps retrying with backoff until success, the attempt cap, or a
// non-retryable error.
func (m *Manager) connectCycle(ctx context.Context) error {
	err := m.establish(ctx)
	if err == nil {
		return nil
	}
	m.mu.Lock()
	m.lastErr = err
	m.transitionLocked(schema.StateError, err.Error())
	m.mu.Unlock()
	if !errs.Retryable(err) {
		return err
	}
	return m.reconnectLoop(ctx)
}

// establish dials the transport, restores every tracked subscription
// symbol-by-symbol and starts the read loop on the bridge.
func (m *Manager) establish(ctx context.Context) error {
	m.mu.Lock()
	creds := m.creds
	symbols := make([]string, 0, len(m.subs))
	for sym := range m.subs {
		symbols = append(symbols, sym)
	}
	m.mu.Unlock()
	sort.Strings(symbols)

	sess, err := m.transport.Dial(ctx, m.cfg.URL, creds)
	if err != nil {
		return err
	}

	// Per-symbol restoration: one failing symbol must not abort the batch.
	for _, sym := range symbols {
		if err := sess.Subscribe(ctx, sym); err != nil {
			m.logger.Error("connmgr: resubscribe failed",
				observability.F("adapter", m.cfg.Adapter),
				observability.F("symbol", sym),
				observability.F("error", err))
		}
	}

	// The session is installed before the read loop starts so an immediate
	// read failure is attributed to it, and a Subscribe landing in this
	// window reaches the live session.
	now := m.cfg.Clock()
	m.mu.Lock()
	m.session = sess
	m.attempts = 0
	m.missed = 0
	m.lastErr = nil
	m.lastActivity = now
	m.lastCheck = now
	m.mu.Unlock()

	handle, err := m.bridge.Submit(m.cfg.Adapter+"/stream", func(taskCtx context.Context) error {
		return m.readLoop(taskCtx, sess)
	})
	if err != nil {
		m.mu.Lock()
		if m.session == sess {
			m.session = nil
		}
		m.mu.Unlock()
		_ = sess.Close()
		return err
	}

	m.mu.Lock()
	if m.session != sess {
		// Disconnect raced the establishment; unwind the read loop.
		m.mu.Unlock()
		handle.Cancel()
		_ = sess.Close()
		return nil
	}
	m.sessionTask = handle
	m.transitionLocked(schema.StateConnected, "session established")
	m.mu.Unlock()
	return nil
}

// scheduleReconnect enqueues the reconnect loop unless one is already
// queued or running; the single-worker pool guarantees no two reconnect
// attempts for this connection ever run concurrently.
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	if m.queued || m.state == schema.StateDisconnected {
		m.mu.Unlock()
		return
	}
	m.queued = true
	m.mu.Unlock()

	op := func(ctx context.Context) error {
		defer func() {
			m.mu.Lock()
			m.queued = false
			m.mu.Unlock()
		}()
		if err := m.breaker.Call(ctx, m.reconnectLoop); err != nil {
			m.logger.Error("connmgr: reconnect cycle failed",
				observability.F("adapter", m.cfg.Adapter),
				observability.F("error", err))
			m.failCycle(err)
		}
		return nil
	}
	if err := m.ops.Submit(m.rootCtx, op); err != nil {
		m.mu.Lock()
		m.queued = false
		m.mu.Unlock()
		m.logger.Error("connmgr: reconnect scheduling failed",
			observability.F("adapter", m.cfg.Adapter),
			observability.F("error", err))
	}
}

// newBackoff builds the reconnect delay policy: exponential doubling from
// Base, capped at Max, with ±50% jitter.
func newBackoff(cfg config.BackoffSettings) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.Base
	bo.MaxInterval = cfg.Max
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.5
	return bo
}

func (m *Manager) reconnectLoop(ctx context.Context) error {
	bo := newBackoff(m.cfg.Backoff)

	for {
		m.mu.Lock()
		if m.state == schema.StateDisconnected {
			m.mu.Unlock()
			return nil
		}
		m.attempts++
		attempt := m.attempts
		if attempt > m.cfg.Backoff.AttemptCap {
			m.transitionLocked(schema.StateError, "reconnect attempts exhausted")
			lastErr := m.lastErr
			m.mu.Unlock()
			m.logger.Error("connmgr: reconnect attempts exhausted",
				observability.F("adapter", m.cfg.Adapter),
				observability.F("attempts", attempt-1),
				observability.F("error", lastErr))
			return errs.Exhausted("connmgr", attempt-1, lastErr)
		}
		lastErr := m.lastErr
		m.transitionLocked(schema.StateReconnecting, "reconnect scheduled")
		m.mu.Unlock()

		delay := bo.NextBackOff()
		if hint, ok := errs.RetryAfterHint(lastErr); ok {
			delay = hint
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		err := m.establish(ctx)
		if err == nil {
			return nil
		}
		m.mu.Lock()
		m.lastErr = err
		m.mu.Unlock()
		if !errs.Retryable(err) {
			m.mu.Lock()
			m.transitionLocked(schema.StateError, err.Error())
			m.mu.Unlock()
			return err
		}
	}
}

// readLoop consumes raw frames from the session and hands them to the
// adapter decoder. Protocol errors drop the single frame and keep the
// stream alive; any other read failure ends the session and schedules a
// reconnect.
func (m *Manager) readLoop(ctx context.Context, sess Session) error {
	for {
		frame, err := sess.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errs.IsCode(err, errs.CodeProtocol) {
				m.logger.Debug("connmgr: malformed frame dropped",
					observability.F("adapter", m.cfg.Adapter),
					observability.F("error", err))
				continue
			}
			m.handleStreamFailure(sess, err)
			return nil
		}

		m.touch()
		if m.decoder == nil || m.feed == nil {
			continue
		}
		if err := m.decoder.Decode(frame, m.feed); err != nil {
			// Malformed message: drop and continue, the stream stays up.
			m.logger.Debug("connmgr: frame decode failed",
				observability.F("adapter", m.cfg.Adapter),
				observability.F("error", err))
		}
	}
}

func (m *Manager) handleStreamFailure(sess Session, cause error) {
	m.mu.Lock()
	if m.session != sess {
		// A newer session replaced this one; nothing to do.
		m.mu.Unlock()
		return
	}
	_, task := m.detachSessionLocked()
	m.lastErr = cause
	m.transitionLocked(schema.StateError, cause.Error())
	m.mu.Unlock()

	m.teardown(sess, task)
	if errs.Retryable(cause) {
		m.scheduleReconnect()
	}
}

// onTimer is the heartbeat monitor. Each heartbeat interval without
// observed activity counts as a miss; two consecutive misses force an
// Error transition and reconnect scheduling.
func (m *Manager) onTimer(schema.Event) {
	now := m.cfg.Clock()

	m.mu.Lock()
	if m.state != schema.StateConnected {
		m.missed = 0
		m.lastCheck = now
		m.mu.Unlock()
		return
	}
	if now.Sub(m.lastCheck) < m.cfg.Heartbeat.Interval {
		m.mu.Unlock()
		return
	}
	m.lastCheck = now
	if now.Sub(m.lastActivity) < m.cfg.Heartbeat.Interval {
		m.missed = 0
		m.mu.Unlock()
		return
	}
	m.missed++
	if m.missed < m.cfg.Heartbeat.MissLimit {
		m.mu.Unlock()
		return
	}
	sess, task := m.detachSessionLocked()
	m.lastErr = errs.New("connmgr", errs.CodeNetwork, errs.WithMessage("heartbeat missed"))
	m.transitionLocked(schema.StateError, "heartbeat missed")
	m.mu.Unlock()

	m.teardown(sess, task)
	m.scheduleReconnect()
}

func (m *Manager) touch() {
	now := m.cfg.Clock()
	m.mu.Lock()
	m.lastActivity = now
	m.missed = 0
	m.mu.Unlock()
}

func (m *Manager) detachSessionLocked() (Session, *bridge.Handle) {
	sess, task := m.session, m.sessionTask
	m.session = nil
	m.sessionTask = nil
	return sess, task
}

func (m *Manager) teardown(sess Session, task *bridge.Handle) {
	if task != nil {
		task.Cancel()
	}
	if sess != nil {
		_ = sess.Close()
	}
}

// transitionLocked records a state change and publishes it on both the
// broad and per-adapter channels. Repeating the current state is silent
// except for Reconnecting, where each attempt is its own transition.
func (m *Manager) transitionLocked(to schema.ConnectionState, reason string) {
	from := m.state
	if from == to && to != schema.StateReconnecting {
		return
	}
	m.state = to
	if m.bus == nil {
		return
	}
	payload := schema.ConnectionPayload{
		Adapter: m.cfg.Adapter,
		From:    from,
		To:      to,
		Reason:  reason,
		Attempt: m.attempts,
	}
	m.bus.Publish(schema.NewEvent(schema.TypeConnection, m.cfg.Adapter, "", payload))
	m.bus.Publish(schema.NewEvent(schema.ScopedType(schema.TypeConnection, m.cfg.Adapter), m.cfg.Adapter, "", payload))
}
