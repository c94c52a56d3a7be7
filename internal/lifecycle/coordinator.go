// Package lifecycle orchestrates ordered, timeout-bounded component shutdown.
package lifecycle

import (
	"sync"
	"time"

	"github.com/sourcegraph/conc/panics"

	"github.com/marketwire/pulse/internal/bus/eventbus"
	"github.com/marketwire/pulse/internal/observability"
	"github.com/marketwire/pulse/internal/schema"
)

// Component is anything the coordinator can terminate. SignalShutdown must
// return promptly; slow teardown belongs behind IsShutdown polling.
type Component interface {
	SignalShutdown()
	IsShutdown() bool
	ForceShutdown()
}

// Hooks adapts plain functions to the Component interface.
type Hooks struct {
	Signal func()
	Done   func() bool
	Force  func()
}

func (h Hooks) SignalShutdown() {
	if h.Signal != nil {
		h.Signal()
	}
}

func (h Hooks) IsShutdown() bool {
	if h.Done != nil {
		return h.Done()
	}
	return true
}

func (h Hooks) ForceShutdown() {
	if h.Force != nil {
		h.Force()
	}
}

const (
	// graceMargin bounds how far past the budget ShutdownAll may run.
	graceMargin = 250 * time.Millisecond
	// pollInterval paces IsShutdown checks during the graceful wait.
	pollInterval = 20 * time.Millisecond
	// gracefulShare is the fraction of the budget spent waiting politely;
	// the remainder covers the force path.
	gracefulShare = 0.7
)

// GracefulWindow returns the portion of a shutdown budget spent waiting
// for components to confirm before force cleanup begins.
func GracefulWindow(budget time.Duration) time.Duration {
	return time.Duration(float64(budget) * gracefulShare)
}

// ForceWindow returns the remainder of the budget reserved for forcing
// stragglers.
func ForceWindow(budget time.Duration) time.Duration {
	return budget - GracefulWindow(budget)
}

type entry struct {
	name      string
	component Component
}

// Coordinator terminates registered components in escalating phases:
// signal, graceful wait, force cleanup. It never blocks past the timeout
// plus a small fixed grace margin and never panics.
type Coordinator struct {
	bus    *eventbus.Bus
	logger observability.Logger

	mu      sync.Mutex
	entries []entry
}

// NewCoordinator creates a coordinator. The bus may be nil; phase events are
// then skipped.
func NewCoordinator(bus *eventbus.Bus) *Coordinator {
	c := new(Coordinator)
	c.bus = bus
	c.logger = observability.Log()
	return c
}

// Register appends a component. Components registered last are signalled
// first, mirroring dependency order: adapters before the shared engine.
func (c *Coordinator) Register(name string, component Component) {
	if component == nil {
		return
	}
	c.mu.Lock()
	c.entries = append(c.entries, entry{name: name, component: component})
	c.mu.Unlock()
}

// ShutdownAll terminates every registered component within timeout and
// reports whether all of them confirmed shutdown.
func (c *Coordinator) ShutdownAll(timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = time.Second
	}
	start := time.Now()

	c.mu.Lock()
	entries := make([]entry, len(c.entries))
	copy(entries, c.entries)
	c.mu.Unlock()

	if len(entries) == 0 {
		return true
	}

	// Phase 1: signal everyone, reverse registration order.
	c.announce(schema.PhaseSignaled, nil, start)
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if r := panics.Try(e.component.SignalShutdown); r != nil {
			c.logger.Error("lifecycle: signal panicked",
				observability.F("component", e.name),
				observability.F("panic", r.Value))
		}
	}

	// Phase 2: poll until everyone confirms or the graceful window elapses.
	gracefulDeadline := start.Add(GracefulWindow(timeout))
	c.announce(schema.PhaseGracefulWait, c.pending(entries), start)
	c.waitUntil(entries, gracefulDeadline)

	// Phase 3: force stragglers and spend the remaining 30%.
	if pending := c.pending(entries); len(pending) > 0 {
		c.announce(schema.PhaseForceCleanup, pending, start)
		c.force(entries)
		c.waitUntil(entries, start.Add(timeout))
	}

	remaining := c.pending(entries)
	c.announce(schema.PhaseDone, remaining, start)
	for _, name := range remaining {
		c.logger.Error("lifecycle: component did not shut down",
			observability.F("component", name))
	}
	return len(remaining) == 0
}

func (c *Coordinator) waitUntil(entries []entry, deadline time.Time) {
	for time.Now().Before(deadline) {
		if len(c.pending(entries)) == 0 {
			return
		}
		time.Sleep(pollInterval)
	}
}

// force invokes ForceShutdown on each straggler in its own goroutine so a
// hung implementation cannot pin the coordinator past its budget.
func (c *Coordinator) force(entries []entry) {
	for _, e := range entries {
		if c.isDown(e) {
			continue
		}
		e := e
		go func() {
			if r := panics.Try(e.component.ForceShutdown); r != nil {
				c.logger.Error("lifecycle: force shutdown panicked",
					observability.F("component", e.name),
					observability.F("panic", r.Value))
			}
		}()
	}
}

func (c *Coordinator) pending(entries []entry) []string {
	var out []string
	for _, e := range entries {
		if !c.isDown(e) {
			out = append(out, e.name)
		}
	}
	return out
}

func (c *Coordinator) isDown(e entry) bool {
	down := false
	if r := panics.Try(func() { down = e.component.IsShutdown() }); r != nil {
		c.logger.Error("lifecycle: IsShutdown panicked",
			observability.F("component", e.name),
			observability.F("panic", r.Value))
		return false
	}
	return down
}

func (c *Coordinator) announce(phase schema.ShutdownPhase, pending []string, start time.Time) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(schema.NewEvent(schema.TypeShutdown, "lifecycle", "", schema.ShutdownPayload{
		Phase:   phase,
		Pending: pending,
		Elapsed: time.Since(start),
	}))
}
