package bridge

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/marketwire/pulse/internal/bus/eventbus"
	"github.com/marketwire/pulse/internal/schema"
)

func newTestBridge(t *testing.T) (*Bridge, *Registry, *eventbus.Bus) {
	t.Helper()
	bus := eventbus.New(eventbus.Config{QueueSize: 64, TimerInterval: time.Hour})
	bus.Start()
	t.Cleanup(func() { _ = bus.Stop(2 * time.Second) })

	registry := NewRegistry()
	b := New("binance", bus, registry)
	b.Start()
	return b, registry, bus
}

func TestSubmitRunsTaskAndRemovesRegistryEntry(t *testing.T) {
	b, registry, _ := newTestBridge(t)

	ran := make(chan struct{})
	handle, err := b.Submit("probe", func(ctx context.Context) error {
		close(ran)
		return nil
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("task never ran")
	}
	select {
	case <-handle.Done():
	case <-time.After(time.Second):
		t.Fatal("task never settled")
	}
	if got := registry.Len(); got != 0 {
		t.Fatalf("registry entries = %d, want 0", got)
	}
}

func TestCancelStopsTask(t *testing.T) {
	b, registry, _ := newTestBridge(t)

	handle, err := b.Submit("stream", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	handle.Cancel()
	select {
	case <-handle.Done():
	case <-time.After(time.Second):
		t.Fatal("cancelled task never settled")
	}
	if got := registry.Len(); got != 0 {
		t.Fatalf("registry entries = %d, want 0", got)
	}
}

func TestStopCancelsAllTasksAndEmptiesRegistry(t *testing.T) {
	b, registry, _ := newTestBridge(t)

	for i := 0; i < 5; i++ {
		if _, err := b.Submit("stream", func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}

	if err := b.Stop(2 * time.Second); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got := registry.Len(); got != 0 {
		t.Fatalf("registry entries after stop = %d, want 0", got)
	}

	if _, err := b.Submit("late", func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected submission rejection after stop")
	}
}

func TestStopForcesHungTask(t *testing.T) {
	b, registry, _ := newTestBridge(t)

	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	if _, err := b.Submit("hung", func(ctx context.Context) error {
		<-block // ignores cancellation
		return nil
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	start := time.Now()
	err := b.Stop(100 * time.Millisecond)
	if err == nil {
		t.Fatal("expected error for unsettled task")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("stop blocked for %v", elapsed)
	}
	if got := registry.Len(); got != 0 {
		t.Fatalf("registry entries after forced stop = %d, want 0", got)
	}
}

func TestEmitCountsDropsWhileBusStopping(t *testing.T) {
	b, _, bus := newTestBridge(t)

	if err := bus.Stop(time.Second); err != nil {
		t.Fatalf("bus stop: %v", err)
	}
	b.Emit(schema.NewEvent(schema.TypeTick, "binance", "BTC-USDT", nil))
	if got := b.Dropped(); got != 1 {
		t.Fatalf("dropped = %d, want 1", got)
	}
}

func TestRegistryRemoveIdempotent(t *testing.T) {
	registry := NewRegistry()
	task := registry.Register("binance", "stream", func() {})

	registry.Remove(task.ID)
	registry.Remove(task.ID) // double removal is a no-op

	if got := registry.Len(); got != 0 {
		t.Fatalf("registry entries = %d, want 0", got)
	}
	select {
	case <-task.Done():
	default:
		t.Fatal("removed task should be settled")
	}
}

func TestRegistryCancelOwnerScopesToOwner(t *testing.T) {
	registry := NewRegistry()
	var cancelled atomic.Int32
	registry.Register("binance", "a", func() { cancelled.Add(1) })
	registry.Register("binance", "b", func() { cancelled.Add(1) })
	registry.Register("okx", "c", func() { cancelled.Add(100) })

	tasks := registry.CancelOwner("binance")
	if len(tasks) != 2 {
		t.Fatalf("cancelled tasks = %d, want 2", len(tasks))
	}
	if got := cancelled.Load(); got != 2 {
		t.Fatalf("cancel calls = %d, want 2", got)
	}
	if got := len(registry.OwnedBy("okx")); got != 1 {
		t.Fatalf("okx tasks = %d, want 1", got)
	}
}
