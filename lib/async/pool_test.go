package async

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/marketwire/pulse/errs"
)

func TestPoolRunsSubmittedTasks(t *testing.T) {
	p, err := NewPool(2, 4)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	defer p.Close()

	var ran atomic.Int64
	done := make(chan struct{})
	for i := 0; i < 4; i++ {
		err := p.Submit(context.Background(), func(context.Context) error {
			if ran.Add(1) == 4 {
				close(done)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("ran %d of 4 tasks", ran.Load())
	}
}

func TestPoolRejectsWhenSaturated(t *testing.T) {
	p, err := NewPool(1, 0)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	defer p.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	_ = p.Submit(context.Background(), func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started

	err = p.Submit(context.Background(), func(context.Context) error { return nil })
	if !errs.IsCode(err, errs.CodeUnavailable) {
		t.Fatalf("expected capacity rejection, got %v", err)
	}
	close(release)
}

func TestPoolSingleWorkerSerializes(t *testing.T) {
	p, err := NewPool(1, 8)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	defer p.Close()

	var inFlight atomic.Int64
	var overlapped atomic.Bool
	done := make(chan struct{}, 8)
	for i := 0; i < 8; i++ {
		_ = p.Submit(context.Background(), func(context.Context) error {
			if inFlight.Add(1) > 1 {
				overlapped.Store(true)
			}
			time.Sleep(time.Millisecond)
			inFlight.Add(-1)
			done <- struct{}{}
			return nil
		})
	}
	for i := 0; i < 8; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("tasks did not finish")
		}
	}
	if overlapped.Load() {
		t.Fatal("single-worker pool ran tasks concurrently")
	}
}

func TestPoolSurvivesPanickingTask(t *testing.T) {
	p, err := NewPool(1, 2)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	defer p.Close()

	_ = p.Submit(context.Background(), func(context.Context) error { panic("boom") })

	ran := make(chan struct{})
	if err := p.Submit(context.Background(), func(context.Context) error {
		close(ran)
		return nil
	}); err != nil {
		t.Fatalf("submit after panic: %v", err)
	}
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("worker died after task panic")
	}
}

func TestPoolShutdownWaitsForInFlight(t *testing.T) {
	p, err := NewPool(1, 1)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}

	started := make(chan struct{})
	finished := make(chan struct{})
	_ = p.Submit(context.Background(), func(context.Context) error {
		close(started)
		time.Sleep(20 * time.Millisecond)
		close(finished)
		return nil
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	select {
	case <-finished:
	default:
		t.Fatal("shutdown returned before in-flight task completed")
	}
}

func TestSubmitAfterCloseFails(t *testing.T) {
	p, err := NewPool(1, 1)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	p.Close()

	err = p.Submit(context.Background(), func(context.Context) error { return nil })
	if !errs.IsCode(err, errs.CodeUnavailable) {
		t.Fatalf("expected pool closed, got %v", err)
	}
}
