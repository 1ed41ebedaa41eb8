package mainloop

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestLoop(t *testing.T) (*Loop, context.CancelFunc, <-chan error) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	loop := New(logger)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- loop.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-errCh:
		case <-time.After(time.Second):
		}
	})
	return loop, cancel, errCh
}

func TestCallRunsOnLoop(t *testing.T) {
	loop, _, _ := newTestLoop(t)

	called := false
	if err := loop.Call(context.Background(), func() { called = true }); err != nil {
		t.Fatalf("Call returned error: %v", err)
	}
	if !called {
		t.Error("Expected function to run")
	}
}

func TestInvokeOrder(t *testing.T) {
	loop, _, _ := newTestLoop(t)

	var order []int
	for i := 0; i < 100; i++ {
		i := i
		loop.Invoke(func() { order = append(order, i) })
	}

	// Call queues behind the invokes, so all of them have run once it returns
	if err := loop.Call(context.Background(), func() {}); err != nil {
		t.Fatalf("Call returned error: %v", err)
	}

	if len(order) != 100 {
		t.Fatalf("Expected 100 callbacks, got %d", len(order))
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("Expected callback %d at position %d, got %d", i, i, v)
		}
	}
}

func TestCallbacksNeverOverlap(t *testing.T) {
	loop, _, _ := newTestLoop(t)

	var active, maxActive int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = loop.Call(context.Background(), func() {
				n := atomic.AddInt32(&active, 1)
				if n > atomic.LoadInt32(&maxActive) {
					atomic.StoreInt32(&maxActive, n)
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&active, -1)
			})
		}()
	}
	wg.Wait()

	if maxActive != 1 {
		t.Errorf("Expected at most one callback at a time, got %d", maxActive)
	}
}

func TestTimeoutRepeats(t *testing.T) {
	loop, _, _ := newTestLoop(t)

	fired := make(chan struct{}, 10)
	id := loop.TimeoutAdd(10*time.Millisecond, func() bool {
		fired <- struct{}{}
		return true
	})
	defer loop.Remove(id)

	for i := 0; i < 3; i++ {
		select {
		case <-fired:
		case <-time.After(2 * time.Second):
			t.Fatalf("Timeout fired only %d times", i)
		}
	}

	if loop.SourceCount() != 1 {
		t.Errorf("Expected source to stay registered, got %d sources", loop.SourceCount())
	}
}

func TestTimeoutStopsWhenFalse(t *testing.T) {
	loop, _, _ := newTestLoop(t)

	var count int32
	loop.TimeoutAdd(5*time.Millisecond, func() bool {
		atomic.AddInt32(&count, 1)
		return false
	})

	time.Sleep(100 * time.Millisecond)

	if got := atomic.LoadInt32(&count); got != 1 {
		t.Errorf("Expected one call, got %d", got)
	}
	if loop.SourceCount() != 0 {
		t.Errorf("Expected source removed, got %d sources", loop.SourceCount())
	}
}

func TestRemove(t *testing.T) {
	loop, _, _ := newTestLoop(t)

	var count int32
	id := loop.TimeoutAdd(time.Hour, func() bool {
		atomic.AddInt32(&count, 1)
		return true
	})

	if !loop.Remove(id) {
		t.Error("Expected Remove to find the source")
	}
	if loop.Remove(id) {
		t.Error("Expected second Remove to report false")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	loop, cancel, errCh := newTestLoop(t)

	// Wait for the loop to start
	if err := loop.Call(context.Background(), func() {}); err != nil {
		t.Fatalf("Call returned error: %v", err)
	}
	if !loop.IsRunning() {
		t.Error("Expected loop to report running")
	}

	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Expected nil error on cancel, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	err := loop.Call(context.Background(), func() {})
	if !errors.Is(err, ErrStopped) {
		t.Errorf("Expected ErrStopped after stop, got %v", err)
	}
}

func TestQuit(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	loop := New(logger)

	done := make(chan error, 1)
	go func() { done <- loop.Run(context.Background()) }()

	loop.TimeoutAddSeconds(60, func() bool { return true })
	loop.Quit()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected nil error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Quit")
	}

	if loop.SourceCount() != 0 {
		t.Errorf("Expected sources cleared on stop, got %d", loop.SourceCount())
	}
}

func TestRunTwice(t *testing.T) {
	loop, _, _ := newTestLoop(t)

	if err := loop.Call(context.Background(), func() {}); err != nil {
		t.Fatalf("Call returned error: %v", err)
	}
	if err := loop.Run(context.Background()); err == nil {
		t.Error("Expected error when running an active loop")
	}
}
