package mainloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/enriquebris/goconcurrentqueue"
)

// ErrStopped is returned by Call when the loop quits before running the function
var ErrStopped = errors.New("main loop stopped")

// SourceID identifies a timeout source added to the loop
type SourceID uint64

// Loop runs callbacks one at a time on a single goroutine. Work is queued
// from any goroutine; callbacks never overlap.
type Loop struct {
	logger *slog.Logger
	queue  *goconcurrentqueue.FIFO

	mu      sync.Mutex
	sources map[SourceID]*source
	nextID  SourceID

	running atomic.Bool
	quit    chan struct{}
	once    sync.Once
}

// source is a recurring timeout
type source struct {
	id       SourceID
	interval time.Duration
	fn       func() bool
	timer    *time.Timer
}

// New creates a loop. If logger is nil, slog.Default() is used.
func New(logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		logger:  logger.With("component", "main-loop"),
		queue:   goconcurrentqueue.NewFIFO(),
		sources: make(map[SourceID]*source),
		quit:    make(chan struct{}),
	}
}

// Invoke queues fn to run on the loop goroutine
func (l *Loop) Invoke(fn func()) {
	if err := l.queue.Enqueue(fn); err != nil {
		l.logger.Error("Failed to queue callback", slog.String("error", err.Error()))
	}
}

// Call runs fn on the loop goroutine and waits for it to return.
// It must not be used from inside a loop callback.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	l.Invoke(func() {
		defer close(done)
		fn()
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.quit:
		return ErrStopped
	}
}

// TimeoutAdd calls fn every interval on the loop goroutine for as long as fn
// returns true. The next interval starts after fn returns.
func (l *Loop) TimeoutAdd(interval time.Duration, fn func() bool) SourceID {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++
	src := &source{
		id:       l.nextID,
		interval: interval,
		fn:       fn,
	}
	src.timer = time.AfterFunc(interval, func() {
		l.Invoke(func() { l.dispatch(src) })
	})
	l.sources[src.id] = src

	return src.id
}

// TimeoutAddSeconds is TimeoutAdd with a whole number of seconds
func (l *Loop) TimeoutAddSeconds(seconds uint, fn func() bool) SourceID {
	return l.TimeoutAdd(time.Duration(seconds)*time.Second, fn)
}

// Remove stops a timeout source. It reports false for unknown ids.
func (l *Loop) Remove(id SourceID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	src, ok := l.sources[id]
	if !ok {
		return false
	}
	src.timer.Stop()
	delete(l.sources, id)
	return true
}

// SourceCount returns the number of active timeout sources
func (l *Loop) SourceCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sources)
}

// dispatch runs a timeout source and re-arms it
func (l *Loop) dispatch(src *source) {
	l.mu.Lock()
	_, active := l.sources[src.id]
	l.mu.Unlock()
	if !active {
		return
	}

	if !src.fn() {
		l.Remove(src.id)
		return
	}

	l.mu.Lock()
	if _, active := l.sources[src.id]; active {
		src.timer.Reset(src.interval)
	}
	l.mu.Unlock()
}

// Run dispatches callbacks until ctx is cancelled or Quit is called
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return fmt.Errorf("main loop already running")
	}
	defer l.running.Store(false)
	defer l.Quit()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-l.quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	l.logger.Debug("Main loop running")

	for {
		item, err := l.queue.DequeueOrWaitForNextElementContext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				l.stopSources()
				l.logger.Debug("Main loop stopped")
				return nil
			}
			return fmt.Errorf("failed to dequeue callback: %w", err)
		}

		if fn, ok := item.(func()); ok {
			fn()
		}
	}
}

// Quit makes Run return. Pending callbacks are dropped.
func (l *Loop) Quit() {
	l.once.Do(func() { close(l.quit) })
}

// IsRunning reports whether Run is dispatching
func (l *Loop) IsRunning() bool {
	return l.running.Load()
}

func (l *Loop) stopSources() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for id, src := range l.sources {
		src.timer.Stop()
		delete(l.sources, id)
	}
}
