// Package scheduler runs the dispatch cycle on a fixed interval, with
// start/stop control exposed over the API.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

type Scheduler struct {
	interval time.Duration
	cycleFn  func(context.Context)

	running atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(interval time.Duration, cycleFn func(context.Context)) (*Scheduler, error) {
	if interval <= 0 {
		return nil, errors.New("interval must be > 0")
	}
	if cycleFn == nil {
		return nil, errors.New("cycleFn must not be nil")
	}
	return &Scheduler{
		interval: interval,
		cycleFn:  cycleFn,
		done:     make(chan struct{}),
	}, nil
}

// Start launches the loop and fires an immediate first cycle. Returns
// false when the scheduler is already running.
func (s *Scheduler) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running.Store(true)

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		slog.Info("dispatch loop started", "interval", s.interval.String())

		s.safeCycle(ctx)

		for {
			select {
			case <-ctx.Done():
				slog.Info("dispatch loop stopping")
				return
			case <-ticker.C:
				s.safeCycle(ctx)
			}
		}
	}()

	return true
}

// Stop cancels the loop and waits for the in-flight cycle to drain.
// Returns false when the scheduler is not running.
func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.Load() {
		return false
	}

	s.cancel()
	<-s.done
	s.running.Store(false)

	slog.Info("dispatch loop stopped")
	return true
}

func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}

func (s *Scheduler) safeCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("dispatch cycle panic recovered", "panic", r)
		}
	}()

	start := time.Now()
	s.cycleFn(ctx)
	slog.Info("dispatch cycle completed", "duration_ms", time.Since(start).Milliseconds())
}
