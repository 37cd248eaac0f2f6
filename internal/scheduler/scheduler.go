// Package scheduler runs a function on a fixed interval. The queue uses it for
// lease recovery and the live hub for idle-connection sweeps.
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
	name     string
	interval time.Duration
	tickFn   func(context.Context)
	log      *slog.Logger

	running atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(name string, interval time.Duration, tickFn func(context.Context)) (*Scheduler, error) {
	if name == "" {
		return nil, errors.New("name must not be empty")
	}
	if interval <= 0 {
		return nil, errors.New("interval must be > 0")
	}
	if tickFn == nil {
		return nil, errors.New("tickFn must not be nil")
	}
	return &Scheduler{
		name:     name,
		interval: interval,
		tickFn:   tickFn,
		log:      slog.Default().With("scheduler", name),
		done:     make(chan struct{}),
	}, nil
}

// Start launches the loop with a context derived from parent. It ticks once
// immediately. Returns false when already running.
func (s *Scheduler) Start(parent context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return false
	}

	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running.Store(true)

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.log.Info("scheduler started", "interval", s.interval.String())

		s.safeTick(ctx)

		for {
			select {
			case <-ctx.Done():
				s.log.Info("scheduler stopping")
				return
			case <-ticker.C:
				s.safeTick(ctx)
			}
		}
	}()

	return true
}

func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.Load() {
		return false
	}

	s.cancel()
	<-s.done
	s.running.Store(false)

	s.log.Info("scheduler stopped")
	return true
}

func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}

func (s *Scheduler) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scheduler tick panic recovered", "panic", r)
		}
	}()

	start := time.Now()
	s.tickFn(ctx)
	s.log.Debug("scheduler tick completed", "duration_ms", time.Since(start).Milliseconds())
}
