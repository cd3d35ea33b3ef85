package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// TickFunc runs one unit of periodic work. A non-nil error backs the
// scheduler off before the next tick.
type TickFunc func(context.Context) error

type Scheduler struct {
	name       string
	interval   time.Duration
	maxBackoff time.Duration
	tickFn     TickFunc
	log        *slog.Logger

	running  atomic.Bool
	failures atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Scheduler)

// WithName labels log lines of this scheduler.
func WithName(name string) Option {
	return func(s *Scheduler) { s.name = name }
}

// WithMaxBackoff caps the delay reached by doubling the interval after
// consecutive failed ticks. Defaults to 32 intervals.
func WithMaxBackoff(d time.Duration) Option {
	return func(s *Scheduler) { s.maxBackoff = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

func New(interval time.Duration, tickFn TickFunc, opts ...Option) (*Scheduler, error) {
	if interval <= 0 {
		return nil, errors.New("interval must be > 0")
	}
	if tickFn == nil {
		return nil, errors.New("tickFn must not be nil")
	}
	s := &Scheduler{
		name:       "scheduler",
		interval:   interval,
		maxBackoff: 32 * interval,
		tickFn:     tickFn,
		log:        slog.Default(),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.maxBackoff < interval {
		s.maxBackoff = interval
	}
	s.log = s.log.With("scheduler", s.name)
	return s, nil
}

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
	s.failures.Store(0)

	go func() {
		defer close(s.done)

		s.log.Info("scheduler started", "interval", s.interval.String())

		delay := nextDelay(s.interval, s.interval, s.maxBackoff, s.safeTick(ctx))
		timer := time.NewTimer(delay)
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				s.log.Info("scheduler stopping")
				return
			case <-timer.C:
				delay = nextDelay(delay, s.interval, s.maxBackoff, s.safeTick(ctx))
				timer.Reset(delay)
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

// ConsecutiveFailures is the number of failed ticks since the last
// successful one.
func (s *Scheduler) ConsecutiveFailures() int64 {
	return s.failures.Load()
}

// nextDelay doubles the current delay after a failure, up to ceiling,
// and returns to base after a success.
func nextDelay(current, base, ceiling time.Duration, err error) time.Duration {
	if err == nil {
		return base
	}
	next := current * 2
	if next > ceiling || next <= 0 {
		return ceiling
	}
	return next
}

func (s *Scheduler) safeTick(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scheduler tick panic recovered", "panic", r)
			err = fmt.Errorf("tick panic: %v", r)
		}
		if err != nil {
			s.failures.Add(1)
		} else {
			s.failures.Store(0)
		}
	}()

	start := time.Now()
	if err = s.tickFn(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		s.log.Warn("scheduler tick failed", "error", err, "consecutive_failures", s.failures.Load()+1)
		return err
	}
	s.log.Debug("scheduler tick completed", "duration_ms", time.Since(start).Milliseconds())
	return nil
}
