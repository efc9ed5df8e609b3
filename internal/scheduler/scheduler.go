// Package scheduler provides durable one-shot timers.
//
// ScheduleOnce stores a timer and returns its id. A sweep, run by a
// robfig/cron job or called directly with FireDue, notifies the wait/notify
// engine with an api.TimerFired payload once a timer is due. Notification
// happens before the timer is deleted, so a crash between the two only
// produces a duplicate notify, which the wait/notify engine ignores.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	rcron "github.com/robfig/cron/v3"

	"github.com/petrijr/conveyor/pkg/api"
)

// Notifier is the side of the wait/notify engine the scheduler needs.
type Notifier interface {
	Notify(ctx context.Context, correlationID string, response any) error
}

// Scheduler implements api.Scheduler on top of a TimerStore.
type Scheduler struct {
	store    TimerStore
	notifier Notifier
	logger   api.Logger
	now      func() time.Time
	interval time.Duration
	batch    int

	mu   sync.Mutex
	cron *rcron.Cron
}

var _ api.Scheduler = (*Scheduler)(nil)

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the clock; tests advance it and call FireDue.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the diagnostic logger.
func WithLogger(l api.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithSweepInterval sets how often the cron job sweeps due timers.
// robfig/cron rounds intervals below one second up to one second.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// New creates a Scheduler.
func New(store TimerStore, notifier Notifier, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:    store,
		notifier: notifier,
		logger:   api.NopLogger{},
		now:      time.Now,
		interval: time.Second,
		batch:    100,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ScheduleOnce stores a timer due after delay and returns its correlation id.
func (s *Scheduler) ScheduleOnce(ctx context.Context, delay time.Duration) (string, error) {
	if delay < 0 {
		delay = 0
	}
	t := Timer{ID: uuid.NewString(), DueAt: s.now().Add(delay)}
	if err := s.store.SaveTimer(ctx, t); err != nil {
		return "", fmt.Errorf("save timer: %w", err)
	}
	return t.ID, nil
}

// FireDue notifies every due timer and returns how many fired.
func (s *Scheduler) FireDue(ctx context.Context) (int, error) {
	fired := 0
	for {
		now := s.now()
		due, err := s.store.Due(ctx, now, s.batch)
		if err != nil {
			return fired, err
		}
		if len(due) == 0 {
			return fired, nil
		}
		for _, t := range due {
			if err := s.notifier.Notify(ctx, t.ID, api.TimerFired{CorrelationID: t.ID, At: now}); err != nil {
				return fired, fmt.Errorf("notify timer %s: %w", t.ID, err)
			}
			if err := s.store.DeleteTimer(ctx, t.ID); err != nil {
				return fired, fmt.Errorf("delete timer %s: %w", t.ID, err)
			}
			fired++
		}
		if len(due) < s.batch {
			return fired, nil
		}
	}
}

// Pending returns how many timers have not fired yet.
func (s *Scheduler) Pending(ctx context.Context) (int, error) {
	return s.store.Pending(ctx)
}

// Start runs FireDue on a cron schedule until Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}

	c := rcron.New(rcron.WithChain(rcron.SkipIfStillRunning(rcron.DiscardLogger)))
	spec := "@every " + s.interval.String()
	if _, err := c.AddFunc(spec, func() {
		if _, err := s.FireDue(ctx); err != nil {
			s.logger.Error(fmt.Sprintf("timer sweep failed: %v", err))
		}
	}); err != nil {
		return fmt.Errorf("failed to add sweep job: %w", err)
	}
	c.Start()
	s.cron = c
	return nil
}

// Stop stops the sweep and waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
}
