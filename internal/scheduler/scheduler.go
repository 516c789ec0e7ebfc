// Package scheduler repeats the triage pass on a fixed interval or a cron
// schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// PassFunc runs one batch pass.
type PassFunc func(ctx context.Context) error

// Status is a snapshot of the scheduler's progress.
type Status struct {
	Running   bool      `json:"running"`
	Passes    int       `json:"passes"`
	Failures  int       `json:"failures"`
	Skipped   int       `json:"skipped"`
	LastRun   time.Time `json:"last_run,omitempty"`
	NextRun   time.Time `json:"next_run,omitempty"`
	Schedule  string    `json:"schedule,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

var parser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Scheduler runs a PassFunc until its context is cancelled. With no cron
// schedule, passes run back to back with a fixed sleep after each one.
type Scheduler struct {
	pass     PassFunc
	interval time.Duration
	schedule string
	logger   *slog.Logger

	mu       sync.Mutex
	running  bool
	passes   int
	failures int
	skipped  int
	lastRun  time.Time
	lastErr  error
	nextRun  time.Time
	cron     *cron.Cron
	entryID  cron.EntryID
}

// New creates a scheduler that sleeps interval between passes.
func New(pass PassFunc, interval time.Duration) *Scheduler {
	return &Scheduler{
		pass:     pass,
		interval: interval,
		logger:   slog.Default(),
	}
}

// WithLogger sets the logger for the scheduler.
func (s *Scheduler) WithLogger(logger *slog.Logger) *Scheduler {
	s.logger = logger
	return s
}

// SetSchedule switches to cron mode. An empty expression restores the
// fixed interval.
func (s *Scheduler) SetSchedule(expr string) error {
	if expr != "" {
		if err := ValidateCronExpr(expr); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.schedule = expr
	s.mu.Unlock()
	return nil
}

// Run performs a pass immediately and then keeps going until ctx is done.
// It always returns ctx.Err().
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	schedule := s.schedule
	s.mu.Unlock()

	if schedule != "" {
		return s.runCron(ctx, schedule)
	}
	return s.runInterval(ctx)
}

func (s *Scheduler) runInterval(ctx context.Context) error {
	s.logger.Info("scheduler started", "interval", s.interval)
	for {
		s.tryPass(ctx)
		if ctx.Err() != nil {
			break
		}

		s.mu.Lock()
		s.nextRun = time.Now().Add(s.interval)
		s.mu.Unlock()
		s.logger.Info("sleeping until next pass", "interval", s.interval)
		if !sleep(ctx, s.interval) {
			break
		}
	}
	s.logger.Info("scheduler stopped")
	return ctx.Err()
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (s *Scheduler) runCron(ctx context.Context, schedule string) error {
	c := cron.New(cron.WithParser(parser), cron.WithLogger(cronLogger{s.logger}))
	id, err := c.AddFunc(schedule, func() { s.tryPass(ctx) })
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", schedule, err)
	}
	s.mu.Lock()
	s.cron = c
	s.entryID = id
	s.mu.Unlock()

	s.tryPass(ctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}

	c.Start()
	s.logger.Info("scheduler started", "schedule", schedule, "next_run", c.Entry(id).Next)

	<-ctx.Done()
	s.logger.Info("scheduler stopping")
	<-c.Stop().Done()
	s.logger.Info("scheduler stopped")
	return ctx.Err()
}

// tryPass runs a pass unless one is already in progress.
func (s *Scheduler) tryPass(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.skipped++
		s.mu.Unlock()
		s.logger.Warn("previous pass still running; skipping")
		return
	}
	s.running = true
	s.mu.Unlock()

	start := time.Now()
	err := s.runPass(ctx)

	s.mu.Lock()
	s.running = false
	s.passes++
	s.lastRun = start
	s.lastErr = err
	if err != nil && !errors.Is(err, context.Canceled) {
		s.failures++
	}
	s.mu.Unlock()

	switch {
	case err == nil:
		s.logger.Info("pass completed", "duration", time.Since(start))
	case errors.Is(err, context.Canceled):
		s.logger.Info("pass cancelled", "duration", time.Since(start))
	default:
		s.logger.Error("pass failed", "duration", time.Since(start), "error", err)
	}
}

// runPass converts a panic into an error so the next pass still runs.
func (s *Scheduler) runPass(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Debug("pass panic stack", "stack", string(debug.Stack()))
			err = fmt.Errorf("pass panicked: %v", r)
		}
	}()
	return s.pass(ctx)
}

// Status returns a snapshot of pass counters and timing.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Running:  s.running,
		Passes:   s.passes,
		Failures: s.failures,
		Skipped:  s.skipped,
		LastRun:  s.lastRun,
		NextRun:  s.nextRun,
		Schedule: s.schedule,
	}
	if s.cron != nil {
		st.NextRun = s.cron.Entry(s.entryID).Next
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// ValidateCronExpr validates a cron expression without scheduling anything.
// Standard five-field expressions and descriptors such as @hourly are accepted.
func ValidateCronExpr(expr string) error {
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	return nil
}

// cronLogger adapts slog to cron's logger interface.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
