// Package cron runs the orchestrator's periodic retention sweep: the same
// ticking schedule loop the teacher used to fire due cron schedules,
// repurposed here to expire stale idempotency keys and purge long-settled
// audit entries.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Sweep reports one retention pass outcome, logged by the scheduler after
// every tick.
type Sweep struct {
	ExpiredIdempotencyKeys int
	PurgedAuditEntries     int
}

// SweepFunc performs one retention pass: expiring stale idempotency:
// entries and trimming the audit log older than the configured windows.
type SweepFunc func(ctx context.Context) (Sweep, error)

// Config holds the dependencies for the retention scheduler.
type Config struct {
	Sweep    SweepFunc
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 hour if zero
}

// Scheduler periodically runs a retention sweep.
type Scheduler struct {
	sweep    SweepFunc
	logger   *slog.Logger
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a new Scheduler with the given config.
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		sweep:    cfg.Sweep,
		logger:   logger,
		interval: interval,
	}
}

// Start begins the scheduler loop. It runs in a background goroutine and
// respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("retention scheduler started", "interval", s.interval)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("retention scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if s.sweep == nil {
		return
	}
	result, err := s.sweep(ctx)
	if err != nil {
		s.logger.Error("retention sweep failed", "error", err)
		return
	}
	s.logger.Info("retention sweep completed",
		"expired_idempotency_keys", result.ExpiredIdempotencyKeys,
		"purged_audit_entries", result.PurgedAuditEntries,
	)
}

// NextRunTime parses the cron expression and returns the next run time
// after the given time. Retained for callers that want to align the sweep
// interval to a cron-style schedule rather than a fixed duration.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
