package cron_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/chaperone/internal/cron"
)

func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestSchedulerRunsSweepImmediatelyAndOnEachTick(t *testing.T) {
	var calls atomic.Int64
	sched := cron.NewScheduler(cron.Config{
		Interval: 20 * time.Millisecond,
		Sweep: func(ctx context.Context) (cron.Sweep, error) {
			calls.Add(1)
			return cron.Sweep{ExpiredIdempotencyKeys: 1}, nil
		},
	})

	ctx := context.Background()
	sched.Start(ctx)
	defer sched.Stop()

	waitFor(t, time.Second, func() bool { return calls.Load() >= 3 })
}

func TestSchedulerStopHaltsFurtherSweeps(t *testing.T) {
	var calls atomic.Int64
	sched := cron.NewScheduler(cron.Config{
		Interval: 10 * time.Millisecond,
		Sweep: func(ctx context.Context) (cron.Sweep, error) {
			calls.Add(1)
			return cron.Sweep{}, nil
		},
	})

	sched.Start(context.Background())
	waitFor(t, time.Second, func() bool { return calls.Load() >= 1 })
	sched.Stop()

	afterStop := calls.Load()
	time.Sleep(100 * time.Millisecond)
	if calls.Load() != afterStop {
		t.Fatalf("sweep ran after Stop(): before=%d after=%d", afterStop, calls.Load())
	}
}

func TestSchedulerSurvivesSweepError(t *testing.T) {
	var calls atomic.Int64
	sched := cron.NewScheduler(cron.Config{
		Interval: 10 * time.Millisecond,
		Sweep: func(ctx context.Context) (cron.Sweep, error) {
			calls.Add(1)
			return cron.Sweep{}, errors.New("boom")
		},
	})

	sched.Start(context.Background())
	defer sched.Stop()

	waitFor(t, time.Second, func() bool { return calls.Load() >= 2 })
}

func TestNextRunTimeParsesStandardExpression(t *testing.T) {
	after := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	next, err := cron.NextRunTime("0 9 * * *", after)
	if err != nil {
		t.Fatalf("NextRunTime() error = %v", err)
	}
	if next.Hour() != 9 || next.Minute() != 0 {
		t.Fatalf("NextRunTime() = %v, want 09:00", next)
	}
}

func TestNextRunTimeRejectsInvalidExpression(t *testing.T) {
	if _, err := cron.NextRunTime("not a cron expr", time.Now()); err == nil {
		t.Fatal("NextRunTime() error = nil, want error for invalid expression")
	}
}
