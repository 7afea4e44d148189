package cron_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/labclaw/internal/cron"
)

// waitFor polls check at short intervals until it returns true or the deadline
// elapses. This avoids fixed time.Sleep calls that cause flaky tests.
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

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestScheduler_FiresOnSchedule(t *testing.T) {
	var n atomic.Int64
	sched, err := cron.NewScheduler(cron.Config{
		Logger: quiet(),
		Jobs: []cron.Job{{Name: "sweep", Spec: "@every 1s", Run: func(context.Context) error {
			n.Add(1)
			return nil
		}}},
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	sched.Start(context.Background())
	defer sched.Stop()

	if sched.Next("sweep").IsZero() {
		t.Fatalf("expected a next run time after start")
	}
	waitFor(t, 3*time.Second, func() bool { return n.Load() >= 1 })
	if sched.Runs("sweep") < 1 {
		t.Fatalf("expected run count recorded")
	}
}

func TestScheduler_RunNow(t *testing.T) {
	boom := errors.New("boom")
	sched, err := cron.NewScheduler(cron.Config{
		Logger: quiet(),
		Jobs: []cron.Job{
			{Name: "ok", Spec: "0 3 * * *", Run: func(context.Context) error { return nil }},
			{Name: "fail", Spec: "0 3 * * *", Run: func(context.Context) error { return boom }},
		},
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	if err := sched.RunNow("ok"); err != nil {
		t.Fatalf("run ok: %v", err)
	}
	if err := sched.RunNow("fail"); !errors.Is(err, boom) {
		t.Fatalf("expected job error, got %v", err)
	}
	if err := sched.RunNow("missing"); err == nil {
		t.Fatalf("expected unknown job error")
	}
	if sched.Runs("ok") != 1 || sched.Runs("fail") != 1 {
		t.Fatalf("unexpected run counts")
	}
}

func TestScheduler_RejectsBadSpecs(t *testing.T) {
	noop := func(context.Context) error { return nil }
	if _, err := cron.NewScheduler(cron.Config{Jobs: []cron.Job{{Name: "x", Spec: "not a spec", Run: noop}}}); err == nil {
		t.Fatalf("expected parse error")
	}
	if _, err := cron.NewScheduler(cron.Config{Jobs: []cron.Job{{Name: "x", Spec: "@hourly", Run: noop}, {Name: "x", Spec: "@hourly", Run: noop}}}); err == nil {
		t.Fatalf("expected duplicate error")
	}
	if _, err := cron.NewScheduler(cron.Config{Jobs: []cron.Job{{Name: "x", Spec: "@hourly"}}}); err == nil {
		t.Fatalf("expected nil Run error")
	}
}

func TestNextRunTime(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	next, err := cron.NextRunTime("*/5 * * * *", base)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !next.Equal(base.Add(5 * time.Minute)) {
		t.Fatalf("unexpected next run %v", next)
	}
}
