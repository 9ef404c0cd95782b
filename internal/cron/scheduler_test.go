package cron_test

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/nightshift/internal/config"
	"github.com/basket/nightshift/internal/cron"
	"github.com/basket/nightshift/internal/persistence"
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

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "nightshift.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func pendingCount(t *testing.T, store *persistence.Store) int {
	t.Helper()
	tasks, err := store.TasksByStatus(context.Background(), persistence.TaskStatusPending)
	if err != nil {
		t.Fatalf("tasks by status: %v", err)
	}
	return len(tasks)
}

func TestScheduler_FiresDueSchedule(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	if _, err := store.UpsertSchedule(ctx, persistence.Schedule{
		Name:        "nightly-refactor",
		CronExpr:    "0 2 * * *",
		Workflow:    "maintenance",
		Description: "nightly dependency refresh",
		Priority:    5,
		NextRunAt:   past,
	}); err != nil {
		t.Fatalf("upsert schedule: %v", err)
	}

	s := cron.NewScheduler(cron.Config{Store: store, Logger: testLogger(), Interval: 20 * time.Millisecond})
	s.Start(ctx)
	defer s.Stop()

	waitFor(t, 2*time.Second, func() bool { return pendingCount(t, store) == 1 })

	// The schedule's next run moved to the future, so it fires only once.
	time.Sleep(60 * time.Millisecond)
	if got := pendingCount(t, store); got != 1 {
		t.Errorf("pending tasks = %d, want 1 (schedule re-fired)", got)
	}

	tasks, err := store.TasksByStatus(ctx, persistence.TaskStatusPending)
	if err != nil {
		t.Fatalf("tasks by status: %v", err)
	}
	if tasks[0].Workflow != "maintenance" || tasks[0].Priority != 5 {
		t.Errorf("created task = %+v, want schedule's workflow and priority", tasks[0])
	}
}

func TestScheduler_SkipsFutureSchedule(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	future := time.Now().Add(time.Hour)
	if _, err := store.UpsertSchedule(ctx, persistence.Schedule{
		Name:      "later",
		CronExpr:  "0 2 * * *",
		Workflow:  "maintenance",
		NextRunAt: future,
	}); err != nil {
		t.Fatalf("upsert schedule: %v", err)
	}

	s := cron.NewScheduler(cron.Config{Store: store, Logger: testLogger(), Interval: 20 * time.Millisecond})
	s.Start(ctx)
	defer s.Stop()

	time.Sleep(80 * time.Millisecond)
	if got := pendingCount(t, store); got != 0 {
		t.Errorf("pending tasks = %d, want 0 for a future schedule", got)
	}
}

func TestScheduler_SyncRegistersAndSkipsInvalid(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	s := cron.NewScheduler(cron.Config{Store: store, Logger: testLogger()})
	err := s.Sync(ctx, []config.ScheduleConfig{
		{Name: "good", CronExpr: "30 3 * * 1", Workflow: "maintenance"},
		{Name: "bad", CronExpr: "not a cron line", Workflow: "maintenance"},
	})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}

	due, err := store.DueSchedules(ctx, time.Now().AddDate(0, 0, 8))
	if err != nil {
		t.Fatalf("due schedules: %v", err)
	}
	if len(due) != 1 || due[0].Name != "good" {
		t.Errorf("registered schedules = %+v, want only the valid one", due)
	}
}

func TestScheduler_StartStopIdempotent(t *testing.T) {
	store := openTestStore(t)
	s := cron.NewScheduler(cron.Config{Store: store, Logger: testLogger(), Interval: 10 * time.Millisecond})

	ctx := context.Background()
	s.Start(ctx)
	s.Start(ctx)
	s.Stop()
	s.Stop()
}

func TestNextRunTime(t *testing.T) {
	after := time.Date(2026, 3, 14, 1, 0, 0, 0, time.UTC)
	next, err := cron.NextRunTime("0 2 * * *", after)
	if err != nil {
		t.Fatalf("NextRunTime: %v", err)
	}
	want := time.Date(2026, 3, 14, 2, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}

	if _, err := cron.NextRunTime("*/5 * *", after); err == nil {
		t.Error("expected error for malformed expression")
	}
}
