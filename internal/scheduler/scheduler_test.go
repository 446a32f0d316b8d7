package scheduler_test

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/swarmguard/dagrunner/internal/scheduler"
	"github.com/swarmguard/dagrunner/internal/tracker"
)

func openStore(t *testing.T) *tracker.Store {
	t.Helper()
	st, err := tracker.Open(filepath.Join(t.TempDir(), "dagrunner.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestScheduleFiresAndPersists(t *testing.T) {
	store := openStore(t)

	var fired int32
	sch := scheduler.New(store, func(ctx context.Context, workflowName string) error {
		if workflowName == "nightly" {
			atomic.AddInt32(&fired, 1)
		}
		return nil
	}, nil)

	if err := sch.AddSchedule(scheduler.ScheduleConfig{
		WorkflowName: "nightly",
		CronExpr:     "* * * * * *", // every second
		Enabled:      true,
	}); err != nil {
		t.Fatalf("add schedule: %v", err)
	}
	sch.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		sch.Stop(ctx)
	}()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&fired) > 0 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if atomic.LoadInt32(&fired) == 0 {
		t.Fatal("expected schedule to fire at least once")
	}

	schedules, err := store.ListSchedules()
	if err != nil {
		t.Fatalf("list schedules: %v", err)
	}
	if len(schedules) != 1 {
		t.Fatalf("expected schedule to be persisted, got %d entries", len(schedules))
	}
}

func TestRestoreSchedulesReregisters(t *testing.T) {
	store := openStore(t)

	var fired int32
	trigger := func(ctx context.Context, workflowName string) error {
		atomic.AddInt32(&fired, 1)
		return nil
	}

	seed := scheduler.New(store, trigger, nil)
	if err := seed.AddSchedule(scheduler.ScheduleConfig{
		WorkflowName: "restored",
		CronExpr:     "* * * * * *",
		Enabled:      true,
	}); err != nil {
		t.Fatalf("seed schedule: %v", err)
	}

	sch := scheduler.New(store, trigger, nil)
	if err := sch.RestoreSchedules(); err != nil {
		t.Fatalf("restore schedules: %v", err)
	}
	sch.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		sch.Stop(ctx)
	}()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&fired) > 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("expected restored schedule to fire")
}

func TestRemoveScheduleDeletesPersistedConfig(t *testing.T) {
	store := openStore(t)

	sch := scheduler.New(store, func(context.Context, string) error { return nil }, nil)
	if err := sch.AddSchedule(scheduler.ScheduleConfig{WorkflowName: "gone", CronExpr: "* * * * * *", Enabled: true}); err != nil {
		t.Fatalf("add schedule: %v", err)
	}
	if err := sch.RemoveSchedule("gone"); err != nil {
		t.Fatalf("remove schedule: %v", err)
	}
	schedules, err := store.ListSchedules()
	if err != nil {
		t.Fatalf("list schedules: %v", err)
	}
	if len(schedules) != 0 {
		t.Fatalf("expected schedule removed, got %d entries", len(schedules))
	}
}
