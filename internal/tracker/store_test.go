package tracker_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/swarmguard/dagrunner/internal/dag"
	"github.com/swarmguard/dagrunner/internal/executor"
	"github.com/swarmguard/dagrunner/internal/tracker"
)

func openTestStore(t *testing.T) *tracker.Store {
	t.Helper()
	st, err := tracker.Open(filepath.Join(t.TempDir(), "dagrunner.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestRecordStatePreservesAttempt(t *testing.T) {
	st := openTestStore(t)

	attempt := executor.NewTaskAttempt()
	attempt.Succeeded = true
	if err := st.RecordAttempt(1, "task-1", dag.Completed, attempt); err != nil {
		t.Fatalf("record attempt: %v", err)
	}
	if err := st.RecordState(1, "task-1", dag.Completed); err != nil {
		t.Fatalf("record state: %v", err)
	}

	rec, ok, err := st.GetRecord(1, "task-1")
	if err != nil || !ok {
		t.Fatalf("get record: ok=%v err=%v", ok, err)
	}
	if rec.Attempt == nil || !rec.Attempt.Succeeded {
		t.Fatalf("expected attempt to survive a subsequent state write, got %+v", rec.Attempt)
	}
}

func TestConsumeDrainsUpdateTaskState(t *testing.T) {
	st := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := make(chan executor.TrackerMessage, 1)
	go st.Consume(ctx, ch)

	reply := make(chan struct{}, 1)
	ch <- executor.UpdateTaskState{RunID: 7, TaskID: "task-x", State: dag.Running, Reply: reply}

	select {
	case <-reply:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for tracker reply")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if rec, ok, _ := st.GetRecord(7, "task-x"); ok && rec.State == dag.Running {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected state update to be persisted")
}

func TestRunIndexResolvesToNumericRunID(t *testing.T) {
	st := openTestStore(t)

	if err := st.PutRunIndex("external-abc", 42); err != nil {
		t.Fatalf("put run index: %v", err)
	}
	if err := st.RecordAttempt(42, "task-1", dag.Completed, executor.NewTaskAttempt()); err != nil {
		t.Fatalf("record attempt: %v", err)
	}

	resolved, ok, err := st.ResolveRunID("external-abc")
	if err != nil || !ok {
		t.Fatalf("resolve run index: ok=%v err=%v", ok, err)
	}
	records, err := st.ListRecords(resolved)
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if _, ok := records["task-1"]; !ok {
		t.Fatalf("expected resolved run id to reach the same bucket as the numeric write, got %+v", records)
	}

	if _, ok, err := st.ResolveRunID("unknown"); err != nil || ok {
		t.Fatalf("expected unknown external id to miss, got ok=%v err=%v", ok, err)
	}
}

func TestWorkflowAndScheduleRoundTrip(t *testing.T) {
	st := openTestStore(t)

	if err := st.PutWorkflow("nightly", []byte(`{"name":"nightly"}`)); err != nil {
		t.Fatalf("put workflow: %v", err)
	}
	doc, ok, err := st.GetWorkflow("nightly")
	if err != nil || !ok {
		t.Fatalf("get workflow: ok=%v err=%v", ok, err)
	}
	if string(doc) != `{"name":"nightly"}` {
		t.Fatalf("unexpected workflow doc: %s", doc)
	}

	if err := st.PutSchedule("nightly", []byte(`{"cron":"0 0 * * *"}`)); err != nil {
		t.Fatalf("put schedule: %v", err)
	}
	schedules, err := st.ListSchedules()
	if err != nil {
		t.Fatalf("list schedules: %v", err)
	}
	if len(schedules) != 1 {
		t.Fatalf("expected 1 schedule, got %d", len(schedules))
	}
	if err := st.DeleteSchedule("nightly"); err != nil {
		t.Fatalf("delete schedule: %v", err)
	}
	schedules, _ = st.ListSchedules()
	if len(schedules) != 0 {
		t.Fatalf("expected 0 schedules after delete, got %d", len(schedules))
	}
}
