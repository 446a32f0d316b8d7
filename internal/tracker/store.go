package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/dagrunner/internal/executor"
)

var (
	bucketRuns      = []byte("runs")
	bucketWorkflows = []byte("workflows")
	bucketSchedules = []byte("schedules")
	bucketRunIndex  = []byte("run_index")
)

// Store is the bbolt-backed Tracker implementation: one top-level "runs"
// bucket holding a nested bucket per run (keyed by the numeric RunID the
// executor protocol uses), a "run_index" bucket mapping each run's external
// correlation id (the uuid the HTTP façade hands out, or the Scheduler's
// workflow-name-derived id) back to that numeric RunID, plus "workflows" and
// "schedules" buckets used by the HTTP façade and the cron Scheduler
// respectively.
type Store struct {
	db  *bbolt.DB
	log *slog.Logger

	writeLatency metric.Float64Histogram
	readLatency  metric.Float64Histogram
	updates      metric.Int64Counter
}

// Open opens (creating if absent) a bbolt database at path and ensures its
// top-level buckets exist.
func Open(path string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt store: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketRuns, bucketWorkflows, bucketSchedules, bucketRunIndex} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	meter := otel.Meter("dagrunner")
	writeLatency, _ := meter.Float64Histogram("dagrunner_tracker_write_ms")
	readLatency, _ := meter.Float64Histogram("dagrunner_tracker_read_ms")
	updates, _ := meter.Int64Counter("dagrunner_tracker_updates_total")

	return &Store{db: db, log: log, writeLatency: writeLatency, readLatency: readLatency, updates: updates}, nil
}

// Close releases the underlying bbolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Consume drains ch, persisting each UpdateTaskState it receives, until ch
// is closed or ctx is cancelled. It is meant to run in its own goroutine for
// the lifetime of the process: the executor's trackerReply channel is
// fire-and-forget from the executor's point of view, so a slow Store never
// stalls the executor loop, but the Store itself must keep draining or the
// channel buffer (if any) would fill.
func (s *Store) Consume(ctx context.Context, ch <-chan executor.TrackerMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			upd, ok := msg.(executor.UpdateTaskState)
			if !ok {
				continue
			}
			if err := s.RecordState(upd.RunID, upd.TaskID, upd.State); err != nil {
				s.log.Warn("tracker: failed to record state update", "run_id", upd.RunID, "task_id", upd.TaskID, "error", err)
			}
			if upd.Reply != nil {
				select {
				case upd.Reply <- struct{}{}:
				default:
				}
			}
		}
	}
}

// runKey derives the bbolt bucket name for a numeric RunID. Every write path
// -- the executor's intermediate UpdateTaskState messages and the Runner's
// own terminal RecordAttempt calls -- goes through this same bucket naming,
// so both land in the same per-run bucket regardless of which one gets
// there first.
func runKey(id executor.RunID) string {
	return fmt.Sprintf("run-%d", id)
}

// PutRunIndex records that externalID (the uuid or name-derived id a caller
// outside the executor protocol uses to refer to a run) maps to runID. The
// Runner calls this once at construction so the HTTP façade's by-external-id
// lookups can resolve to the bucket the run's records actually live in.
func (s *Store) PutRunIndex(externalID string, runID executor.RunID) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRunIndex).Put([]byte(externalID), []byte(runKey(runID)))
	})
}

// ResolveRunID looks up the numeric RunID previously indexed under
// externalID via PutRunIndex.
func (s *Store) ResolveRunID(externalID string) (executor.RunID, bool, error) {
	var id executor.RunID
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketRunIndex).Get([]byte(externalID))
		if data == nil {
			return nil
		}
		var n uint64
		if _, err := fmt.Sscanf(string(data), "run-%d", &n); err != nil {
			return fmt.Errorf("decode run index entry %q: %w", data, err)
		}
		id = executor.RunID(n)
		found = true
		return nil
	})
	return id, found, err
}

// RecordState upserts the State field of a run's task record, preserving
// any previously recorded Attempt.
func (s *Store) RecordState(runID executor.RunID, taskID executor.TaskID, state executor.State) error {
	start := time.Now()
	defer func() {
		s.writeLatency.Record(context.Background(), float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("op", "record_state")))
	}()
	s.updates.Add(context.Background(), 1, metric.WithAttributes(attribute.String("state", state.String())))

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := runBucket(tx, runKey(runID))
		if err != nil {
			return err
		}
		rec := RunRecord{TaskID: taskID, State: state, UpdatedAt: time.Now()}
		if existing := bucket.Get([]byte(taskID)); existing != nil {
			var prev RunRecord
			if err := json.Unmarshal(existing, &prev); err == nil {
				rec.Attempt = prev.Attempt
			}
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal run record: %w", err)
		}
		return bucket.Put([]byte(taskID), data)
	})
}

// RecordAttempt persists the terminal TaskAttempt for a task alongside its
// final state. The Runner calls this once it observes an ExecutionReport;
// terminal attempts never travel through the tracker message channel, only
// intermediate UpdateTaskState transitions do.
func (s *Store) RecordAttempt(runID executor.RunID, taskID executor.TaskID, state executor.State, attempt executor.TaskAttempt) error {
	start := time.Now()
	defer func() {
		s.writeLatency.Record(context.Background(), float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("op", "record_attempt")))
	}()

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := runBucket(tx, runKey(runID))
		if err != nil {
			return err
		}
		rec := RunRecord{TaskID: taskID, State: state, Attempt: &attempt, UpdatedAt: time.Now()}
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal run record: %w", err)
		}
		return bucket.Put([]byte(taskID), data)
	})
}

// GetRecord returns the last known record for (runID, taskID).
func (s *Store) GetRecord(runID executor.RunID, taskID executor.TaskID) (RunRecord, bool, error) {
	start := time.Now()
	defer func() {
		s.readLatency.Record(context.Background(), float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("op", "get_record")))
	}()

	var rec RunRecord
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		runs := tx.Bucket(bucketRuns)
		bucket := runs.Bucket([]byte(runKey(runID)))
		if bucket == nil {
			return nil
		}
		data := bucket.Get([]byte(taskID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	return rec, found, err
}

// ListRecords returns every task record known for a run, keyed by task id.
func (s *Store) ListRecords(runID executor.RunID) (map[executor.TaskID]RunRecord, error) {
	out := make(map[executor.TaskID]RunRecord)
	err := s.db.View(func(tx *bbolt.Tx) error {
		runs := tx.Bucket(bucketRuns)
		bucket := runs.Bucket([]byte(runKey(runID)))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			var rec RunRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil
			}
			out[executor.TaskID(k)] = rec
			return nil
		})
	})
	return out, err
}

func runBucket(tx *bbolt.Tx, bucketName string) (*bbolt.Bucket, error) {
	runs := tx.Bucket(bucketRuns)
	if runs == nil {
		return nil, fmt.Errorf("runs bucket missing")
	}
	return runs.CreateBucketIfNotExists([]byte(bucketName))
}

// PutWorkflow stores a workflow document (opaque JSON) under name, for the
// HTTP façade's registration endpoint and the Scheduler's by-name triggers.
func (s *Store) PutWorkflow(name string, doc json.RawMessage) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketWorkflows).Put([]byte(name), doc)
	})
}

// GetWorkflow retrieves a previously registered workflow document.
func (s *Store) GetWorkflow(name string) (json.RawMessage, bool, error) {
	var doc json.RawMessage
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketWorkflows).Get([]byte(name))
		if data == nil {
			return nil
		}
		found = true
		doc = append(json.RawMessage{}, data...)
		return nil
	})
	return doc, found, err
}

// PutSchedule persists an opaque, caller-serialized schedule document under
// name. The Scheduler owns the ScheduleConfig shape; the store just
// round-trips bytes.
func (s *Store) PutSchedule(name string, doc json.RawMessage) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSchedules).Put([]byte(name), doc)
	})
}

// DeleteSchedule removes a persisted schedule document.
func (s *Store) DeleteSchedule(name string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSchedules).Delete([]byte(name))
	})
}

// ListSchedules returns every persisted schedule document.
func (s *Store) ListSchedules() (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSchedules).ForEach(func(k, v []byte) error {
			out[string(k)] = append(json.RawMessage{}, v...)
			return nil
		})
	})
	return out, err
}
