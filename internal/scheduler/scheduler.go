// Package scheduler re-triggers named, previously registered workflows on
// a cron schedule, persisting each schedule configuration in the same
// bbolt database the tracker store uses so schedules survive a restart.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/dagrunner/internal/tracker"
)

// ScheduleConfig defines when a named workflow should be re-triggered.
// CronExpr follows robfig/cron's seconds-precision format.
type ScheduleConfig struct {
	WorkflowName string `json:"workflow_name"`
	CronExpr     string `json:"cron_expr"`
	Enabled      bool   `json:"enabled"`
}

// TriggerFunc starts a fresh run of the named workflow. It is supplied by
// the caller (the CLI bootstrap) since building a Runner requires wiring
// executor handles the Scheduler has no business owning.
type TriggerFunc func(ctx context.Context, workflowName string) error

// Scheduler wraps a robfig/cron/v3 Cron with seconds precision, plus bbolt
// persistence of each ScheduleConfig so schedules survive a restart.
type Scheduler struct {
	cron    *cron.Cron
	store   *tracker.Store
	trigger TriggerFunc
	log     *slog.Logger
	tracer  trace.Tracer

	mu      sync.Mutex
	entries map[string]cron.EntryID

	runs  metric.Int64Counter
	fails metric.Int64Counter
}

// New constructs a Scheduler. Call Start to begin dispatching and
// RestoreSchedules to re-register whatever was persisted on a prior run.
func New(store *tracker.Store, trigger TriggerFunc, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	meter := otel.Meter("dagrunner")
	runs, _ := meter.Int64Counter("dagrunner_schedule_runs_total")
	fails, _ := meter.Int64Counter("dagrunner_schedule_failures_total")

	return &Scheduler{
		cron:    cron.New(cron.WithSeconds()),
		store:   store,
		trigger: trigger,
		log:     log,
		tracer:  otel.Tracer("dagrunner"),
		entries: make(map[string]cron.EntryID),
		runs:    runs,
		fails:   fails,
	}
}

// Start begins the cron dispatch loop in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("scheduler started")
}

// Stop gracefully stops the cron dispatch loop, waiting for any in-flight
// job invocation to return or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AddSchedule registers cfg's cron entry and persists it so it survives a
// restart. Re-adding an existing workflow name replaces its entry.
func (s *Scheduler) AddSchedule(cfg ScheduleConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries[cfg.WorkflowName]; ok {
		s.cron.Remove(existing)
		delete(s.entries, cfg.WorkflowName)
	}

	if cfg.Enabled {
		entryID, err := s.cron.AddFunc(cfg.CronExpr, func() {
			s.fire(cfg.WorkflowName)
		})
		if err != nil {
			return fmt.Errorf("scheduler: add cron entry for %q: %w", cfg.WorkflowName, err)
		}
		s.entries[cfg.WorkflowName] = entryID
	}

	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("scheduler: marshal schedule: %w", err)
	}
	if err := s.store.PutSchedule(cfg.WorkflowName, data); err != nil {
		return fmt.Errorf("scheduler: persist schedule: %w", err)
	}
	return nil
}

// RemoveSchedule unregisters a workflow's cron entry and deletes its
// persisted configuration.
func (s *Scheduler) RemoveSchedule(workflowName string) error {
	s.mu.Lock()
	if entryID, ok := s.entries[workflowName]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, workflowName)
	}
	s.mu.Unlock()

	return s.store.DeleteSchedule(workflowName)
}

// RestoreSchedules loads every persisted ScheduleConfig and re-registers
// the enabled ones. Call once at startup, before Start.
func (s *Scheduler) RestoreSchedules() error {
	docs, err := s.store.ListSchedules()
	if err != nil {
		return fmt.Errorf("scheduler: list schedules: %w", err)
	}
	restored, failed := 0, 0
	for name, doc := range docs {
		var cfg ScheduleConfig
		if err := json.Unmarshal(doc, &cfg); err != nil {
			s.log.Warn("scheduler: skipping unreadable schedule", "workflow", name, "error", err)
			failed++
			continue
		}
		if !cfg.Enabled {
			continue
		}
		if err := s.AddSchedule(cfg); err != nil {
			s.log.Warn("scheduler: failed to restore schedule", "workflow", name, "error", err)
			failed++
			continue
		}
		restored++
	}
	s.log.Info("scheduler: schedules restored", "restored", restored, "failed", failed)
	return nil
}

func (s *Scheduler) fire(workflowName string) {
	ctx, span := s.tracer.Start(context.Background(), "scheduler.fire", trace.WithAttributes(
		attribute.String("workflow", workflowName),
	))
	defer span.End()

	start := time.Now()
	if err := s.trigger(ctx, workflowName); err != nil {
		s.fails.Add(ctx, 1, metric.WithAttributes(attribute.String("workflow", workflowName)))
		s.log.Error("scheduler: triggered run failed", "workflow", workflowName, "error", err)
		return
	}
	s.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("workflow", workflowName)))
	s.log.Info("scheduler: triggered run completed", "workflow", workflowName, "duration_ms", time.Since(start).Milliseconds())
}
