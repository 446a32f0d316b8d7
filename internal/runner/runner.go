package runner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/dagrunner/internal/dag"
	"github.com/swarmguard/dagrunner/internal/executor"
	"github.com/swarmguard/dagrunner/internal/tracker"
)

// maxClusterFaultRetries bounds the Runner's one retry policy: a cluster
// fault (NODE_FAIL, PREEMPTED, BOOT_FAIL, DEADLINE) gets requeued this many
// times before the Runner gives up and leaves the task Errored.
const maxClusterFaultRetries = 3

// clusterFaultMarker is the substring the cluster backend's watcher writes
// into a terminal Attempt's Executor diagnostics for a retry-worthy
// infrastructure fault, as opposed to a logical task failure.
const clusterFaultMarker = "potential cluster issue"

// Result is the outcome of a single Run: the terminal state of every task,
// keyed by task id.
type Result struct {
	Succeeded bool
	States    map[string]executor.State
}

// Runner owns one DAG and drives it to completion against a set of
// executor backends, reporting every terminal outcome to a Tracker store.
// It is not safe for concurrent use -- exactly one goroutine should call
// Run for a given Runner, matching the DAG engine's own single-owner
// contract.
type Runner struct {
	runID   executor.RunID
	runKey  string
	d       *dag.DAG[string]
	specs   map[string]TaskSpec
	handles map[string]*executor.Handle
	store   *tracker.Store
	trackCh chan executor.TrackerMessage
	log     *slog.Logger
	tracer  trace.Tracer

	retries map[string]int
}

// New builds a Runner for wf. handles maps a TaskSpec's Backend name (e.g.
// "cluster", "trivial") to a running executor Handle; every task's Backend
// must have a corresponding entry. trackCh is the shared channel a Store's
// Consume loop is draining -- the Runner and the Store both treat it as
// fire-and-forget, per the executor protocol.
func New(runID executor.RunID, runKey string, wf Workflow, handles map[string]*executor.Handle, store *tracker.Store, trackCh chan executor.TrackerMessage, log *slog.Logger) (*Runner, error) {
	if log == nil {
		log = slog.Default()
	}
	d := dag.New[string]()
	specs := make(map[string]TaskSpec, len(wf.Tasks))

	for _, t := range wf.Tasks {
		if _, ok := handles[t.Backend]; !ok {
			return nil, fmt.Errorf("runner: task %q references unknown backend %q", t.ID, t.Backend)
		}
		if err := d.AddVertex(t.ID); err != nil {
			return nil, fmt.Errorf("runner: %w", err)
		}
		specs[t.ID] = t
	}
	for _, t := range wf.Tasks {
		for _, dep := range t.DependsOn {
			if err := d.AddEdge(dep, t.ID); err != nil {
				return nil, fmt.Errorf("runner: edge %s->%s: %w", dep, t.ID, err)
			}
		}
	}

	for _, t := range wf.Tasks {
		if err := <-handles[t.Backend].ValidateTask(executor.TaskDetails(t.Details)); err != nil {
			return nil, fmt.Errorf("runner: task %q failed validation: %w", t.ID, err)
		}
	}

	if err := store.PutRunIndex(runKey, runID); err != nil {
		log.Warn("runner: failed to index run correlation id", "run_key", runKey, "run_id", runID, "error", err)
	}

	return &Runner{
		runID:   runID,
		runKey:  runKey,
		d:       d,
		specs:   specs,
		handles: handles,
		store:   store,
		trackCh: trackCh,
		log:     log,
		tracer:  otel.Tracer("dagrunner"),
		retries: make(map[string]int),
	}, nil
}

// Run dispatches ready tasks until the DAG can no longer progress, applying
// the bounded cluster-fault retry policy along the way, and returns the
// terminal state of every task.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	ctx, span := r.tracer.Start(ctx, "runner.Run", trace.WithAttributes(attribute.String("run_key", r.runKey)))
	defer span.End()

	// Each task reports once per dispatch, and a cluster-fault re-queue can
	// dispatch the same task up to maxClusterFaultRetries+1 times; size the
	// buffer for the worst case so a backend's best-effort send never drops
	// a report.
	reply := make(chan executor.RunnerMessage, len(r.specs)*(maxClusterFaultRetries+1))
	visiting := make(map[string]struct{}, len(r.specs))

	inFlight := 0
	for r.d.CanProgress() {
		for {
			id, ok := r.d.VisitNext()
			if !ok {
				break
			}
			spec := r.specs[id]
			r.handles[spec.Backend].ExecuteTask(r.runID, executor.TaskID(id), executor.TaskDetails(spec.Details), reply, r.trackCh)
			visiting[id] = struct{}{}
			inFlight++
		}
		if inFlight == 0 {
			break
		}

		var msg executor.RunnerMessage
		select {
		case msg = <-reply:
		case <-ctx.Done():
			r.cancelInFlight(visiting)
			return r.snapshot(), ctx.Err()
		}
		inFlight--

		report, ok := msg.(executor.ExecutionReport)
		if !ok {
			continue
		}
		delete(visiting, string(report.TaskID))
		r.handleReport(report)
	}

	return r.snapshot(), nil
}

// cancelInFlight issues StopTask for every task still dispatched when ctx
// is cancelled. The ack wait is bounded: an executor torn down by the same
// cancellation never sends its ack, and the sweep must not hang on it.
func (r *Runner) cancelInFlight(visiting map[string]struct{}) {
	for id := range visiting {
		spec, ok := r.specs[id]
		if !ok {
			continue
		}
		select {
		case <-r.handles[spec.Backend].StopTask(r.runID, executor.TaskID(id)):
		case <-time.After(time.Second):
			r.log.Warn("runner: stop acknowledgement timed out", "task_id", id)
		}
	}
}

func (r *Runner) handleReport(report executor.ExecutionReport) {
	taskID := string(report.TaskID)
	errored := !report.Attempt.Succeeded

	if err := r.d.CompleteVisit(taskID, errored); err != nil {
		r.log.Warn("runner: complete_visit failed", "task_id", taskID, "error", err)
	}

	state := dag.Completed
	if errored {
		state = dag.Errored
	}
	if err := r.store.RecordAttempt(r.runID, report.TaskID, state, report.Attempt); err != nil {
		r.log.Warn("runner: failed to persist attempt", "task_id", taskID, "error", err)
	}

	if errored && isClusterFault(report.Attempt) && r.retries[taskID] < maxClusterFaultRetries {
		r.retries[taskID]++
		if err := r.d.SetVertexState(taskID, dag.Queued); err != nil {
			r.log.Warn("runner: requeue after cluster fault failed", "task_id", taskID, "error", err)
			return
		}
		r.log.Info("runner: requeuing task after cluster fault", "task_id", taskID, "attempt", r.retries[taskID])
	}
}

func isClusterFault(attempt executor.TaskAttempt) bool {
	for _, line := range attempt.Executor {
		if strings.Contains(line, clusterFaultMarker) {
			return true
		}
	}
	return false
}

func (r *Runner) snapshot() Result {
	states := make(map[string]executor.State, len(r.specs))
	succeeded := true
	for id := range r.specs {
		v, ok := r.d.GetVertex(id)
		if !ok {
			continue
		}
		states[id] = v.State
		if v.State == dag.Errored || v.State == dag.Killed {
			succeeded = false
		}
	}
	return Result{Succeeded: succeeded, States: states}
}
