// Package cluster implements the executor backend that submits tasks to a
// Slurm-like REST batch scheduler: submit-then-poll job semantics, a
// per-job watcher goroutine, remote-state classification, and kill support.
package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/dagrunner/internal/dag"
	"github.com/swarmguard/dagrunner/internal/executor"
	"github.com/swarmguard/dagrunner/internal/platform/resilience"
)

// jobKey identifies one dispatched task's in-flight job for kill lookup.
type jobKey struct {
	RunID  executor.RunID
	TaskID executor.TaskID
}

// Backend submits tasks to a Slurm-like REST endpoint and watches them to
// completion. One Backend instance owns one base URL and one shared circuit
// breaker scoped to it.
type Backend struct {
	baseURL string
	client  *http.Client
	log     *slog.Logger
	tracer  trace.Tracer
	breaker *resilience.CircuitBreaker

	mu      sync.Mutex
	killers map[jobKey]chan jobEvent
}

type jobEvent int

const (
	eventKill jobEvent = iota
)

// New constructs a cluster Backend targeting baseURL (e.g.
// "http://slurmrestd.internal:6820/slurm/v0.0.40").
func New(baseURL string, log *slog.Logger) *Backend {
	if log == nil {
		log = slog.Default()
	}
	return &Backend{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		log:     log,
		tracer:  otel.Tracer("dagrunner"),
		breaker: resilience.NewCircuitBreaker(30*time.Second, 6, 5, 0.5, 10*time.Second, 3),
		killers: make(map[jobKey]chan jobEvent),
	}
}

// Validate parses details against the cluster task schema.
func (b *Backend) Validate(details executor.TaskDetails) error {
	_, err := parseTaskDetail(json.RawMessage(details))
	return err
}

// Expand performs cartesian expansion of details over every parameter the
// document's placeholders reference. Each expansion's substituted document
// must still parse against the cluster schema, so malformed templates fail
// here rather than at submit time.
func (b *Backend) Expand(details executor.TaskDetails, params executor.Parameters) ([]executor.Expansion, error) {
	expansions := executor.ExpandDetails(details, params)
	for _, exp := range expansions {
		if _, err := parseTaskDetail(json.RawMessage(exp.Details)); err != nil {
			return nil, err
		}
	}
	return expansions, nil
}

// Execute submits the task to the remote scheduler. On submission success
// it spawns a watcher goroutine and returns without waiting for the job to
// finish; on submission failure it reports a single failed ExecutionReport
// synchronously.
func (b *Backend) Execute(ctx context.Context, runID executor.RunID, taskID executor.TaskID, details executor.TaskDetails, runnerReply chan executor.RunnerMessage, trackerReply chan executor.TrackerMessage) {
	ctx, span := b.tracer.Start(ctx, "cluster.Execute", trace.WithAttributes(
		attribute.String("task_id", string(taskID)),
	))
	defer span.End()

	parsed, err := parseTaskDetail(json.RawMessage(details))
	if err != nil {
		b.reportSubmitFailure(runnerReply, runID, taskID, err)
		return
	}

	jobID, err := b.submit(ctx, taskID, parsed)
	if err != nil {
		b.reportSubmitFailure(runnerReply, runID, taskID, err)
		return
	}

	trySendTracker(trackerReply, executor.UpdateTaskState{RunID: runID, TaskID: taskID, State: dag.Running})

	kill := make(chan jobEvent, 1)
	b.mu.Lock()
	b.killers[jobKey{runID, taskID}] = kill
	b.mu.Unlock()

	go b.watch(jobID, runID, taskID, parsed, runnerReply, kill)
}

func (b *Backend) reportSubmitFailure(runnerReply chan executor.RunnerMessage, runID executor.RunID, taskID executor.TaskID, err error) {
	attempt := executor.NewTaskAttempt()
	attempt.Executor = []string{err.Error()}
	trySendRunner(runnerReply, executor.ExecutionReport{RunID: runID, TaskID: taskID, Attempt: attempt})
}

// StopTask signals the task's watcher to kill its job, if one is in
// flight. Absence of a matching job is not an error: the task may already
// have completed. The killers-map entry is removed here, before the signal
// is sent, so a repeated StopTask for the same (run_id, task_id) -- however
// close in time to the first -- finds nothing and is a no-op: at most one
// kill signal is ever delivered per task.
func (b *Backend) StopTask(runID executor.RunID, taskID executor.TaskID) {
	key := jobKey{runID, taskID}
	b.mu.Lock()
	kill, ok := b.killers[key]
	if ok {
		delete(b.killers, key)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	select {
	case kill <- eventKill:
	default:
	}
}

func (b *Backend) forget(runID executor.RunID, taskID executor.TaskID) {
	b.mu.Lock()
	delete(b.killers, jobKey{runID, taskID})
	b.mu.Unlock()
}

func (b *Backend) submit(ctx context.Context, taskID executor.TaskID, detail TaskDetail) (uint64, error) {
	job := newSubmitJob(string(taskID), detail)
	body, err := json.Marshal(job)
	if err != nil {
		return 0, fmt.Errorf("marshal submit job: %w", err)
	}

	var resp *http.Response
	err = resilience.RetryTransport(ctx, 30*time.Second, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/job/submit", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build submit request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-SLURM-USER-NAME", detail.User)
		req.Header.Set("X-SLURM-USER-TOKEN", detail.JWTToken)

		r, doErr := b.client.Do(req)
		if doErr != nil {
			return doErr
		}
		resp = r
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("submit job: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return 0, fmt.Errorf("read submit response: %w", err)
	}

	var parsed submitResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return 0, fmt.Errorf("parse submit response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		if len(parsed.Errors) == 0 {
			return 0, fmt.Errorf("submit job: http %d", resp.StatusCode)
		}
		msg := parsed.Errors[0]
		for _, e := range parsed.Errors[1:] {
			msg += "\n" + e
		}
		return 0, fmt.Errorf("%s", msg)
	}

	if parsed.JobID == nil {
		return 0, fmt.Errorf("submit job: response missing job_id")
	}
	return *parsed.JobID, nil
}

func trySendRunner(ch chan executor.RunnerMessage, v executor.RunnerMessage) {
	if ch == nil {
		return
	}
	select {
	case ch <- v:
	default:
	}
}

func trySendTracker(ch chan executor.TrackerMessage, v executor.TrackerMessage) {
	if ch == nil {
		return
	}
	select {
	case ch <- v:
	default:
	}
}
