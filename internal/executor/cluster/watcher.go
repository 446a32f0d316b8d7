package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/dagrunner/internal/executor"
)

const pollInterval = time.Second

// watch polls the remote scheduler for jobID until it reaches a terminal
// state (or a poll fails) and emits exactly one ExecutionReport. A kill
// signal issues the remote DELETE and marks the report Killed if accepted;
// polling continues until the job reaches a terminal state.
func (b *Backend) watch(jobID uint64, runID executor.RunID, taskID executor.TaskID, detail TaskDetail, runnerReply chan executor.RunnerMessage, kill chan jobEvent) {
	defer b.forget(runID, taskID)

	ctx, span := b.tracer.Start(context.Background(), "cluster.watch", trace.WithAttributes(
		attribute.String("task_id", string(taskID)),
		attribute.Int64("job_id", int64(jobID)),
	))
	defer span.End()

	startTime := time.Now()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	killed := false

	for {
		select {
		case <-kill:
			if b.killJob(ctx, jobID, detail) {
				killed = true
			}

		case <-ticker.C:
			job, err := b.pollJob(ctx, jobID, detail)
			if err != nil {
				msg := fmt.Sprintf("unable to query job status, assuming critical failure; investigate job id %d, task %s in the cluster scheduler for more details", jobID, taskID)
				attempt := executor.NewTaskAttempt()
				attempt.StartTime = startTime
				attempt.Executor = []string{msg, err.Error()}
				trySendRunner(runnerReply, executor.ExecutionReport{RunID: runID, TaskID: taskID, Attempt: attempt})
				return
			}

			switch job.JobState {
			case "COMPLETED", "FAILED", "CANCELLED", "TIMEOUT", "OOM":
				attempt := b.terminalAttempt(job, startTime, killed)
				attempt.Succeeded = job.JobState == "COMPLETED"
				trySendRunner(runnerReply, executor.ExecutionReport{RunID: runID, TaskID: taskID, Attempt: attempt})
				return

			case "NODE_FAIL", "PREEMPTED", "BOOT_FAIL", "DEADLINE":
				attempt := b.terminalAttempt(job, startTime, killed)
				attempt.Succeeded = false
				attempt.Executor = append(attempt.Executor, fmt.Sprintf("Job failed due to potential cluster issue: %s", job.JobState))
				trySendRunner(runnerReply, executor.ExecutionReport{RunID: runID, TaskID: taskID, Attempt: attempt})
				return

			default:
				// PENDING, SUSPENDED, RUNNING, and anything else: keep polling.
			}
		}
	}
}

func (b *Backend) terminalAttempt(job pollJob, startTime time.Time, killed bool) executor.TaskAttempt {
	attempt := executor.NewTaskAttempt()
	attempt.StartTime = startTime
	attempt.Killed = killed
	attempt.Output = slurpIfExists(job.StandardOutput)
	attempt.Error = slurpIfExists(job.StandardError)
	attempt.ExitCode = clampExitCode(job.ExitCode)
	return attempt
}

func clampExitCode(code int64) int {
	if code < -1<<31 || code > 1<<31-1 {
		return -1
	}
	return int(code)
}

// slurpIfExists reads the named file's contents if it exists, otherwise
// returns the path itself as a placeholder. This mirrors a documented
// hazard: a log path that is unreadable from this process (different host,
// permissions) silently ends up as the report's output/error text.
func slurpIfExists(filename string) string {
	if filename == "" {
		return ""
	}
	data, err := os.ReadFile(filename)
	if err != nil {
		return filename
	}
	return string(data)
}

func (b *Backend) pollJob(ctx context.Context, jobID uint64, detail TaskDetail) (pollJob, error) {
	if !b.breaker.Allow() {
		return pollJob{}, fmt.Errorf("circuit open for %s", b.baseURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/job/%d", b.baseURL, jobID), nil)
	if err != nil {
		b.breaker.RecordResult(false)
		return pollJob{}, fmt.Errorf("build poll request: %w", err)
	}
	req.Header.Set("X-SLURM-USER-NAME", detail.User)
	req.Header.Set("X-SLURM-USER-TOKEN", detail.JWTToken)

	resp, err := b.client.Do(req)
	if err != nil {
		b.breaker.RecordResult(false)
		return pollJob{}, fmt.Errorf("poll job: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b.breaker.RecordResult(false)
		return pollJob{}, fmt.Errorf("poll job: http %d", resp.StatusCode)
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		b.breaker.RecordResult(false)
		return pollJob{}, fmt.Errorf("read poll response: %w", err)
	}

	var parsed pollResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		b.breaker.RecordResult(false)
		return pollJob{}, fmt.Errorf("parse poll response: %w", err)
	}
	if len(parsed.Jobs) == 0 {
		b.breaker.RecordResult(false)
		return pollJob{}, fmt.Errorf("poll job: response has no jobs")
	}

	b.breaker.RecordResult(true)
	return parsed.Jobs[0], nil
}

// killJob issues the DELETE kill request and reports whether it was
// accepted. A failed DELETE does not stop polling -- the watcher's caller
// continues to the next tick regardless.
func (b *Backend) killJob(ctx context.Context, jobID uint64, detail TaskDetail) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, fmt.Sprintf("%s/job/%d", b.baseURL, jobID), nil)
	if err != nil {
		return false
	}
	req.Header.Set("X-SLURM-USER-NAME", detail.User)
	req.Header.Set("X-SLURM-USER-TOKEN", detail.JWTToken)

	resp, err := b.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
