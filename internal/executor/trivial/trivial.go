// Package trivial implements the executor backend used to validate the
// protocol end to end without a remote scheduler: every task succeeds
// immediately.
package trivial

import (
	"context"

	"github.com/swarmguard/dagrunner/internal/dag"
	"github.com/swarmguard/dagrunner/internal/executor"
)

// Backend is the trivial (no-op/echo) executor backend.
type Backend struct{}

// New returns a trivial Backend.
func New() *Backend {
	return &Backend{}
}

// Validate always succeeds: the trivial backend imposes no schema.
func (b *Backend) Validate(executor.TaskDetails) error {
	return nil
}

// Expand returns details unchanged as the sole expansion, regardless of
// params.
func (b *Backend) Expand(details executor.TaskDetails, params executor.Parameters) ([]executor.Expansion, error) {
	return []executor.Expansion{{Details: details, Parameters: executor.ParameterSet{}}}, nil
}

// Execute notifies the tracker Running then immediately reports success.
func (b *Backend) Execute(ctx context.Context, runID executor.RunID, taskID executor.TaskID, details executor.TaskDetails, runnerReply chan executor.RunnerMessage, trackerReply chan executor.TrackerMessage) {
	attempt := executor.NewTaskAttempt()

	if trackerReply != nil {
		select {
		case trackerReply <- executor.UpdateTaskState{RunID: runID, TaskID: taskID, State: dag.Running}:
		default:
		}
	}

	attempt.Succeeded = true

	if runnerReply != nil {
		select {
		case runnerReply <- executor.ExecutionReport{RunID: runID, TaskID: taskID, Attempt: attempt}:
		default:
		}
	}
}

// StopTask is a no-op: the trivial backend never has an in-flight task to
// cancel by the time a StopTask could arrive.
func (b *Backend) StopTask(executor.RunID, executor.TaskID) {}
