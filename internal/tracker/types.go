// Package tracker persists run records: a bbolt-backed store that drains
// the executor's UpdateTaskState messages and, once a Runner observes a
// terminal ExecutionReport, records the final TaskAttempt alongside the
// task's state. The on-disk layout is internal; no migration strategy or
// cross-release format stability is promised.
package tracker

import (
	"time"

	"github.com/swarmguard/dagrunner/internal/executor"
)

// RunRecord is the last known state of a single task within a single run,
// plus its terminal TaskAttempt once one has been reported.
type RunRecord struct {
	TaskID    executor.TaskID       `json:"task_id"`
	State     executor.State        `json:"state"`
	Attempt   *executor.TaskAttempt `json:"attempt,omitempty"`
	UpdatedAt time.Time             `json:"updated_at"`
}
