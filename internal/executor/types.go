// Package executor implements the backend-agnostic executor protocol: a
// long-lived consumer of a tagged message channel that drives tasks through
// validation, expansion, execution, monitoring, and completion, and reports
// intermediate state to a Tracker.
package executor

import (
	"encoding/json"
	"time"

	"github.com/swarmguard/dagrunner/internal/dag"
)

// RunID identifies a single DAG run.
type RunID uint64

// TaskID is the opaque, user-supplied identifier of a task within a run.
type TaskID string

// TaskDetails is the backend-specific, opaque task document. Each backend
// parses it against its own schema.
type TaskDetails json.RawMessage

// Parameters maps a template parameter name to its candidate values, used
// by ExpandTaskDetails' cartesian expansion.
type Parameters map[string][]string

// ParameterSet is the subset of Parameters that a single expansion actually
// consumed, returned alongside the expanded details so callers can label
// the resulting task.
type ParameterSet map[string]string

// Expansion is one element of the cartesian product produced by
// ExpandTaskDetails.
type Expansion struct {
	Details    TaskDetails
	Parameters ParameterSet
}

// TaskAttempt is the executor's record of a single dispatched task, emitted
// exactly once per ExecuteTask via an ExecutionReport.
type TaskAttempt struct {
	Succeeded bool
	Output    string
	Error     string
	Executor  []string
	ExitCode  int
	Killed    bool
	StartTime time.Time
}

// NewTaskAttempt returns a TaskAttempt with the documented defaults:
// Succeeded=false, empty strings/slices, ExitCode=0, Killed=false,
// StartTime=now.
func NewTaskAttempt() TaskAttempt {
	return TaskAttempt{StartTime: time.Now()}
}

// State re-exports the DAG's vertex lifecycle enumeration: tasks and
// vertices are the same lifecycle concept viewed from different
// subsystems.
type State = dag.State
