// Package runner implements the thin coordinator that owns one DAG and
// drives the executor protocol to completion. Retry policy lives here, not
// in the executors: cluster-fault reports get a bounded immediate re-queue,
// everything else is terminal.
package runner

import "encoding/json"

// TaskSpec is one node of a Workflow document: an opaque details payload
// routed to a named executor backend, plus the task ids it depends on.
type TaskSpec struct {
	ID        string          `json:"id"`
	DependsOn []string        `json:"depends_on,omitempty"`
	Backend   string          `json:"backend"`
	Details   json.RawMessage `json:"details"`
}

// Workflow is the JSON document the HTTP façade and Scheduler pass around:
// a named, static task graph. There is no templating or versioning layer
// here -- parameter expansion belongs to ExpandTaskDetails on a per-task
// basis, not to the workflow document shape itself.
type Workflow struct {
	Name  string     `json:"name"`
	Tasks []TaskSpec `json:"tasks"`
}
