package cluster

import (
	"encoding/json"
	"fmt"
)

// TaskDetail is the schema a task's opaque details document must parse
// against for the cluster backend. Field names follow the remote REST
// surface's JSON document, not Go naming conventions, since they round-trip
// through JSON unmarshal only.
type TaskDetail struct {
	User     string `json:"user"`
	JWTToken string `json:"jwt_token"`

	MinCPUs          int `json:"min_cpus"`
	MinMemoryMB      int `json:"min_memory_mb"`
	MinTmpDiskMB     int `json:"min_tmp_disk_mb"`
	Priority         int `json:"priority"`
	TimeLimitSeconds int `json:"time_limit_seconds"`

	Command     []string          `json:"command"`
	Environment map[string]string `json:"environment"`
	LogDir      string            `json:"logdir"`
}

const (
	defaultCPUs             = 1
	defaultMinMemoryMB      = 200
	defaultMinTmpDiskMB     = 0
	defaultPriority         = 1
	defaultTimeLimitSeconds = 3600
)

// parseTaskDetail unmarshals details and fills in the documented defaults
// for any field the caller omitted.
func parseTaskDetail(details json.RawMessage) (TaskDetail, error) {
	var d TaskDetail
	// Decode into a shadow struct carrying pointers so we can tell "absent"
	// from "explicit zero" for the fields that default to non-zero values.
	var raw struct {
		User             string            `json:"user"`
		JWTToken         string            `json:"jwt_token"`
		MinCPUs          *int              `json:"min_cpus"`
		MinMemoryMB      *int              `json:"min_memory_mb"`
		MinTmpDiskMB     *int              `json:"min_tmp_disk_mb"`
		Priority         *int              `json:"priority"`
		TimeLimitSeconds *int              `json:"time_limit_seconds"`
		Command          []string          `json:"command"`
		Environment      map[string]string `json:"environment"`
		LogDir           string            `json:"logdir"`
	}
	if err := json.Unmarshal(details, &raw); err != nil {
		return d, fmt.Errorf("parse cluster task details: %w", err)
	}
	if len(raw.Command) == 0 {
		return d, fmt.Errorf("parse cluster task details: command is required")
	}

	d.User = raw.User
	d.JWTToken = raw.JWTToken
	d.Command = raw.Command
	d.LogDir = raw.LogDir
	d.Environment = raw.Environment
	if d.Environment == nil {
		d.Environment = map[string]string{}
	}

	d.MinCPUs = intOrDefault(raw.MinCPUs, defaultCPUs)
	d.MinMemoryMB = intOrDefault(raw.MinMemoryMB, defaultMinMemoryMB)
	d.MinTmpDiskMB = intOrDefault(raw.MinTmpDiskMB, defaultMinTmpDiskMB)
	d.Priority = intOrDefault(raw.Priority, defaultPriority)
	d.TimeLimitSeconds = intOrDefault(raw.TimeLimitSeconds, defaultTimeLimitSeconds)

	return d, nil
}

func intOrDefault(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

// submitJobDetails is the "job" object of the submit request body.
type submitJobDetails struct {
	Name           string            `json:"name"`
	Nodes          int               `json:"nodes"`
	Environment    map[string]string `json:"environment"`
	StandardOutput string            `json:"standard_output"`
	StandardError  string            `json:"standard_error"`
}

// submitJob is the full submit request body: a shell script plus the job
// document the remote scheduler books it under.
type submitJob struct {
	Script string           `json:"script"`
	Job    submitJobDetails `json:"job"`
}

func newSubmitJob(taskName string, d TaskDetail) submitJob {
	script := "#!/bin/bash\n"
	for i, arg := range d.Command {
		if i > 0 {
			script += " "
		}
		script += arg
	}
	script += "\n"

	env := make(map[string]string, len(d.Environment)+1)
	for k, v := range d.Environment {
		env[k] = v
	}
	env["DAGGY_TASK_NAME"] = taskName

	return submitJob{
		Script: script,
		Job: submitJobDetails{
			Name:           taskName,
			Nodes:          1,
			Environment:    env,
			StandardOutput: logPath(d.LogDir, taskName, "stdout"),
			StandardError:  logPath(d.LogDir, taskName, "stderr"),
		},
	}
}

func logPath(dir, taskName, suffix string) string {
	if dir == "" {
		return fmt.Sprintf("%s.%s", taskName, suffix)
	}
	return fmt.Sprintf("%s/%s.%s", dir, taskName, suffix)
}

// submitResponse is the subset of the submit endpoint's JSON response this
// backend reads.
type submitResponse struct {
	JobID  *uint64  `json:"job_id"`
	Errors []string `json:"errors"`
}

// pollResponse is the subset of the poll endpoint's JSON response this
// backend reads.
type pollResponse struct {
	Jobs []pollJob `json:"jobs"`
}

type pollJob struct {
	JobState       string `json:"job_state"`
	ExitCode       int64  `json:"exit_code"`
	StandardOutput string `json:"standard_output"`
	StandardError  string `json:"standard_error"`
}
