package executor

// Message is the closed set of requests the executor frame accepts on its
// inbound channel. It is a marker interface implemented only by the types
// in this file; the frame's consume loop switches on the concrete type
// rather than dispatching through a lookup table.
type Message interface {
	isExecutorMessage()
}

// ValidateTask asks the backend to parse details against its schema. Reply
// is nil on success, otherwise the parse error.
type ValidateTask struct {
	Details TaskDetails
	Reply   chan error
}

func (ValidateTask) isExecutorMessage() {}

// ExpandResult is the reply payload of ExpandTaskDetails.
type ExpandResult struct {
	Expansions []Expansion
	Err        error
}

// ExpandTaskDetails asks the backend to expand details against parameters
// via cartesian expansion over every parameter the template references.
type ExpandTaskDetails struct {
	Details    TaskDetails
	Parameters Parameters
	Reply      chan ExpandResult
}

func (ExpandTaskDetails) isExecutorMessage() {}

// ExecuteTask dispatches a task. Exactly one ExecutionReport will
// eventually arrive on Reply; TrackerReply receives intermediate state
// transitions (fire-and-forget from the executor's perspective).
type ExecuteTask struct {
	RunID        RunID
	TaskID       TaskID
	Details      TaskDetails
	Reply        chan RunnerMessage
	TrackerReply chan TrackerMessage
}

func (ExecuteTask) isExecutorMessage() {}

// StopTask requests cancellation of a previously dispatched task. Ack is
// sent unconditionally once the cancellation signal has been dispatched to
// the task's watcher, regardless of whether the remote kill succeeds.
type StopTask struct {
	RunID  RunID
	TaskID TaskID
	Ack    chan struct{}
}

func (StopTask) isExecutorMessage() {}

// Stop terminates the executor's consume loop.
type Stop struct{}

func (Stop) isExecutorMessage() {}

// RunnerMessage is the closed set of messages the executor sends back to
// the runner.
type RunnerMessage interface {
	isRunnerMessage()
}

// ExecutionReport is the terminal outcome of a single ExecuteTask.
type ExecutionReport struct {
	RunID   RunID
	TaskID  TaskID
	Attempt TaskAttempt
}

func (ExecutionReport) isRunnerMessage() {}

// TrackerMessage is the closed set of messages the executor sends to the
// Tracker collaborator.
type TrackerMessage interface {
	isTrackerMessage()
}

// UpdateTaskState reports an intermediate (non-terminal, from the
// executor's point of view) state transition. Reply may be ignored by the
// tracker; the executor never blocks waiting for it.
type UpdateTaskState struct {
	RunID  RunID
	TaskID TaskID
	State  State
	Reply  chan struct{}
}

func (UpdateTaskState) isTrackerMessage() {}
