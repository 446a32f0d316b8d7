package executor

// Handle is what a Runner holds to talk to a running executor frame: an
// unbounded inbound message stream plus convenience constructors for each
// message variant, each returning a pre-buffered reply channel so the
// executor's eventual send never blocks even if the caller stops listening.
type Handle struct {
	queue *unboundedQueue[Message]
}

func newHandle() *Handle {
	return &Handle{queue: newUnboundedQueue[Message]()}
}

// ValidateTask sends a ValidateTask request and returns its reply channel.
func (h *Handle) ValidateTask(details TaskDetails) <-chan error {
	reply := make(chan error, 1)
	h.queue.Send(ValidateTask{Details: details, Reply: reply})
	return reply
}

// ExpandTaskDetails sends an ExpandTaskDetails request and returns its
// reply channel.
func (h *Handle) ExpandTaskDetails(details TaskDetails, params Parameters) <-chan ExpandResult {
	reply := make(chan ExpandResult, 1)
	h.queue.Send(ExpandTaskDetails{Details: details, Parameters: params, Reply: reply})
	return reply
}

// ExecuteTask dispatches a task. runnerReply receives exactly one
// ExecutionReport; trackerReply receives zero or more intermediate
// UpdateTaskState notifications.
func (h *Handle) ExecuteTask(runID RunID, taskID TaskID, details TaskDetails, runnerReply chan RunnerMessage, trackerReply chan TrackerMessage) {
	h.queue.Send(ExecuteTask{
		RunID:        runID,
		TaskID:       taskID,
		Details:      details,
		Reply:        runnerReply,
		TrackerReply: trackerReply,
	})
}

// StopTask requests cancellation of a dispatched task and returns an
// acknowledgement channel that fires once the signal has been dispatched.
func (h *Handle) StopTask(runID RunID, taskID TaskID) <-chan struct{} {
	ack := make(chan struct{}, 1)
	h.queue.Send(StopTask{RunID: runID, TaskID: taskID, Ack: ack})
	return ack
}

// Stop terminates the executor's consume loop.
func (h *Handle) Stop() {
	h.queue.Send(Stop{})
}
