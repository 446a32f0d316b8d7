package executor

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
)

// Backend implements the actual work behind the tagged message protocol.
// Frame owns message plumbing (reply delivery, tracker notification,
// shutdown); a Backend only ever sees the inputs it needs to act on.
type Backend interface {
	// Validate parses details against the backend's schema. A nil return
	// means details are well-formed.
	Validate(details TaskDetails) error

	// Expand performs cartesian expansion of details against params.
	Expand(details TaskDetails, params Parameters) ([]Expansion, error)

	// Execute runs a task. It must eventually deliver exactly one
	// RunnerMessage on runnerReply (via trySend) and may, zero or more
	// times beforehand, deliver a TrackerMessage on trackerReply. Execute
	// may return before the task finishes (e.g. the cluster backend
	// spawns a watcher goroutine and returns immediately); the frame does
	// not wait for it.
	Execute(ctx context.Context, runID RunID, taskID TaskID, details TaskDetails, runnerReply chan RunnerMessage, trackerReply chan TrackerMessage)

	// StopTask signals cancellation of a previously dispatched task.
	// Absence of a matching in-flight task is not an error.
	StopTask(runID RunID, taskID TaskID)
}

// Frame is the backend-agnostic executor: a long-lived consumer of a
// tagged message channel, dispatching each message to a Backend. One Frame
// wraps exactly one Backend; distinct backends (cluster, trivial) run as
// distinct Frames.
type Frame struct {
	handle  *Handle
	backend Backend
	log     *slog.Logger
}

// NewFrame starts a Frame's consume loop in a new goroutine and returns the
// Handle callers use to talk to it. The loop runs until it receives Stop or
// ctx is cancelled.
func NewFrame(ctx context.Context, backend Backend, log *slog.Logger) *Handle {
	if log == nil {
		log = slog.Default()
	}
	f := &Frame{
		handle:  newHandle(),
		backend: backend,
		log:     log,
	}
	go f.run(ctx)
	return f.handle
}

func (f *Frame) run(ctx context.Context) {
	tracer := otel.Tracer("dagrunner")
	inbound := f.handle.queue.Out()
	for {
		select {
		case <-ctx.Done():
			f.handle.queue.Close()
			return
		case msg, ok := <-inbound:
			if !ok {
				return
			}
			switch m := msg.(type) {
			case ValidateTask:
				_, span := tracer.Start(ctx, "executor.ValidateTask")
				trySend(m.Reply, f.backend.Validate(m.Details))
				span.End()

			case ExpandTaskDetails:
				_, span := tracer.Start(ctx, "executor.ExpandTaskDetails")
				expansions, err := f.backend.Expand(m.Details, m.Parameters)
				trySend(m.Reply, ExpandResult{Expansions: expansions, Err: err})
				span.End()

			case ExecuteTask:
				spanCtx, span := tracer.Start(ctx, "executor.ExecuteTask")
				f.backend.Execute(spanCtx, m.RunID, m.TaskID, m.Details, m.Reply, m.TrackerReply)
				span.End()

			case StopTask:
				f.backend.StopTask(m.RunID, m.TaskID)
				trySend(m.Ack, struct{}{})

			case Stop:
				f.handle.queue.Close()
				return

			default:
				f.log.Warn("executor frame received unrecognized message", "type", msg)
			}
		}
	}
}
