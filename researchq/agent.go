package researchq

import "context"

// ExecRequest is what the worker hands to the Agent Executor.
type ExecRequest struct {
	TaskID  string
	Query   string
	Options Options
	Attempt int
	// Cancelled reports whether the task was cancelled. Executors should
	// call it at their checkpoints, e.g. around each tool or model call.
	Cancelled func() bool
	// Progress records advisory progress in percent.
	Progress func(pct int)
}

// ExecResult is a successful execution.
type ExecResult struct {
	Text      string
	Artifacts []string
	// ArtifactErr reports a failed report or file generation. It does not
	// fail the task; the text result is still stored.
	ArtifactErr error
}

// Executor is the boundary to the external reasoning agent. Execute may
// block for minutes; it must return once ctx is done. Errors are retried
// until the attempt limit unless wrapped with Permanent.
type Executor interface {
	Execute(ctx context.Context, req ExecRequest) (ExecResult, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, req ExecRequest) (ExecResult, error)

func (f ExecutorFunc) Execute(ctx context.Context, req ExecRequest) (ExecResult, error) {
	return f(ctx, req)
}
