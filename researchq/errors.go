package researchq

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrValidation        = errors.New("validation error")
	ErrQueuePublish      = errors.New("queue publish error")
	ErrAgent             = errors.New("agent error")
	ErrTimeout           = fmt.Errorf("%w: timeout", ErrAgent)
	ErrRetryExhausted    = errors.New("retry exhausted")
	ErrNotFound          = errors.New("task not found")
	ErrAlreadyTerminal   = errors.New("task already terminal")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrDuplicateID       = errors.New("duplicate task id")
	ErrRateLimited       = errors.New("rate limited")
)

// ValidationError reports which submitted field was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// TransitionError is returned by a store that refused a write.
// It matches ErrInvalidTransition, and ErrAlreadyTerminal when From is terminal.
type TransitionError struct {
	TaskID string
	From   State
	To     State
	Reason string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("invalid transition %s -> %s for task %s", e.From, e.To, e.TaskID)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *TransitionError) Is(target error) bool {
	switch target {
	case ErrInvalidTransition:
		return true
	case ErrAlreadyTerminal:
		return e.From.Terminal()
	}
	return false
}

// AgentError wraps a failure raised by the Agent Executor. The message of the
// underlying error is kept verbatim.
type AgentError struct {
	Err     error
	Timeout bool
	// Permanent marks failures that must not be retried.
	Permanent bool
}

func (e *AgentError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("agent timed out: %v", e.Err)
	}
	return e.Err.Error()
}

func (e *AgentError) Unwrap() error { return e.Err }

func (e *AgentError) Is(target error) bool {
	if target == ErrAgent {
		return true
	}
	return target == ErrTimeout && e.Timeout
}

// Kind returns the persisted error kind for e.
func (e *AgentError) Kind() string {
	if e.Timeout {
		return KindTimeout
	}
	return KindAgent
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks an executor error as not retryable: the task fails on the
// current attempt instead of being redelivered.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// transient marks a backend (database, redis, broker) error as retryable.
func transient(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &transientError{err: err}
}

// isTransient reports whether err was produced by a backend and may succeed
// on retry. Domain errors are never transient.
func isTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}
