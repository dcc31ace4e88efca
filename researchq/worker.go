package researchq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultMaxAttempts       = 3
	DefaultAgentTimeout      = 5 * time.Minute
	DefaultVisibilityTimeout = 10 * time.Minute

	tracerName = "github.com/mohans/researchq"
)

// WorkerOptions configure a Worker. Zero values use defaults.
type WorkerOptions struct {
	// MaxAttempts is the number of claims a task gets before it fails with
	// RetryExhausted.
	MaxAttempts int
	// AgentTimeout is the hard wall-clock budget of one agent execution.
	AgentTimeout time.Duration
	// VisibilityTimeout is the claim lease. It must exceed AgentTimeout.
	VisibilityTimeout time.Duration
	WorkerID          string
	Metrics           *Metrics
	Logger            *slog.Logger
	Tracer            trace.Tracer
}

// Worker turns delivered messages into agent executions. Handle is safe to
// call from several subscribe loops at once.
type Worker struct {
	store    Store
	executor Executor
	opts     WorkerOptions
	metrics  *Metrics
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

func NewWorker(store Store, executor Executor, opts WorkerOptions) *Worker {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.AgentTimeout <= 0 {
		opts.AgentTimeout = DefaultAgentTimeout
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if opts.WorkerID == "" {
		opts.WorkerID = uuid.NewString()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return &Worker{
		store:    store,
		executor: executor,
		opts:     opts,
		metrics:  opts.Metrics,
		logger:   orDiscard(opts.Logger).With("component", "worker", "worker_id", opts.WorkerID),
		tracer:   tracer,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// ID returns the identity recorded on claimed tasks.
func (w *Worker) ID() string { return w.opts.WorkerID }

// skip aborts a mutation when the delivery needs no work.
type skip struct{ reason string }

func (s *skip) Error() string { return s.reason }

// Handle processes one delivery. A nil return acknowledges the message; an
// error asks the broker to redeliver it.
func (w *Worker) Handle(ctx context.Context, msg Message) error {
	log := w.logger.With("task_id", msg.TaskID)

	task, err := w.claim(ctx, msg.TaskID)
	if err != nil {
		var s *skip
		switch {
		case errors.As(err, &s):
			log.Debug("delivery skipped", "reason", s.reason)
			w.metrics.IncDuplicate()
			return nil
		case errors.Is(err, ErrNotFound):
			log.Warn("message for unknown task dropped")
			return nil
		case errors.Is(err, ErrInvalidTransition):
			log.Warn("claim rejected", "error", err)
			return nil
		default:
			return fmt.Errorf("claim %s: %w", msg.TaskID, err)
		}
	}
	if task.State != StateProcessing {
		// The claim found the attempt budget spent and failed the task.
		return nil
	}
	log = log.With("attempt", task.Attempt)
	log.Info("task claimed")
	return w.execute(ctx, task, log)
}

// claim moves the task into PROCESSING under this worker's lease. An
// expired lease left by a crashed worker is first handed back to QUEUED.
func (w *Worker) claim(ctx context.Context, id string) (*Task, error) {
	current, err := w.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.State == StateProcessing {
		if current.LeaseExpiresAt != nil && w.now().Before(*current.LeaseExpiresAt) {
			return nil, &skip{reason: "already claimed"}
		}
		if current.Attempt >= w.opts.MaxAttempts {
			return w.exhaust(ctx, id, "lease expired")
		}
		if _, err := w.store.Update(ctx, id, releaseLease("lease expired", current.WorkerID)); err != nil {
			var s *skip
			if !errors.As(err, &s) {
				return nil, err
			}
		}
	}

	var spent bool
	t, err := w.store.Update(ctx, id, func(t *Task) error {
		now := w.now()
		switch {
		case t.State.Terminal():
			return &skip{reason: "task is " + string(t.State)}
		case t.State == StateProcessing:
			return &skip{reason: "already claimed"}
		}
		lease := now.Add(w.opts.VisibilityTimeout)
		spent = t.Attempt >= w.opts.MaxAttempts
		t.State = StateProcessing
		if !spent {
			t.Attempt++
		}
		if t.StartedAt == nil {
			t.StartedAt = &now
		}
		t.Progress = ProgressFor(StateProcessing)
		t.WorkerID = w.opts.WorkerID
		t.LeaseExpiresAt = &lease
		return nil
	})
	if err != nil || !spent {
		return t, err
	}
	return w.exhaust(ctx, id, "attempt limit reached")
}

// exhaust fails a PROCESSING task whose attempts are used up.
func (w *Worker) exhaust(ctx context.Context, id, fallback string) (*Task, error) {
	t, err := w.store.Update(ctx, id, func(t *Task) error {
		if t.State != StateProcessing {
			return &skip{reason: "task is " + string(t.State)}
		}
		msg := t.LastError
		if msg == "" {
			msg = fallback
		}
		return failWith(KindRetryExhausted, msg, w.now())(t)
	})
	if err == nil {
		w.logger.Warn("task failed", "task_id", id, "kind", KindRetryExhausted)
	}
	return t, err
}

// releaseLease returns a PROCESSING task owned by owner to QUEUED.
func releaseLease(reason, owner string) Mutation {
	return func(t *Task) error {
		if t.State != StateProcessing || t.WorkerID != owner {
			return &skip{reason: "ownership changed"}
		}
		t.State = StateQueued
		t.Progress = ProgressFor(StateQueued)
		t.LastError = reason
		t.WorkerID = ""
		t.LeaseExpiresAt = nil
		return nil
	}
}

func (w *Worker) execute(ctx context.Context, task *Task, log *slog.Logger) error {
	execCtx, cancel := context.WithTimeout(ctx, w.opts.AgentTimeout)
	defer cancel()

	execCtx, span := w.tracer.Start(execCtx, "researchq.execute", trace.WithAttributes(
		attribute.String("researchq.task_id", task.ID),
		attribute.Int("researchq.attempt", task.Attempt),
		attribute.String("researchq.priority", string(task.Options.Priority)),
	))
	defer span.End()

	req := ExecRequest{
		TaskID:    task.ID,
		Query:     task.Query,
		Options:   task.Options,
		Attempt:   task.Attempt,
		Cancelled: w.cancelCheck(ctx, task.ID),
		Progress:  w.progressReporter(ctx, task.ID, log),
	}

	w.metrics.IncExecuting()
	start := time.Now()
	res, err := w.invoke(execCtx, req)
	w.metrics.DecExecuting()
	if err == nil {
		w.metrics.ObserveExecution("success", time.Since(start))
		return w.complete(ctx, task, res, log)
	}

	if ctx.Err() != nil {
		// Shutdown or broker deadline, not the agent's fault.
		w.metrics.ObserveExecution("interrupted", time.Since(start))
		span.SetStatus(codes.Error, "interrupted")
		relCtx, relCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer relCancel()
		if _, rerr := w.store.Update(relCtx, task.ID, releaseLease("interrupted: "+ctx.Err().Error(), w.opts.WorkerID)); rerr != nil {
			log.Warn("release after interruption", "error", rerr)
		}
		return ctx.Err()
	}

	agentErr := &AgentError{Err: err, Permanent: IsPermanent(err)}
	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		agentErr.Timeout = true
	}
	w.metrics.ObserveExecution(agentErr.Kind(), time.Since(start))
	span.RecordError(agentErr)
	span.SetStatus(codes.Error, agentErr.Error())
	return w.fail(ctx, task, agentErr, log)
}

type execOutcome struct {
	res ExecResult
	err error
}

// invoke calls the executor and returns no later than ctx's deadline, even
// if the executor ignores ctx. A panic in the executor becomes an error.
func (w *Worker) invoke(ctx context.Context, req ExecRequest) (ExecResult, error) {
	done := make(chan execOutcome, 1)
	go func() {
		var out execOutcome
		defer func() {
			if r := recover(); r != nil {
				out = execOutcome{err: fmt.Errorf("agent panic: %v", r)}
			}
			done <- out
		}()
		out.res, out.err = w.executor.Execute(ctx, req)
	}()
	select {
	case out := <-done:
		if out.err == nil && ctx.Err() != nil {
			return ExecResult{}, ctx.Err()
		}
		return out.res, out.err
	case <-ctx.Done():
		return ExecResult{}, ctx.Err()
	}
}

func (w *Worker) complete(ctx context.Context, task *Task, res ExecResult, log *slog.Logger) error {
	if res.ArtifactErr != nil {
		log.Warn("artifact generation failed", "error", res.ArtifactErr)
		w.metrics.IncArtifactFailure()
	}
	_, err := w.store.Update(ctx, task.ID, func(t *Task) error {
		if err := w.owns(t, task.Attempt); err != nil {
			return err
		}
		now := w.now()
		text := res.Text
		t.State = StateCompleted
		t.Result = &text
		t.Artifacts = append(t.Artifacts, res.Artifacts...)
		t.CompletedAt = &now
		t.Progress = ProgressFor(StateCompleted)
		t.LeaseExpiresAt = nil
		return nil
	})
	return w.settle(err, task.ID, log, "task completed")
}

func (w *Worker) fail(ctx context.Context, task *Task, agentErr *AgentError, log *slog.Logger) error {
	if agentErr.Permanent || task.Attempt >= w.opts.MaxAttempts {
		kind := agentErr.Kind()
		if !agentErr.Permanent {
			kind = KindRetryExhausted
		}
		_, err := w.store.Update(ctx, task.ID, func(t *Task) error {
			if err := w.owns(t, task.Attempt); err != nil {
				return err
			}
			return failWith(kind, agentErr.Error(), w.now())(t)
		})
		log.Warn("agent failed", "error", agentErr, "kind", kind)
		return w.settle(err, task.ID, log, "task failed")
	}

	log.Warn("agent failed, will retry", "error", agentErr, "max_attempts", w.opts.MaxAttempts)
	_, err := w.store.Update(ctx, task.ID, func(t *Task) error {
		if err := w.owns(t, task.Attempt); err != nil {
			return err
		}
		return releaseLease(agentErr.Error(), w.opts.WorkerID)(t)
	})
	if err := w.settle(err, task.ID, log, "task requeued"); err != nil {
		return err
	}
	var s *skip
	if err != nil && errors.As(err, &s) {
		return nil
	}
	w.metrics.IncRedelivery()
	return fmt.Errorf("attempt %d of task %s: %w", task.Attempt, task.ID, agentErr)
}

// owns rejects a write when the record moved on without this worker, e.g.
// it was cancelled or reclaimed after the lease ran out.
func (w *Worker) owns(t *Task, attempt int) error {
	if t.State == StateProcessing && t.WorkerID == w.opts.WorkerID && t.Attempt == attempt {
		return nil
	}
	if t.State.Terminal() {
		return &skip{reason: "task is " + string(t.State)}
	}
	return &skip{reason: "ownership changed"}
}

// settle maps the outcome of a final write onto the acknowledgement.
// Superseded writes are dropped and acknowledged; store failures that
// survived the store's own retries hand the message back to the broker.
func (w *Worker) settle(err error, id string, log *slog.Logger, done string) error {
	var s *skip
	switch {
	case err == nil:
		log.Info(done)
		return nil
	case errors.As(err, &s):
		log.Info("result discarded", "reason", s.reason)
		return nil
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrNotFound):
		log.Warn("write rejected", "error", err)
		return nil
	default:
		return fmt.Errorf("update %s: %w", id, err)
	}
}

// cancelCheck reports whether the task was cancelled. Read failures count as
// not cancelled; the final write still refuses to overwrite a cancellation.
func (w *Worker) cancelCheck(ctx context.Context, id string) func() bool {
	return func() bool {
		t, err := w.store.Get(ctx, id)
		if err != nil {
			return false
		}
		return t.State == StateCancelled
	}
}

// progressReporter persists agent progress. Values only move forward from
// the claim's 50, so early reports below it are dropped; 100 is reserved for
// terminal states.
func (w *Worker) progressReporter(ctx context.Context, id string, log *slog.Logger) func(int) {
	return func(pct int) {
		pct = max(0, min(pct, 99))
		_, err := w.store.Update(ctx, id, func(t *Task) error {
			if t.State != StateProcessing || t.WorkerID != w.opts.WorkerID {
				return &skip{reason: "not owner"}
			}
			if pct <= t.Progress {
				return &skip{reason: "no progress"}
			}
			t.Progress = pct
			return nil
		})
		var s *skip
		if err != nil && !errors.As(err, &s) {
			log.Debug("progress update failed", "error", err)
		}
	}
}
