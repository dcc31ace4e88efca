package researchq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	DefaultMinQueryLength = 3
	DefaultMaxQueryLength = 1000
	DefaultMaxIterations  = 10
	MaxIterationsLimit    = 20
	// EstimatedTime is the completion hint returned to submitters.
	EstimatedTime = "30-120 seconds"
)

// SubmitRequest is a new research request as received from a client.
type SubmitRequest struct {
	Query          string
	Priority       string
	CreateReport   bool
	IncludeSources bool
	MaxIterations  int
}

// Submission is the outcome of a successful Submit.
type Submission struct {
	Task          *Task
	EstimatedTime string
}

// DispatcherOptions configure a Dispatcher. Zero values use defaults.
type DispatcherOptions struct {
	MinQueryLength int
	MaxQueryLength int
	// SubmitRate and SubmitBurst bound accepted submissions per second.
	// Zero disables the limit.
	SubmitRate  float64
	SubmitBurst int
	Metrics     *Metrics
	Logger      *slog.Logger
}

// Dispatcher accepts research requests: it creates the task record and then
// publishes the queue message. It is the only creator of task records.
type Dispatcher struct {
	store   Store
	queue   Queue
	opts    DispatcherOptions
	limiter *rate.Limiter
	metrics *Metrics
	logger  *slog.Logger
	newID   func() string
	now     func() time.Time
}

func NewDispatcher(store Store, queue Queue, opts DispatcherOptions) *Dispatcher {
	if opts.MinQueryLength <= 0 {
		opts.MinQueryLength = DefaultMinQueryLength
	}
	if opts.MaxQueryLength <= 0 {
		opts.MaxQueryLength = DefaultMaxQueryLength
	}
	d := &Dispatcher{
		store:   store,
		queue:   queue,
		opts:    opts,
		metrics: opts.Metrics,
		logger:  orDiscard(opts.Logger).With("component", "dispatcher"),
		newID:   uuid.NewString,
		now:     func() time.Time { return time.Now().UTC() },
	}
	if opts.SubmitRate > 0 {
		burst := opts.SubmitBurst
		if burst <= 0 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(opts.SubmitRate), burst)
	}
	return d
}

// Validate checks a request without side effects and returns the normalized
// query and options.
func (d *Dispatcher) Validate(req SubmitRequest) (string, Options, error) {
	query := strings.TrimSpace(req.Query)
	n := utf8.RuneCountInString(query)
	switch {
	case n == 0:
		return "", Options{}, &ValidationError{Field: "query", Reason: "must not be empty"}
	case n < d.opts.MinQueryLength:
		return "", Options{}, &ValidationError{Field: "query", Reason: fmt.Sprintf("must be at least %d characters", d.opts.MinQueryLength)}
	case n > d.opts.MaxQueryLength:
		return "", Options{}, &ValidationError{Field: "query", Reason: fmt.Sprintf("must be at most %d characters", d.opts.MaxQueryLength)}
	}
	prio, ok := ParsePriority(req.Priority)
	if !ok {
		return "", Options{}, &ValidationError{Field: "priority", Reason: fmt.Sprintf("unsupported tier %q", req.Priority)}
	}
	iters := req.MaxIterations
	if iters == 0 {
		iters = DefaultMaxIterations
	}
	if iters < 1 || iters > MaxIterationsLimit {
		return "", Options{}, &ValidationError{Field: "max_iterations", Reason: fmt.Sprintf("must be between 1 and %d", MaxIterationsLimit)}
	}
	return query, Options{
		Priority:       prio,
		CreateReport:   req.CreateReport,
		IncludeSources: req.IncludeSources,
		MaxIterations:  iters,
	}, nil
}

// Submit validates req, creates a QUEUED task and publishes it. If the
// publish fails the task is marked FAILED with a QueuePublishError so no
// QUEUED record is left without a message.
func (d *Dispatcher) Submit(ctx context.Context, req SubmitRequest) (*Submission, error) {
	query, opts, err := d.Validate(req)
	if err != nil {
		return nil, err
	}
	if d.limiter != nil && !d.limiter.Allow() {
		return nil, ErrRateLimited
	}
	task := &Task{
		ID:        d.newID(),
		Query:     query,
		Options:   opts,
		State:     StateQueued,
		CreatedAt: d.now(),
	}
	if err := d.store.Create(ctx, task); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	msg := Message{TaskID: task.ID, Priority: opts.Priority, EnqueuedAt: d.now()}
	if perr := d.queue.Publish(ctx, msg); perr != nil {
		d.logger.Error("publish failed", "task_id", task.ID, "error", perr)
		// The request context may be the reason publish failed; the record
		// must still be closed out.
		failCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if _, ferr := d.store.Update(failCtx, task.ID, failWith(KindQueuePublish, perr.Error(), d.now())); ferr != nil {
			d.logger.Error("mark publish failure", "task_id", task.ID, "error", ferr)
			return nil, fmt.Errorf("%w: task %s: %v; mark failed: %w", ErrQueuePublish, task.ID, perr, ferr)
		}
		return nil, fmt.Errorf("%w: task %s: %v", ErrQueuePublish, task.ID, perr)
	}
	d.metrics.IncSubmitted(opts.Priority)
	d.logger.Info("task submitted", "task_id", task.ID, "priority", opts.Priority)
	return &Submission{Task: task, EstimatedTime: EstimatedTime}, nil
}

// Cancel marks a QUEUED or PROCESSING task CANCELLED. A worker executing the
// task notices at its next checkpoint and discards any late result.
func (d *Dispatcher) Cancel(ctx context.Context, id string) (*Task, error) {
	t, err := d.store.Update(ctx, id, func(t *Task) error {
		if t.State.Terminal() {
			return fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, t.ID, t.State)
		}
		now := d.now()
		t.State = StateCancelled
		t.CompletedAt = &now
		t.Progress = ProgressFor(StateCancelled)
		t.LeaseExpiresAt = nil
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrAlreadyTerminal) {
			return nil, err
		}
		return nil, fmt.Errorf("cancel task %s: %w", id, err)
	}
	d.logger.Info("task cancelled", "task_id", id)
	return t, nil
}

// failWith returns a mutation that moves a task to FAILED.
func failWith(kind, message string, now time.Time) Mutation {
	return func(t *Task) error {
		t.State = StateFailed
		t.Error = &TaskError{Kind: kind, Message: message}
		t.Result = nil
		t.CompletedAt = &now
		t.Progress = ProgressFor(StateFailed)
		t.LeaseExpiresAt = nil
		return nil
	}
}
