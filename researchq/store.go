package researchq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Store abstracts persistence for task lifecycle records.
// Implementations must be safe for concurrent use and must apply Update
// atomically per record: concurrent writers to the same id are serialized,
// unrelated ids proceed in parallel.
type Store interface {
	// Create inserts t in state QUEUED. It fails with ErrDuplicateID when
	// the id already exists.
	Create(ctx context.Context, t *Task) error
	// Get returns a copy of the record or ErrNotFound.
	Get(ctx context.Context, id string) (*Task, error)
	// Update applies fn to a copy of the current record and commits the
	// result if it is a legal successor. It returns the committed record,
	// ErrNotFound, or a *TransitionError.
	Update(ctx context.Context, id string, fn Mutation) (*Task, error)
	// List returns tasks ordered by CreatedAt descending.
	List(ctx context.Context, f Filter) ([]*Task, error)
}

// Mutation edits a task in place. Returning an error aborts the update
// without writing.
type Mutation func(t *Task) error

// mutate runs fn against a copy of current and validates the outcome.
// The returned task carries the next version and timestamp.
func mutate(current *Task, fn Mutation, now time.Time) (*Task, error) {
	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	if err := validateMutation(current, next); err != nil {
		return nil, err
	}
	next.Version = current.Version + 1
	next.UpdatedAt = now
	return next, nil
}

// prepareCreate normalizes a new record before insertion.
func prepareCreate(t *Task, now time.Time) error {
	if t.ID == "" {
		return fmt.Errorf("%w: empty task id", ErrValidation)
	}
	if t.State == "" {
		t.State = StateQueued
	}
	if t.State != StateQueued {
		return &TransitionError{TaskID: t.ID, From: "", To: t.State, Reason: "tasks are created QUEUED"}
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.CreatedAt
	t.Version = 1
	return nil
}

// errConflict signals a lost optimistic-concurrency race; the update is retried.
var errConflict = errors.New("concurrent update")

// retryConflicts reruns op while it reports errConflict or a transient
// backend error. Domain errors are returned immediately.
func retryConflicts(ctx context.Context, op func() (*Task, error)) (*Task, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	return backoff.Retry(ctx, func() (*Task, error) {
		t, err := op()
		if err == nil || errors.Is(err, errConflict) || isTransient(err) {
			return t, err
		}
		return nil, backoff.Permanent(err)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(20))
}
