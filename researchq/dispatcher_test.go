package researchq

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type failingQueue struct {
	err error
}

func (q failingQueue) Publish(context.Context, Message) error   { return q.err }
func (q failingQueue) Subscribe(context.Context, Handler) error { return q.err }
func (q failingQueue) Close() error                             { return nil }

func TestDispatcher_SubmitCreatesAndPublishes(t *testing.T) {
	store := NewSQLStore(openTestDB(t))
	queue := NewMemoryQueue(MemoryQueueOptions{})
	defer queue.Close()
	d := NewDispatcher(store, queue, DispatcherOptions{})

	sub, err := d.Submit(context.Background(), SubmitRequest{
		Query:          "  latest research on battery chemistry  ",
		Priority:       "high",
		CreateReport:   true,
		IncludeSources: true,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if sub.EstimatedTime != EstimatedTime {
		t.Fatalf("estimated time %q", sub.EstimatedTime)
	}
	task := sub.Task
	if task.ID == "" || task.State != StateQueued || task.Query != "latest research on battery chemistry" {
		t.Fatalf("unexpected task: %#v", task)
	}
	if task.Options.Priority != PriorityElevated || task.Options.MaxIterations != DefaultMaxIterations {
		t.Fatalf("unexpected options: %#v", task.Options)
	}
	stored, err := store.Get(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.State != StateQueued || !stored.Options.CreateReport || !stored.Options.IncludeSources {
		t.Fatalf("unexpected stored task: %#v", stored)
	}
	if queue.Pending() != 1 {
		t.Fatalf("expected one pending message, got %d", queue.Pending())
	}
}

func TestDispatcher_ValidationHasNoSideEffects(t *testing.T) {
	store := NewSQLStore(openTestDB(t))
	queue := NewMemoryQueue(MemoryQueueOptions{})
	defer queue.Close()
	d := NewDispatcher(store, queue, DispatcherOptions{})

	cases := map[string]SubmitRequest{
		"empty":          {Query: ""},
		"whitespace":     {Query: "   \n\t "},
		"too short":      {Query: "ab"},
		"too long":       {Query: strings.Repeat("x", DefaultMaxQueryLength+1)},
		"bad priority":   {Query: "valid query", Priority: "critical"},
		"iterations low": {Query: "valid query", MaxIterations: -1},
		"iterations hi":  {Query: "valid query", MaxIterations: MaxIterationsLimit + 1},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := d.Submit(context.Background(), req)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
			var ve *ValidationError
			if !errors.As(err, &ve) || ve.Field == "" {
				t.Fatalf("expected field detail, got %v", err)
			}
		})
	}
	tasks, err := store.List(context.Background(), Filter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(tasks) != 0 || queue.Pending() != 0 {
		t.Fatalf("side effects after validation failures: tasks=%d pending=%d", len(tasks), queue.Pending())
	}
}

func TestDispatcher_MaxLengthBoundaryAccepted(t *testing.T) {
	store := NewSQLStore(openTestDB(t))
	queue := NewMemoryQueue(MemoryQueueOptions{})
	defer queue.Close()
	d := NewDispatcher(store, queue, DispatcherOptions{})
	if _, err := d.Submit(context.Background(), SubmitRequest{Query: strings.Repeat("é", DefaultMaxQueryLength)}); err != nil {
		t.Fatalf("query at the limit rejected: %v", err)
	}
}

func TestDispatcher_PublishFailureMarksTaskFailed(t *testing.T) {
	store := NewSQLStore(openTestDB(t))
	d := NewDispatcher(store, failingQueue{err: errors.New("broker unreachable")}, DispatcherOptions{})

	_, err := d.Submit(context.Background(), SubmitRequest{Query: "will not publish"})
	if !errors.Is(err, ErrQueuePublish) {
		t.Fatalf("expected ErrQueuePublish, got %v", err)
	}
	tasks, _ := store.List(context.Background(), Filter{})
	if len(tasks) != 1 {
		t.Fatalf("expected the record to exist, got %d", len(tasks))
	}
	got := tasks[0]
	if got.State != StateFailed || got.Error == nil || got.Error.Kind != KindQueuePublish {
		t.Fatalf("unexpected record: %#v", got)
	}
	if !strings.Contains(got.Error.Message, "broker unreachable") || got.CompletedAt == nil {
		t.Fatalf("unexpected error detail: %#v", got.Error)
	}
}

func TestDispatcher_RateLimit(t *testing.T) {
	store := NewSQLStore(openTestDB(t))
	queue := NewMemoryQueue(MemoryQueueOptions{})
	defer queue.Close()
	d := NewDispatcher(store, queue, DispatcherOptions{SubmitRate: 0.001, SubmitBurst: 1})

	if _, err := d.Submit(context.Background(), SubmitRequest{Query: "first one"}); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	if _, err := d.Submit(context.Background(), SubmitRequest{Query: "second one"}); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	// Invalid requests are rejected before touching the limiter budget.
	if _, err := d.Submit(context.Background(), SubmitRequest{Query: ""}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestDispatcher_Cancel(t *testing.T) {
	store := NewSQLStore(openTestDB(t))
	queue := NewMemoryQueue(MemoryQueueOptions{})
	defer queue.Close()
	d := NewDispatcher(store, queue, DispatcherOptions{})
	ctx := context.Background()

	if _, err := d.Cancel(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	sub, err := d.Submit(ctx, SubmitRequest{Query: "cancel target"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	got, err := d.Cancel(ctx, sub.Task.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got.State != StateCancelled || got.CompletedAt == nil || got.Progress != 100 {
		t.Fatalf("unexpected cancelled record: %#v", got)
	}
	if _, err := d.Cancel(ctx, sub.Task.ID); !errors.Is(err, ErrAlreadyTerminal) {
		t.Fatalf("expected ErrAlreadyTerminal, got %v", err)
	}
}
