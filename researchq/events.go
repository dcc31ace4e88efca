package researchq

import (
	"context"
	"log/slog"
)

// EventSink receives an Event for every committed change to a task record.
// Publish must not block for long; sinks that fan out do so asynchronously.
type EventSink interface {
	Publish(ctx context.Context, ev Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ctx context.Context, ev Event)

func (f EventSinkFunc) Publish(ctx context.Context, ev Event) { f(ctx, ev) }

// NotifyingStore wraps a Store and emits an Event to each sink after a
// successful Create or Update, so observers see exactly the committed
// transitions and never the queue traffic.
type NotifyingStore struct {
	Store
	sinks  []EventSink
	logger *slog.Logger
}

func NewNotifyingStore(store Store, sinks ...EventSink) *NotifyingStore {
	return &NotifyingStore{Store: store, sinks: sinks, logger: discardLogger()}
}

// WithLogger sets the logger used to report sink panics.
func (s *NotifyingStore) WithLogger(l *slog.Logger) *NotifyingStore {
	if l != nil {
		s.logger = l
	}
	return s
}

// AddSink registers another sink. Not safe to call concurrently with writes.
func (s *NotifyingStore) AddSink(sink EventSink) {
	s.sinks = append(s.sinks, sink)
}

func (s *NotifyingStore) Create(ctx context.Context, t *Task) error {
	if err := s.Store.Create(ctx, t); err != nil {
		return err
	}
	s.emit(ctx, EventFor(t))
	return nil
}

func (s *NotifyingStore) Update(ctx context.Context, id string, fn Mutation) (*Task, error) {
	var from State
	t, err := s.Store.Update(ctx, id, func(t *Task) error {
		from = t.State
		return fn(t)
	})
	if err != nil {
		return nil, err
	}
	ev := EventFor(t)
	ev.From = from
	s.emit(ctx, ev)
	return t, nil
}

func (s *NotifyingStore) emit(ctx context.Context, ev Event) {
	for _, sink := range s.sinks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("event sink panicked", "task_id", ev.TaskID, "panic", r)
				}
			}()
			sink.Publish(ctx, ev)
		}()
	}
}
