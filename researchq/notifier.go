package researchq

import (
	"context"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	summaryQueryLimit   = 100
	defaultListLimit    = 100
	defaultSubBuffer    = 16
	defaultTerminalSize = 1024
)

// StatusView is the lightweight status of a task.
type StatusView struct {
	ID          string     `json:"task_id"`
	State       State      `json:"status"`
	Progress    int        `json:"progress"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ResultView is the full outcome of a task.
type ResultView struct {
	ID          string     `json:"task_id"`
	Query       string     `json:"query"`
	State       State      `json:"status"`
	Progress    int        `json:"progress"`
	Result      *string    `json:"result,omitempty"`
	Error       *TaskError `json:"error,omitempty"`
	Artifacts   []string   `json:"generated_files,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Summary is a task as shown in listings; the query is shortened.
type Summary struct {
	ID        string    `json:"task_id"`
	State     State     `json:"status"`
	Query     string    `json:"query"`
	CreatedAt time.Time `json:"created_at"`
}

// NotifierOptions configure a Notifier. Zero values use defaults.
type NotifierOptions struct {
	// SubscriberBuffer is the per-subscriber event backlog. A subscriber
	// that falls further behind is dropped.
	SubscriberBuffer int
	// TerminalCacheSize bounds the cache of finished task records.
	TerminalCacheSize int
	Logger            *slog.Logger
}

// Notifier answers status queries and pushes task events to subscribers.
// It only reads the store; attach it to a NotifyingStore or a relay to feed
// it events.
type Notifier struct {
	store    Store
	buffer   int
	terminal *lru.Cache[string, *Task]
	logger   *slog.Logger

	mu   sync.Mutex
	subs map[string]map[*subscriber]struct{}
}

type subscriber struct {
	ch      chan Event
	done    chan struct{}
	version int64
	closed  bool
}

func NewNotifier(store Store, opts NotifierOptions) *Notifier {
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = defaultSubBuffer
	}
	if opts.TerminalCacheSize <= 0 {
		opts.TerminalCacheSize = defaultTerminalSize
	}
	cache, err := lru.New[string, *Task](opts.TerminalCacheSize)
	if err != nil {
		panic(err)
	}
	return &Notifier{
		store:    store,
		buffer:   opts.SubscriberBuffer,
		terminal: cache,
		logger:   orDiscard(opts.Logger).With("component", "notifier"),
		subs:     make(map[string]map[*subscriber]struct{}),
	}
}

// load returns the record, serving finished tasks from the cache.
func (n *Notifier) load(ctx context.Context, id string) (*Task, error) {
	if t, ok := n.terminal.Get(id); ok {
		return t, nil
	}
	t, err := n.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.State.Terminal() {
		n.terminal.Add(id, t.Clone())
	}
	return t, nil
}

func (n *Notifier) GetStatus(ctx context.Context, id string) (*StatusView, error) {
	t, err := n.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return &StatusView{
		ID:          t.ID,
		State:       t.State,
		Progress:    t.Progress,
		CreatedAt:   t.CreatedAt,
		CompletedAt: cloneTime(t.CompletedAt),
	}, nil
}

func (n *Notifier) GetResult(ctx context.Context, id string) (*ResultView, error) {
	t, err := n.load(ctx, id)
	if err != nil {
		return nil, err
	}
	t = t.Clone()
	return &ResultView{
		ID:          t.ID,
		Query:       t.Query,
		State:       t.State,
		Progress:    t.Progress,
		Result:      t.Result,
		Error:       t.Error,
		Artifacts:   t.Artifacts,
		CreatedAt:   t.CreatedAt,
		CompletedAt: t.CompletedAt,
	}, nil
}

// List returns summaries newest first. A non-positive limit means the
// default of 100.
func (n *Notifier) List(ctx context.Context, state State, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	tasks, err := n.store.List(ctx, Filter{State: state, Limit: limit})
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, Summary{
			ID:        t.ID,
			State:     t.State,
			Query:     truncateQuery(t.Query),
			CreatedAt: t.CreatedAt,
		})
	}
	return out, nil
}

func truncateQuery(q string) string {
	if utf8.RuneCountInString(q) <= summaryQueryLimit {
		return q
	}
	return string([]rune(q)[:summaryQueryLimit]) + "..."
}

// Subscribe streams events for one task. The current state is delivered
// first, followed by every later committed change in version order. The
// channel is closed after the terminal event, when ctx ends, or when the
// subscriber falls too far behind.
func (n *Notifier) Subscribe(ctx context.Context, id string) (<-chan Event, error) {
	if t, ok := n.terminal.Get(id); ok {
		ch := make(chan Event, 1)
		ch <- EventFor(t)
		close(ch)
		return ch, nil
	}

	sub := &subscriber{ch: make(chan Event, n.buffer), done: make(chan struct{})}
	// Register before reading the snapshot so no commit can fall between
	// the two; duplicates are dropped by version.
	n.mu.Lock()
	if n.subs[id] == nil {
		n.subs[id] = make(map[*subscriber]struct{})
	}
	n.subs[id][sub] = struct{}{}
	n.mu.Unlock()

	t, err := n.store.Get(ctx, id)
	if err != nil {
		n.mu.Lock()
		n.removeLocked(id, sub)
		n.mu.Unlock()
		return nil, err
	}

	n.mu.Lock()
	n.deliverLocked(id, sub, EventFor(t))
	n.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			n.mu.Lock()
			n.removeLocked(id, sub)
			n.mu.Unlock()
		case <-sub.done:
		}
	}()
	return sub.ch, nil
}

// Publish implements EventSink.
func (n *Notifier) Publish(_ context.Context, ev Event) {
	if ev.State.Terminal() && ev.Task != nil {
		n.terminal.Add(ev.TaskID, ev.Task.Clone())
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for sub := range n.subs[ev.TaskID] {
		n.deliverLocked(ev.TaskID, sub, ev)
	}
}

// Subscribers returns the number of open subscriptions for id.
func (n *Notifier) Subscribers(id string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs[id])
}

func (n *Notifier) deliverLocked(id string, sub *subscriber, ev Event) {
	if sub.closed || ev.Version <= sub.version {
		return
	}
	select {
	case sub.ch <- ev:
		sub.version = ev.Version
	default:
		n.logger.Warn("dropping slow subscriber", "task_id", id)
		n.removeLocked(id, sub)
		return
	}
	if ev.State.Terminal() {
		n.removeLocked(id, sub)
	}
}

func (n *Notifier) removeLocked(id string, sub *subscriber) {
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.ch)
	close(sub.done)
	if set := n.subs[id]; set != nil {
		delete(set, sub)
		if len(set) == 0 {
			delete(n.subs, id)
		}
	}
}

