package researchq

import (
	"slices"
	"strings"
	"time"
)

// State is the lifecycle state of a task as recorded in the store.
// Kept as an upper-case string so it reads the same in SQL, Redis and JSON.
type State string

const (
	StateQueued     State = "QUEUED"
	StateProcessing State = "PROCESSING"
	StateCompleted  State = "COMPLETED"
	StateFailed     State = "FAILED"
	StateCancelled  State = "CANCELLED"
)

// States lists every state in lifecycle order.
var States = []State{StateQueued, StateProcessing, StateCompleted, StateFailed, StateCancelled}

// Terminal reports whether no further transition is permitted from s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	return slices.Contains(States, s)
}

// ParseState accepts either case ("queued", "QUEUED").
func ParseState(v string) (State, bool) {
	s := State(strings.ToUpper(strings.TrimSpace(v)))
	return s, s.Valid()
}

// Priority selects the queue tier a task is published to.
type Priority string

const (
	PriorityNormal   Priority = "normal"
	PriorityElevated Priority = "elevated"
)

// ParsePriority maps a client supplied priority onto a supported tier.
// The legacy low/high/urgent levels are folded into the two tiers.
// An empty value yields PriorityNormal.
func ParsePriority(v string) (Priority, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "normal", "low":
		return PriorityNormal, true
	case "elevated", "high", "urgent":
		return PriorityElevated, true
	default:
		return "", false
	}
}

// Options are the structured settings submitted alongside a query.
type Options struct {
	Priority       Priority `json:"priority"`
	CreateReport   bool     `json:"create_report"`
	IncludeSources bool     `json:"include_sources"`
	MaxIterations  int      `json:"max_iterations,omitempty"`
}

// Error kinds persisted on failed tasks.
const (
	KindQueuePublish   = "QueuePublishError"
	KindAgent          = "AgentError"
	KindTimeout        = "TimeoutError"
	KindRetryExhausted = "RetryExhausted"
)

// TaskError is the structured failure description stored on a FAILED task.
type TaskError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (e *TaskError) Error() string {
	if e == nil {
		return ""
	}
	return e.Kind + ": " + e.Message
}

// Task is the persisted lifecycle record of one research request.
type Task struct {
	ID          string     `json:"id"`
	Query       string     `json:"query"`
	Options     Options    `json:"options"`
	State       State      `json:"state"`
	Progress    int        `json:"progress"`
	Attempt     int        `json:"attempt"`
	Result      *string    `json:"result,omitempty"`
	Error       *TaskError `json:"error,omitempty"`
	Artifacts   []string   `json:"artifacts,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// LastError records the most recent retryable failure. Informational only.
	LastError string `json:"last_error,omitempty"`
	// WorkerID and LeaseExpiresAt identify the current PROCESSING owner.
	WorkerID       string     `json:"worker_id,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	Version        int64      `json:"version"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Clone returns a deep copy so mutations never alias stored state.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.Result != nil {
		v := *t.Result
		c.Result = &v
	}
	if t.Error != nil {
		v := *t.Error
		c.Error = &v
	}
	if t.Artifacts != nil {
		c.Artifacts = append([]string(nil), t.Artifacts...)
	}
	c.StartedAt = cloneTime(t.StartedAt)
	c.CompletedAt = cloneTime(t.CompletedAt)
	c.LeaseExpiresAt = cloneTime(t.LeaseExpiresAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Filter narrows List results. A zero Filter returns every task.
type Filter struct {
	State State
	Limit int
}

// Message is the queue envelope. It is never the source of truth for task state.
type Message struct {
	TaskID     string    `json:"task_id"`
	Priority   Priority  `json:"priority"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Event describes a committed change to a task record.
type Event struct {
	TaskID   string    `json:"task_id"`
	From     State     `json:"from,omitempty"`
	State    State     `json:"status"`
	Progress int       `json:"progress"`
	Version  int64     `json:"version"`
	At       time.Time `json:"timestamp"`
	Task     *Task     `json:"task,omitempty"`
}

// EventFor builds the event published after t was committed.
func EventFor(t *Task) Event {
	return Event{
		TaskID:   t.ID,
		State:    t.State,
		Progress: t.Progress,
		Version:  t.Version,
		At:       t.UpdatedAt,
		Task:     t.Clone(),
	}
}

// ProgressFor maps a state onto the coarse progress shown when the worker
// has not reported anything finer.
func ProgressFor(s State) int {
	switch s {
	case StateProcessing:
		return 50
	case StateCompleted, StateFailed, StateCancelled:
		return 100
	default:
		return 0
	}
}
