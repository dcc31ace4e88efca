package researchq

import (
	"fmt"
	"slices"
)

var allowedTransitions = map[State]map[State]struct{}{
	StateQueued: {
		StateProcessing: {},
		StateFailed:     {}, // publish failure only
		StateCancelled:  {},
	},
	StateProcessing: {
		StateCompleted: {},
		StateFailed:    {},
		StateQueued:    {}, // redelivery after a failed or crashed attempt
		StateCancelled: {},
	},
	StateCompleted: {},
	StateFailed:    {},
	StateCancelled: {},
}

// CanTransition reports whether from -> to is an edge of the task lifecycle.
// Staying in the same non-terminal state is allowed (field-only updates).
func CanTransition(from, to State) bool {
	if from == to {
		return from.Valid() && !from.Terminal()
	}
	_, ok := allowedTransitions[from][to]
	return ok
}

// ValidateTransition returns a *TransitionError when from -> to is not allowed.
func ValidateTransition(id string, from, to State) error {
	if !from.Valid() || !to.Valid() {
		return &TransitionError{TaskID: id, From: from, To: to, Reason: "unknown state"}
	}
	if !CanTransition(from, to) {
		reason := ""
		if from.Terminal() {
			reason = "task is terminal"
		}
		return &TransitionError{TaskID: id, From: from, To: to, Reason: reason}
	}
	return nil
}

// validateMutation checks that after is a legal successor of before. Every
// store runs it before committing an update.
func validateMutation(before, after *Task) error {
	if err := ValidateTransition(before.ID, before.State, after.State); err != nil {
		return err
	}
	reject := func(reason string) error {
		return &TransitionError{TaskID: before.ID, From: before.State, To: after.State, Reason: reason}
	}
	switch {
	case after.ID != before.ID:
		return reject("id is immutable")
	case !after.CreatedAt.Equal(before.CreatedAt):
		return reject("created_at is immutable")
	case after.Query != before.Query || after.Options != before.Options:
		return reject("query is immutable")
	case after.Attempt < before.Attempt:
		return reject("attempt cannot decrease")
	case after.Progress < 0 || after.Progress > 100:
		return reject(fmt.Sprintf("progress %d out of range", after.Progress))
	}
	if before.StartedAt != nil && (after.StartedAt == nil || !after.StartedAt.Equal(*before.StartedAt)) {
		return reject("started_at is set once")
	}
	if after.StartedAt != nil && before.StartedAt == nil && after.State != StateProcessing {
		return reject("started_at is set on claim")
	}
	if len(after.Artifacts) < len(before.Artifacts) || !slices.Equal(after.Artifacts[:len(before.Artifacts)], before.Artifacts) {
		return reject("artifacts are append-only")
	}

	terminal := after.State.Terminal()
	if terminal != (after.CompletedAt != nil) {
		return reject("completed_at is set exactly when terminal")
	}
	if after.CompletedAt != nil && after.StartedAt != nil && after.CompletedAt.Before(*after.StartedAt) {
		return reject("completed_at precedes started_at")
	}
	if before.State == StateQueued && after.State == StateFailed && after.Error != nil && after.Error.Kind != KindQueuePublish {
		return reject("a queued task fails only on publish")
	}
	switch after.State {
	case StateCompleted:
		if after.Result == nil || after.Error != nil {
			return reject("completed task needs a result and no error")
		}
	case StateFailed:
		if after.Error == nil || after.Result != nil {
			return reject("failed task needs an error and no result")
		}
	default:
		if after.Result != nil || after.Error != nil {
			return reject("result and error are only set on terminal states")
		}
	}
	return nil
}
