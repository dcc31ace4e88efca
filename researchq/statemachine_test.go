package researchq

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	allowed := map[[2]State]bool{
		{StateQueued, StateProcessing}:     true,
		{StateQueued, StateCancelled}:      true,
		{StateQueued, StateFailed}:         true,
		{StateProcessing, StateCompleted}:  true,
		{StateProcessing, StateFailed}:     true,
		{StateProcessing, StateQueued}:     true,
		{StateProcessing, StateCancelled}:  true,
		{StateQueued, StateQueued}:         true,
		{StateProcessing, StateProcessing}: true,
	}
	for _, from := range States {
		for _, to := range States {
			want := allowed[[2]State{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestValidateTransition_TerminalIsAlreadyTerminal(t *testing.T) {
	for _, from := range []State{StateCompleted, StateFailed, StateCancelled} {
		err := ValidateTransition("x", from, StateProcessing)
		if !errors.Is(err, ErrInvalidTransition) || !errors.Is(err, ErrAlreadyTerminal) {
			t.Fatalf("%s: expected terminal transition error, got %v", from, err)
		}
	}
	err := ValidateTransition("x", StateQueued, StateCompleted)
	if !errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrAlreadyTerminal) {
		t.Fatalf("expected plain invalid transition, got %v", err)
	}
	if err := ValidateTransition("x", "BOGUS", StateQueued); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected error for unknown state, got %v", err)
	}
}

func TestValidateMutation(t *testing.T) {
	started := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	base := &Task{
		ID:        "t",
		Query:     "q",
		Options:   Options{Priority: PriorityNormal},
		State:     StateProcessing,
		Attempt:   1,
		Progress:  50,
		StartedAt: &started,
		Artifacts: []string{"a"},
		CreatedAt: started.Add(-time.Minute),
	}
	result := "r"
	earlier := started.Add(-time.Second)
	later := started.Add(time.Second)

	cases := []struct {
		name string
		fn   func(t *Task)
		ok   bool
	}{
		{"progress only", func(t *Task) { t.Progress = 70 }, true},
		{"complete", func(t *Task) { t.State = StateCompleted; t.Result = &result; t.CompletedAt = &later }, true},
		{"complete without result", func(t *Task) { t.State = StateCompleted; t.CompletedAt = &later }, false},
		{"complete without completed_at", func(t *Task) { t.State = StateCompleted; t.Result = &result }, false},
		{"completed before started", func(t *Task) { t.State = StateCompleted; t.Result = &result; t.CompletedAt = &earlier }, false},
		{"fail with result", func(t *Task) {
			t.State = StateFailed
			t.Result = &result
			t.Error = &TaskError{Kind: KindAgent, Message: "x"}
			t.CompletedAt = &later
		}, false},
		{"cancel", func(t *Task) { t.State = StateCancelled; t.CompletedAt = &later }, true},
		{"cancel with error", func(t *Task) {
			t.State = StateCancelled
			t.Error = &TaskError{Kind: KindAgent, Message: "x"}
			t.CompletedAt = &later
		}, false},
		{"attempt decreases", func(t *Task) { t.Attempt = 0 }, false},
		{"progress out of range", func(t *Task) { t.Progress = 101 }, false},
		{"query changes", func(t *Task) { t.Query = "other" }, false},
		{"options change", func(t *Task) { t.Options.Priority = PriorityElevated }, false},
		{"id changes", func(t *Task) { t.ID = "u" }, false},
		{"created_at changes", func(t *Task) { t.CreatedAt = later }, false},
		{"started_at reset", func(t *Task) { t.StartedAt = &later }, false},
		{"artifact removed", func(t *Task) { t.Artifacts = nil }, false},
		{"artifact replaced", func(t *Task) { t.Artifacts = []string{"b"} }, false},
		{"artifact appended", func(t *Task) { t.Artifacts = append(t.Artifacts, "b") }, true},
		{"requeue", func(t *Task) { t.State = StateQueued; t.Progress = 0 }, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			after := base.Clone()
			tc.fn(after)
			err := validateMutation(base, after)
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("expected invalid transition, got %v", err)
			}
		})
	}
}

func TestValidateMutation_QueuedFailsOnlyOnPublish(t *testing.T) {
	now := time.Now().UTC()
	queued := &Task{ID: "t", Query: "q", State: StateQueued, CreatedAt: now}

	published := queued.Clone()
	if err := failWith(KindQueuePublish, "broker unreachable", now)(published); err != nil {
		t.Fatal(err)
	}
	if err := validateMutation(queued, published); err != nil {
		t.Fatalf("publish failure rejected: %v", err)
	}

	agent := queued.Clone()
	if err := failWith(KindAgent, "boom", now)(agent); err != nil {
		t.Fatal(err)
	}
	if err := validateMutation(queued, agent); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected agent failure of a queued task to be rejected, got %v", err)
	}
}

func TestValidateMutation_StartedAtOnlyOnClaim(t *testing.T) {
	now := time.Now().UTC()
	queued := &Task{ID: "t", Query: "q", State: StateQueued, CreatedAt: now}
	cancelled := queued.Clone()
	cancelled.State = StateCancelled
	cancelled.StartedAt = &now
	cancelled.CompletedAt = &now
	if err := validateMutation(queued, cancelled); err == nil {
		t.Fatal("expected started_at to be rejected outside of a claim")
	}
}

func TestAgentErrorClassification(t *testing.T) {
	base := errors.New("model unavailable")
	ae := &AgentError{Err: base}
	if !errors.Is(ae, ErrAgent) || errors.Is(ae, ErrTimeout) || !errors.Is(ae, base) {
		t.Fatalf("unexpected classification for %v", ae)
	}
	if ae.Kind() != KindAgent || ae.Error() != "model unavailable" {
		t.Fatalf("kind=%s msg=%q", ae.Kind(), ae.Error())
	}
	to := &AgentError{Err: base, Timeout: true}
	if !errors.Is(to, ErrTimeout) || !errors.Is(to, ErrAgent) || to.Kind() != KindTimeout {
		t.Fatalf("unexpected timeout classification for %v", to)
	}
	if !errors.Is(ErrTimeout, ErrAgent) {
		t.Fatal("ErrTimeout must be an ErrAgent")
	}
}

func TestPermanentAndTransient(t *testing.T) {
	base := errors.New("bad input")
	if !IsPermanent(fmt.Errorf("wrapped: %w", Permanent(base))) {
		t.Fatal("expected permanent through wrapping")
	}
	if IsPermanent(base) || Permanent(nil) != nil {
		t.Fatal("unexpected permanent classification")
	}
	if !isTransient(transient(base)) || isTransient(base) {
		t.Fatal("unexpected transient classification")
	}
	if err := transient(fmt.Errorf("x: %w", context.Canceled)); isTransient(err) {
		t.Fatal("context errors must not be transient")
	}
}

func TestParsePriority(t *testing.T) {
	cases := map[string]Priority{
		"":         PriorityNormal,
		"normal":   PriorityNormal,
		"low":      PriorityNormal,
		"ELEVATED": PriorityElevated,
		"high":     PriorityElevated,
		"urgent":   PriorityElevated,
	}
	for in, want := range cases {
		got, ok := ParsePriority(in)
		if !ok || got != want {
			t.Errorf("ParsePriority(%q) = %q, %v", in, got, ok)
		}
	}
	if _, ok := ParsePriority("critical"); ok {
		t.Error("expected unknown tier to be rejected")
	}
}
