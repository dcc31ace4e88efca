package researchq

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func newNotifierHarness(t *testing.T, opts NotifierOptions) (*NotifyingStore, *Notifier) {
	t.Helper()
	base := NewSQLStore(openTestDB(t))
	n := NewNotifier(base, opts)
	return NewNotifyingStore(base, n), n
}

func recv(t *testing.T, ch <-chan Event) (Event, bool) {
	t.Helper()
	select {
	case ev, ok := <-ch:
		return ev, ok
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}, false
	}
}

func TestNotifier_StatusAndResult(t *testing.T) {
	store, n := newNotifierHarness(t, NotifierOptions{})
	ctx := context.Background()
	if err := store.Create(ctx, queuedTask("t", "status please")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	st, err := n.GetStatus(ctx, "t")
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if st.State != StateQueued || st.Progress != 0 || st.CompletedAt != nil {
		t.Fatalf("unexpected status: %#v", st)
	}
	if _, err := store.Update(ctx, "t", claimMutation("w", time.Minute)); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := store.Update(ctx, "t", completeMutation("the answer")); err != nil {
		t.Fatalf("complete: %v", err)
	}
	res, err := n.GetResult(ctx, "t")
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if res.State != StateCompleted || *res.Result != "the answer" || res.CompletedAt == nil || res.Error != nil {
		t.Fatalf("unexpected result: %#v", res)
	}
	if _, err := n.GetStatus(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestNotifier_ListTruncatesQuery(t *testing.T) {
	store, n := newNotifierHarness(t, NotifierOptions{})
	ctx := context.Background()
	long := strings.Repeat("a", 150)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, q := range []string{"short query", long} {
		task := queuedTask([]string{"old", "new"}[i], q)
		task.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if err := store.Create(ctx, task); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	list, err := n.List(ctx, "", 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 || list[0].ID != "new" || list[1].ID != "old" {
		t.Fatalf("unexpected listing: %#v", list)
	}
	if list[0].Query != strings.Repeat("a", 100)+"..." {
		t.Fatalf("query not truncated: %q", list[0].Query)
	}
	if list[1].Query != "short query" {
		t.Fatalf("short query changed: %q", list[1].Query)
	}
	queued, err := n.List(ctx, StateCompleted, 10)
	if err != nil || len(queued) != 0 {
		t.Fatalf("state filter: %v %v", queued, err)
	}
}

func TestNotifier_SubscribeSnapshotThenUpdatesThenClose(t *testing.T) {
	store, n := newNotifierHarness(t, NotifierOptions{})
	ctx := context.Background()
	if err := store.Create(ctx, queuedTask("t", "stream me")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	ch, err := n.Subscribe(ctx, "t")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	first, _ := recv(t, ch)
	if first.State != StateQueued || first.Version != 1 {
		t.Fatalf("snapshot: %#v", first)
	}

	if _, err := store.Update(ctx, "t", claimMutation("w", time.Minute)); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := store.Update(ctx, "t", completeMutation("done")); err != nil {
		t.Fatalf("complete: %v", err)
	}
	second, _ := recv(t, ch)
	third, _ := recv(t, ch)
	if second.State != StateProcessing || third.State != StateCompleted {
		t.Fatalf("updates: %s then %s", second.State, third.State)
	}
	if third.Progress != 100 || third.Task == nil || *third.Task.Result != "done" {
		t.Fatalf("terminal event: %#v", third)
	}
	if _, ok := recv(t, ch); ok {
		t.Fatal("channel should close after the terminal event")
	}
	if n.Subscribers("t") != 0 {
		t.Fatalf("subscriber not removed")
	}
}

func TestNotifier_LateSubscriberGetsOneEvent(t *testing.T) {
	store, n := newNotifierHarness(t, NotifierOptions{})
	ctx := context.Background()
	if err := store.Create(ctx, queuedTask("t", "already done")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := store.Update(ctx, "t", func(t *Task) error {
		now := time.Now().UTC()
		t.State = StateCancelled
		t.CompletedAt = &now
		t.Progress = 100
		return nil
	}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	for range 2 { // cold, then served from the terminal cache
		ch, err := n.Subscribe(ctx, "t")
		if err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
		ev, ok := recv(t, ch)
		if !ok || ev.State != StateCancelled {
			t.Fatalf("unexpected event: %#v", ev)
		}
		if _, ok := recv(t, ch); ok {
			t.Fatal("expected channel to close")
		}
	}
}

func TestNotifier_SubscribeUnknownTask(t *testing.T) {
	_, n := newNotifierHarness(t, NotifierOptions{})
	if _, err := n.Subscribe(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if n.Subscribers("missing") != 0 {
		t.Fatal("failed subscription left registered")
	}
}

func TestNotifier_DisconnectedSubscriberIsPruned(t *testing.T) {
	store, n := newNotifierHarness(t, NotifierOptions{})
	if err := store.Create(context.Background(), queuedTask("t", "disconnect")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := n.Subscribe(ctx, "t")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	recv(t, ch)
	cancel()
	if err := pollUntil(t, time.Second, func() (bool, error) {
		return n.Subscribers("t") == 0, nil
	}); err != nil {
		t.Fatalf("subscriber not pruned: %v", err)
	}
	if _, ok := recv(t, ch); ok {
		t.Fatal("expected channel to close")
	}
}

func TestNotifier_SlowSubscriberIsDropped(t *testing.T) {
	store, n := newNotifierHarness(t, NotifierOptions{SubscriberBuffer: 2})
	ctx := context.Background()
	if err := store.Create(ctx, queuedTask("t", "slow consumer")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := store.Update(ctx, "t", claimMutation("w", time.Minute)); err != nil {
		t.Fatalf("claim: %v", err)
	}
	ch, err := n.Subscribe(ctx, "t")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	for pct := 51; pct < 56; pct++ {
		if _, err := store.Update(ctx, "t", func(t *Task) error {
			t.Progress = pct
			return nil
		}); err != nil {
			t.Fatalf("progress: %v", err)
		}
	}
	if n.Subscribers("t") != 0 {
		t.Fatal("slow subscriber still registered")
	}
	count := 0
	for range ch {
		count++
	}
	if count != 2 {
		t.Fatalf("expected the buffered events only, got %d", count)
	}
}

func TestNotifier_DuplicateEventsAreDropped(t *testing.T) {
	store, n := newNotifierHarness(t, NotifierOptions{})
	ctx := context.Background()
	if err := store.Create(ctx, queuedTask("t", "dedupe")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	ch, err := n.Subscribe(ctx, "t")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	snap, _ := recv(t, ch)
	// A relayed copy of an already delivered version.
	n.Publish(ctx, snap)
	claimed, err := store.Update(ctx, "t", claimMutation("w", time.Minute))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	ev, _ := recv(t, ch)
	if ev.Version != claimed.Version {
		t.Fatalf("expected version %d, got %d", claimed.Version, ev.Version)
	}
}
