package researchq

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
)

func TestReaper_Sweep(t *testing.T) {
	store := NewSQLStore(openTestDB(t))
	queue := NewMemoryQueue(MemoryQueueOptions{})
	defer queue.Close()
	ctx := context.Background()

	for _, id := range []string{"crashed", "exhausted", "alive", "stale", "fresh"} {
		if err := store.Create(ctx, queuedTask(id, "reaper "+id)); err != nil {
			t.Fatalf("Create %s: %v", id, err)
		}
	}
	if _, err := store.Update(ctx, "crashed", claimMutation("dead", -time.Hour)); err != nil {
		t.Fatalf("claim: %v", err)
	}
	for range 2 {
		if _, err := store.Update(ctx, "exhausted", claimMutation("dead", -time.Hour)); err != nil {
			t.Fatalf("claim: %v", err)
		}
		if _, err := store.Update(ctx, "exhausted", releaseLease("boom", "dead")); err != nil {
			t.Fatalf("release: %v", err)
		}
	}
	if _, err := store.Update(ctx, "exhausted", claimMutation("dead", -time.Hour)); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := store.Update(ctx, "alive", claimMutation("busy", time.Hour)); err != nil {
		t.Fatalf("claim: %v", err)
	}

	r := NewReaper(store, queue, ReaperOptions{MaxAttempts: 3, StaleAfter: time.Nanosecond})
	stats, err := r.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if stats.Requeued != 1 || stats.Failed != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	crashed, _ := store.Get(ctx, "crashed")
	if crashed.State != StateQueued || crashed.WorkerID != "" || crashed.LastError != "worker lease expired" {
		t.Fatalf("crashed task: %#v", crashed)
	}
	exhausted, _ := store.Get(ctx, "exhausted")
	if exhausted.State != StateFailed || exhausted.Error.Kind != KindRetryExhausted || exhausted.Error.Message != "boom" {
		t.Fatalf("exhausted task: %#v", exhausted)
	}
	alive, _ := store.Get(ctx, "alive")
	if alive.State != StateProcessing || alive.WorkerID != "busy" {
		t.Fatalf("live task was touched: %#v", alive)
	}
	// One message for the requeued task, one each for the stale queued ones.
	if queue.Pending() != 3 {
		t.Fatalf("expected republished messages, got %d", queue.Pending())
	}
}

func TestReaper_SkipsRecentQueuedTasks(t *testing.T) {
	store := NewSQLStore(openTestDB(t))
	queue := NewMemoryQueue(MemoryQueueOptions{})
	defer queue.Close()
	ctx := context.Background()
	if err := store.Create(ctx, queuedTask("recent", "just submitted")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	r := NewReaper(store, queue, ReaperOptions{StaleAfter: time.Hour})
	stats, err := r.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if stats != (SweepStats{}) || queue.Pending() != 0 {
		t.Fatalf("recent task republished: %+v pending=%d", stats, queue.Pending())
	}
}

func TestReaper_RepublishesStaleTaskOncePerWindow(t *testing.T) {
	store := NewSQLStore(openTestDB(t))
	queue := NewMemoryQueue(MemoryQueueOptions{})
	defer queue.Close()
	ctx := context.Background()
	if err := store.Create(ctx, queuedTask("backlog", "message was lost")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	r := NewReaper(store, queue, ReaperOptions{StaleAfter: time.Minute})
	clock := time.Now().UTC().Add(2 * time.Minute)
	r.now = func() time.Time { return clock }

	for i := range 5 {
		stats, err := r.Sweep(ctx)
		if err != nil {
			t.Fatalf("Sweep %d: %v", i, err)
		}
		want := 0
		if i == 0 {
			want = 1
		}
		if stats.Republished != want {
			t.Fatalf("sweep %d republished %d, want %d", i, stats.Republished, want)
		}
	}
	if queue.Pending() != 1 {
		t.Fatalf("expected one message after repeated sweeps, got %d", queue.Pending())
	}

	clock = clock.Add(time.Minute)
	if _, err := r.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if queue.Pending() != 2 {
		t.Fatalf("expected a second message once the window passed, got %d", queue.Pending())
	}
}

func TestReaper_ForgetsTasksThatLeftTheQueue(t *testing.T) {
	store := NewSQLStore(openTestDB(t))
	queue := NewMemoryQueue(MemoryQueueOptions{})
	defer queue.Close()
	ctx := context.Background()
	if err := store.Create(ctx, queuedTask("picked", "picked up later")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	r := NewReaper(store, queue, ReaperOptions{StaleAfter: time.Minute})
	clock := time.Now().UTC().Add(2 * time.Minute)
	r.now = func() time.Time { return clock }

	if _, err := r.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(r.republished) != 1 {
		t.Fatalf("expected the republish to be remembered, got %v", r.republished)
	}
	if _, err := store.Update(ctx, "picked", claimMutation("w", time.Hour)); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := r.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(r.republished) != 0 {
		t.Fatalf("expected claimed task to be forgotten, got %v", r.republished)
	}
}

func TestCronLogger_WritesToSlog(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	cl := cronLogger{l}

	release := make(chan struct{})
	started := make(chan struct{})
	job := cron.NewChain(cron.SkipIfStillRunning(cl)).Then(cron.FuncJob(func() {
		close(started)
		<-release
	}))
	done := make(chan struct{})
	go func() {
		defer close(done)
		job.Run()
	}()
	<-started
	job.Run()
	close(release)
	<-done

	cl.Error(errors.New("boom"), "job panicked")
	out := buf.String()
	if !strings.Contains(out, "cron: skip") {
		t.Fatalf("skip not logged through slog: %q", out)
	}
	if !strings.Contains(out, "cron: job panicked") || !strings.Contains(out, "error=boom") {
		t.Fatalf("error not logged through slog: %q", out)
	}
}

func TestReaper_RunStopsWithContext(t *testing.T) {
	store := NewSQLStore(openTestDB(t))
	queue := NewMemoryQueue(MemoryQueueOptions{})
	defer queue.Close()
	r := NewReaper(store, queue, ReaperOptions{Interval: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reaper did not stop")
	}
}
