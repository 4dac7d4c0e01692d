package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stromq/strom"
	"github.com/stromq/strom/hooks"
	"github.com/stromq/strom/id"
	"github.com/stromq/strom/job"
	"github.com/stromq/strom/middleware"
	"github.com/stromq/strom/store/memory"
)

func discard() *slog.Logger { return slog.New(slog.DiscardHandler) }

func seedJob(t *testing.T, store job.Store, queue, jobType string, maxAttempts int) *job.Job {
	t.Helper()
	j := &job.Job{
		Entity:       strom.NewEntity(),
		ID:           id.NewJobID(),
		Type:         jobType,
		Tier:         job.TierNormal,
		State:        job.StateWaiting,
		Queue:        queue,
		MaxAttempts:  maxAttempts,
		BackoffKind:  job.BackoffFixed,
		BackoffDelay: time.Millisecond,
		RunAt:        time.Now().UTC(),
	}
	if err := store.Enqueue(context.Background(), j); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return j
}

func claim(t *testing.T, store job.Store, queue string) *job.Job {
	t.Helper()
	jobs, err := store.Dequeue(context.Background(), queue, id.NewWorkerID(), 1)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("claimed %d jobs, want 1", len(jobs))
	}
	return jobs[0]
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestExecutorMarksSuccess(t *testing.T) {
	store := memory.New()
	registry := job.NewRegistry()
	registry.Register("ok", func(_ context.Context, _ []byte, progress job.ProgressFunc) error {
		progress(50)
		return nil
	})
	e := NewExecutor(registry, hooks.NewRegistry(discard()), store, discard())

	seeded := seedJob(t, store, "q", "ok", 3)
	if err := e.Execute(context.Background(), claim(t, store, "q")); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	j, _ := store.Find(context.Background(), seeded.ID)
	if j.State != job.StateCompleted {
		t.Errorf("state = %q, want completed", j.State)
	}
	if j.Progress != 100 {
		t.Errorf("progress = %d, want forced to 100 on success", j.Progress)
	}
	if j.CompletedAt == nil {
		t.Error("completion time not recorded")
	}
}

func TestExecutorSchedulesRetryWithBackoff(t *testing.T) {
	store := memory.New()
	registry := job.NewRegistry()
	registry.Register("flaky", func(context.Context, []byte, job.ProgressFunc) error {
		return errors.New("transient")
	})
	e := NewExecutor(registry, hooks.NewRegistry(discard()), store, discard())

	seeded := seedJob(t, store, "q", "flaky", 3)
	if err := e.Execute(context.Background(), claim(t, store, "q")); err == nil {
		t.Fatal("Execute returned nil for a failing handler")
	}

	j, _ := store.Find(context.Background(), seeded.ID)
	if j.State != job.StateDelayed {
		t.Errorf("state = %q, want delayed for retry", j.State)
	}
	if j.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", j.Attempts)
	}
	if j.LastError != "transient" {
		t.Errorf("last error = %q, want transient", j.LastError)
	}
	if !j.WorkerID.IsNil() {
		t.Error("worker claim not released for retry")
	}
}

func TestExecutorFailsTerminallyAfterMaxAttempts(t *testing.T) {
	store := memory.New()
	registry := job.NewRegistry()
	registry.Register("doomed", func(context.Context, []byte, job.ProgressFunc) error {
		return errors.New("permanent")
	})

	var failedHook atomic.Bool
	hookReg := hooks.NewRegistry(discard())
	hookReg.Register(failTracker{&failedHook})

	e := NewExecutor(registry, hookReg, store, discard())
	seeded := seedJob(t, store, "q", "doomed", 1)

	if err := e.Execute(context.Background(), claim(t, store, "q")); err == nil {
		t.Fatal("Execute returned nil for terminal failure")
	}

	j, _ := store.Find(context.Background(), seeded.ID)
	if j.State != job.StateFailed {
		t.Errorf("state = %q, want failed", j.State)
	}
	if j.LastError != "permanent" {
		t.Errorf("last error = %q, want retained", j.LastError)
	}
	if !failedHook.Load() {
		t.Error("JobFailed hook not emitted")
	}
}

type failTracker struct{ fired *atomic.Bool }

func (failTracker) Name() string { return "fail-tracker" }
func (h failTracker) OnJobFailed(context.Context, *job.Job, error) error {
	h.fired.Store(true)
	return nil
}

func TestExecutorHandlesMissingHandler(t *testing.T) {
	store := memory.New()
	e := NewExecutor(job.NewRegistry(), hooks.NewRegistry(discard()), store, discard())

	seeded := seedJob(t, store, "q", "unregistered", 1)
	if err := e.Execute(context.Background(), claim(t, store, "q")); err == nil {
		t.Fatal("Execute returned nil for a missing handler")
	}

	j, _ := store.Find(context.Background(), seeded.ID)
	if j.State != job.StateFailed {
		t.Errorf("state = %q, want failed", j.State)
	}
}

func TestExecutorRecoversPanics(t *testing.T) {
	store := memory.New()
	registry := job.NewRegistry()
	registry.Register("panicky", func(context.Context, []byte, job.ProgressFunc) error {
		panic("kaboom")
	})
	e := NewExecutor(registry, hooks.NewRegistry(discard()), store, discard(),
		middleware.Recover(discard()))

	seeded := seedJob(t, store, "q", "panicky", 1)
	if err := e.Execute(context.Background(), claim(t, store, "q")); err == nil {
		t.Fatal("Execute returned nil after panic")
	}

	j, _ := store.Find(context.Background(), seeded.ID)
	if j.State != job.StateFailed {
		t.Errorf("state = %q, want failed after recovered panic", j.State)
	}
}

func TestWorkerProcessesJobsEndToEnd(t *testing.T) {
	store := memory.New()
	registry := job.NewRegistry()

	var processed atomic.Int32
	registry.Register("count", func(context.Context, []byte, job.ProgressFunc) error {
		processed.Add(1)
		return nil
	})

	hookReg := hooks.NewRegistry(discard())
	e := NewExecutor(registry, hookReg, store, discard())
	w := New(store, e, hookReg, "q", discard(),
		WithConcurrency(2),
		WithPollInterval(10*time.Millisecond),
	)

	for range 5 {
		seedJob(t, store, "q", "count", 3)
	}

	w.Start()
	waitFor(t, 5*time.Second, func() bool { return processed.Load() == 5 })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	w.Stop(ctx)

	counts, err := store.Counts(context.Background(), "q")
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if counts.Completed != 5 {
		t.Errorf("completed = %d, want 5", counts.Completed)
	}
}

func TestWorkerStopIsIdempotent(t *testing.T) {
	store := memory.New()
	hookReg := hooks.NewRegistry(discard())
	e := NewExecutor(job.NewRegistry(), hookReg, store, discard())
	w := New(store, e, hookReg, "q", discard(), WithPollInterval(10*time.Millisecond))

	w.Start()
	ctx := context.Background()
	w.Stop(ctx)
	w.Stop(ctx) // second stop must not panic or block
}
