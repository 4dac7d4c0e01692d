package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stromq/strom"
	"github.com/stromq/strom/id"
	"github.com/stromq/strom/job"
)

func newJob(queue string, tier job.Tier) *job.Job {
	return &job.Job{
		Entity:      strom.NewEntity(),
		ID:          id.NewJobID(),
		Type:        "test",
		Tier:        tier,
		State:       job.StateWaiting,
		Queue:       queue,
		MaxAttempts: 3,
		RunAt:       time.Now().UTC(),
	}
}

func TestEnqueueDeduplicates(t *testing.T) {
	s := New()
	ctx := context.Background()

	j := newJob("q", job.TierNormal)
	if err := s.Enqueue(ctx, j); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := s.Enqueue(ctx, j); !errors.Is(err, strom.ErrJobAlreadyExists) {
		t.Errorf("duplicate Enqueue err = %v, want ErrJobAlreadyExists", err)
	}
}

func TestDequeueOrdersByTierThenDueTime(t *testing.T) {
	s := New()
	ctx := context.Background()

	low := newJob("q", job.TierLow)
	urgent := newJob("q", job.TierUrgent)
	normalOld := newJob("q", job.TierNormal)
	normalOld.RunAt = time.Now().UTC().Add(-time.Minute)
	normalNew := newJob("q", job.TierNormal)

	for _, j := range []*job.Job{low, normalNew, urgent, normalOld} {
		if err := s.Enqueue(ctx, j); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	claimed, err := s.Dequeue(ctx, "q", id.NewWorkerID(), 4)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if len(claimed) != 4 {
		t.Fatalf("claimed %d, want 4", len(claimed))
	}

	wantOrder := []id.JobID{urgent.ID, normalOld.ID, normalNew.ID, low.ID}
	for i, want := range wantOrder {
		if claimed[i].ID != want {
			t.Errorf("position %d: got %s, want %s", i, claimed[i].ID, want)
		}
	}
	for _, j := range claimed {
		if j.State != job.StateActive {
			t.Errorf("job %s state = %q, want active", j.ID, j.State)
		}
		if j.Attempts != 1 {
			t.Errorf("job %s attempts = %d, want 1", j.ID, j.Attempts)
		}
	}
}

func TestDequeueSkipsFutureDelayed(t *testing.T) {
	s := New()
	ctx := context.Background()

	j := newJob("q", job.TierNormal)
	j.State = job.StateDelayed
	j.RunAt = time.Now().UTC().Add(time.Hour)
	if err := s.Enqueue(ctx, j); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	claimed, err := s.Dequeue(ctx, "q", id.NewWorkerID(), 10)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if len(claimed) != 0 {
		t.Errorf("claimed %d, want 0", len(claimed))
	}
}

func TestDequeuePromotesDueDelayed(t *testing.T) {
	s := New()
	ctx := context.Background()

	j := newJob("q", job.TierNormal)
	j.State = job.StateDelayed
	j.RunAt = time.Now().UTC().Add(-time.Second)
	if err := s.Enqueue(ctx, j); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	claimed, err := s.Dequeue(ctx, "q", id.NewWorkerID(), 10)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("claimed %d, want 1", len(claimed))
	}
	if claimed[0].State != job.StateActive {
		t.Errorf("state = %q, want active", claimed[0].State)
	}
}

func TestCountsTreatDueDelayedAsWaiting(t *testing.T) {
	s := New()
	ctx := context.Background()

	due := newJob("q", job.TierNormal)
	due.State = job.StateDelayed
	due.RunAt = time.Now().UTC().Add(-time.Second)

	future := newJob("q", job.TierNormal)
	future.State = job.StateDelayed
	future.RunAt = time.Now().UTC().Add(time.Hour)

	for _, j := range []*job.Job{due, future} {
		if err := s.Enqueue(ctx, j); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	counts, err := s.Counts(ctx, "q")
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if counts.Waiting != 1 || counts.Delayed != 1 {
		t.Errorf("counts = %+v, want waiting 1 delayed 1", counts)
	}
}

func TestCleanRemovesOldestFirst(t *testing.T) {
	s := New()
	ctx := context.Background()

	jobs := make([]*job.Job, 3)
	for i := range jobs {
		j := newJob("q", job.TierNormal)
		j.State = job.StateCompleted
		jobs[i] = j
		if err := s.Enqueue(ctx, j); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	// Backdate through Update, then rewind UpdatedAt directly since
	// Update stamps it.
	s.mu.Lock()
	base := time.Now().UTC().Add(-time.Hour)
	for i, j := range jobs {
		s.jobs[j.ID.String()].UpdatedAt = base.Add(time.Duration(i) * time.Minute)
	}
	s.mu.Unlock()

	removed, err := s.Clean(ctx, "q", 30*time.Minute, 2, job.StateCompleted)
	if err != nil {
		t.Fatalf("Clean: %v", err)
	}
	if len(removed) != 2 {
		t.Fatalf("removed %d, want 2", len(removed))
	}
	if removed[0] != jobs[0].ID || removed[1] != jobs[1].ID {
		t.Errorf("removed %v, want oldest two in order", removed)
	}
}

func TestQueuesRemembersEverySeenQueue(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.Enqueue(ctx, newJob("a", job.TierNormal)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := s.Pause(ctx, "b"); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	names, err := s.Queues(ctx)
	if err != nil {
		t.Fatalf("Queues: %v", err)
	}
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Errorf("Queues = %v, want [a b]", names)
	}
}

func TestClosedStoreRejectsWrites(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Ping(ctx); !errors.Is(err, strom.ErrStoreClosed) {
		t.Errorf("Ping err = %v, want ErrStoreClosed", err)
	}
	if err := s.Enqueue(ctx, newJob("q", job.TierNormal)); !errors.Is(err, strom.ErrStoreClosed) {
		t.Errorf("Enqueue err = %v, want ErrStoreClosed", err)
	}
}
