package priority

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stromq/strom"
	"github.com/stromq/strom/hooks"
	"github.com/stromq/strom/job"
	"github.com/stromq/strom/queue"
	"github.com/stromq/strom/store/memory"
)

type fixedCapacity struct {
	util map[string]float64
}

func (c fixedCapacity) Utilization(_ context.Context, queue string) (float64, error) {
	u, ok := c.util[queue]
	if !ok {
		return 0, strom.ErrQueueNotFound
	}
	return u, nil
}

func newTestManager(t *testing.T, capacity CapacityProvider) (*Manager, *memory.Store) {
	t.Helper()
	store := memory.New()
	logger := slog.New(slog.DiscardHandler)
	queues := queue.NewManager(store, job.NewRegistry(), hooks.NewRegistry(logger), queue.NewRouter(), logger)
	return NewManager(queues, capacity, strom.DefaultConfig(), logger), store
}

func TestTierQueueNames(t *testing.T) {
	tests := []struct {
		tier job.Tier
		want string
	}{
		{job.TierUrgent, "priority-urgent"},
		{job.TierHigh, "priority-high"},
		{job.TierNormal, "priority-normal"},
		{job.TierLow, "priority-low"},
	}
	for _, tt := range tests {
		if got := TierQueue(tt.tier); got != tt.want {
			t.Errorf("TierQueue(%s) = %q, want %q", tt.tier, got, tt.want)
		}
	}
}

func TestDefaultsScaleWithWeight(t *testing.T) {
	urgent := Defaults(job.TierUrgent, 2)
	low := Defaults(job.TierLow, 2)

	if urgent.Workers <= low.Workers {
		t.Errorf("urgent workers %d not above low workers %d", urgent.Workers, low.Workers)
	}
	if urgent.Concurrency <= low.Concurrency {
		t.Errorf("urgent concurrency %d not above low concurrency %d", urgent.Concurrency, low.Concurrency)
	}
	if urgent.MaxAttempts <= low.MaxAttempts {
		t.Errorf("urgent attempts %d not above low attempts %d", urgent.MaxAttempts, low.MaxAttempts)
	}
	if urgent.Backoff >= low.Backoff {
		t.Errorf("urgent backoff %s not below low backoff %s", urgent.Backoff, low.Backoff)
	}
	if low.MinWorkers != 1 {
		t.Errorf("low min workers = %d, want 1", low.MinWorkers)
	}
	if urgent.MaxWorkers != urgent.Workers*5 {
		t.Errorf("urgent max workers = %d, want %d", urgent.MaxWorkers, urgent.Workers*5)
	}
}

func TestAddRoutesToTierQueue(t *testing.T) {
	m, store := newTestManager(t, nil)
	ctx := context.Background()

	res, err := m.Add(ctx, "report", nil, job.TierUrgent)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if res.Queue != "priority-urgent" {
		t.Errorf("queue = %q, want priority-urgent", res.Queue)
	}

	j, err := store.Find(ctx, res.JobID)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if j.Tier != job.TierUrgent {
		t.Errorf("tier = %q, want URGENT", j.Tier)
	}
	if want := Defaults(job.TierUrgent, 2).MaxAttempts; j.MaxAttempts != want {
		t.Errorf("max attempts = %d, want tier default %d", j.MaxAttempts, want)
	}
}

func TestAddRejectsUnknownTier(t *testing.T) {
	m, _ := newTestManager(t, nil)

	_, err := m.Add(context.Background(), "report", nil, "PANIC")
	if !errors.Is(err, strom.ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
}

func TestHighTierShedsToNormalWhenSaturated(t *testing.T) {
	capacity := fixedCapacity{util: map[string]float64{
		TierQueue(job.TierHigh): 0.95,
	}}
	m, store := newTestManager(t, capacity)
	ctx := context.Background()

	res, err := m.Add(ctx, "report", nil, job.TierHigh)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if res.Queue != TierQueue(job.TierNormal) {
		t.Errorf("queue = %q, want shed to %q", res.Queue, TierQueue(job.TierNormal))
	}
	j, _ := store.Find(ctx, res.JobID)
	if j.Tier != job.TierNormal {
		t.Errorf("tier = %q, want demoted to NORMAL", j.Tier)
	}
}

func TestHighTierKeptBelowThreshold(t *testing.T) {
	capacity := fixedCapacity{util: map[string]float64{
		TierQueue(job.TierHigh): 0.5,
	}}
	m, _ := newTestManager(t, capacity)

	res, err := m.Add(context.Background(), "report", nil, job.TierHigh)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if res.Queue != TierQueue(job.TierHigh) {
		t.Errorf("queue = %q, want %q", res.Queue, TierQueue(job.TierHigh))
	}
}

func TestUrgentNeverSheds(t *testing.T) {
	capacity := fixedCapacity{util: map[string]float64{
		TierQueue(job.TierUrgent): 0.99,
		TierQueue(job.TierHigh):   0.99,
	}}
	m, _ := newTestManager(t, capacity)

	res, err := m.Add(context.Background(), "report", nil, job.TierUrgent)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if res.Queue != TierQueue(job.TierUrgent) {
		t.Errorf("queue = %q, want priority-urgent even when saturated", res.Queue)
	}
}

func TestLoadBalancingReportsAllTiers(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()

	if _, err := m.Add(ctx, "report", nil, job.TierNormal); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := m.PauseTier(ctx, job.TierLow); err != nil {
		t.Fatalf("PauseTier: %v", err)
	}

	report, err := m.LoadBalancing(ctx)
	if err != nil {
		t.Fatalf("LoadBalancing: %v", err)
	}
	metrics := report.Tiers
	if len(metrics) != 4 {
		t.Fatalf("got %d tiers, want 4", len(metrics))
	}
	if metrics[0].Tier != job.TierUrgent || metrics[3].Tier != job.TierLow {
		t.Errorf("tier order = %v, want URGENT first, LOW last", metrics)
	}
	for _, tm := range metrics {
		switch tm.Tier {
		case job.TierNormal:
			if tm.Counts.Waiting != 1 {
				t.Errorf("normal waiting = %d, want 1", tm.Counts.Waiting)
			}
		case job.TierLow:
			if !tm.Paused {
				t.Error("low tier not reported paused")
			}
		}
	}
}
