package scaling

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stromq/strom"
	"github.com/stromq/strom/hooks"
	"github.com/stromq/strom/id"
	"github.com/stromq/strom/job"
	"github.com/stromq/strom/store/memory"
)

func newTestController(t *testing.T, store job.Store, poolCfg PoolConfig) *Controller {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	hookReg := hooks.NewRegistry(logger)

	c := NewController(strom.DefaultConfig(), store, NoopSampler{}, logger)
	c.AddPool(NewPool(poolCfg, testFactory(store, logger, hookReg), hookReg, logger))
	return c
}

func enqueueWaiting(t *testing.T, store job.Store, queue string, n int) {
	t.Helper()
	for range n {
		j := &job.Job{
			Entity:      strom.NewEntity(),
			ID:          id.NewJobID(),
			Type:        "test",
			Tier:        job.TierNormal,
			State:       job.StateWaiting,
			Queue:       queue,
			MaxAttempts: 3,
			RunAt:       time.Now().UTC(),
		}
		if err := store.Enqueue(context.Background(), j); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
}

func TestEvaluateScalesUpUnderLoad(t *testing.T) {
	store := memory.New()
	c := newTestController(t, store, PoolConfig{Queue: "q", Min: 1, Max: 10, Initial: 2, Concurrency: 1})
	enqueueWaiting(t, store, "q", 20)

	p := c.Pool("q")
	if err := c.evaluate(context.Background(), p); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	// ceil(2 × 0.5) = 1 extra worker.
	if got := p.Size(); got != 3 {
		t.Errorf("size after scale-up = %d, want 3", got)
	}
}

func TestNoScaleUpBelowThresholdWithDegradedScore(t *testing.T) {
	store := memory.New()
	c := newTestController(t, store, PoolConfig{Queue: "q", Min: 1, Max: 10, Initial: 2, Concurrency: 5})
	// 6 waiting against capacity 10 is utilization 0.60.
	enqueueWaiting(t, store, "q", 6)
	for range 5 {
		c.tracker.record("q", time.Second, true)
	}

	p := c.Pool("q")
	if err := c.evaluate(context.Background(), p); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if got := p.Size(); got != 2 {
		t.Errorf("size = %d, want unchanged 2 at utilization 0.60", got)
	}
}

func TestScaleDownBlockedByDegradedScore(t *testing.T) {
	store := memory.New()
	c := newTestController(t, store, PoolConfig{Queue: "q", Min: 1, Max: 10, Initial: 4, Concurrency: 1})
	c.tracker.record("q", time.Second, true)

	p := c.Pool("q")
	if err := c.evaluate(context.Background(), p); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if got := p.Size(); got != 4 {
		t.Errorf("size = %d, want 4 kept while the pool is degraded", got)
	}
}

func TestScaleUpCooldownBlocksConsecutiveGrowth(t *testing.T) {
	store := memory.New()
	c := newTestController(t, store, PoolConfig{Queue: "q", Min: 1, Max: 10, Initial: 2, Concurrency: 1})
	enqueueWaiting(t, store, "q", 50)

	p := c.Pool("q")
	ctx := context.Background()
	if err := c.evaluate(ctx, p); err != nil {
		t.Fatalf("first evaluate: %v", err)
	}
	size := p.Size()
	if err := c.evaluate(ctx, p); err != nil {
		t.Fatalf("second evaluate: %v", err)
	}
	if got := p.Size(); got != size {
		t.Errorf("size grew to %d during cooldown, want %d", got, size)
	}
}

func TestEvaluateScalesDownWhenIdle(t *testing.T) {
	store := memory.New()
	c := newTestController(t, store, PoolConfig{Queue: "q", Min: 1, Max: 10, Initial: 4, Concurrency: 1})

	p := c.Pool("q")
	if err := c.evaluate(context.Background(), p); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	// ceil(4 × 0.3) = 2 workers removed.
	if got := p.Size(); got != 2 {
		t.Errorf("size after scale-down = %d, want 2", got)
	}
}

func TestScaleUpSuppressedByResourceCeiling(t *testing.T) {
	store := memory.New()
	logger := slog.New(slog.DiscardHandler)
	hookReg := hooks.NewRegistry(logger)

	c := NewController(strom.DefaultConfig(), store, fixedSampler{cpu: 95}, logger)
	c.AddPool(NewPool(
		PoolConfig{Queue: "q", Min: 1, Max: 10, Initial: 2, Concurrency: 1},
		testFactory(store, logger, hookReg), hookReg, logger,
	))
	enqueueWaiting(t, store, "q", 20)

	p := c.Pool("q")
	if err := c.evaluate(context.Background(), p); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if got := p.Size(); got != 2 {
		t.Errorf("size = %d, want unchanged 2 under resource pressure", got)
	}
}

type fixedSampler struct{ cpu, mem float64 }

func (s fixedSampler) Sample(context.Context) (ResourceSample, error) {
	return ResourceSample{CPUPercent: s.cpu, MemoryPercent: s.mem}, nil
}

func TestManualScale(t *testing.T) {
	store := memory.New()
	c := newTestController(t, store, PoolConfig{Queue: "q", Min: 1, Max: 5, Initial: 2, Concurrency: 1})
	ctx := context.Background()

	if err := c.ManualScale(ctx, "missing", 3); !errors.Is(err, strom.ErrQueueNotFound) {
		t.Errorf("ManualScale unknown queue err = %v, want ErrQueueNotFound", err)
	}
	if err := c.ManualScale(ctx, "q", 9); !errors.Is(err, strom.ErrInvalidArgument) {
		t.Errorf("ManualScale above max err = %v, want ErrInvalidArgument", err)
	}
	if err := c.ManualScale(ctx, "q", 5); err != nil {
		t.Fatalf("ManualScale: %v", err)
	}
	if got := c.Pool("q").Size(); got != 5 {
		t.Errorf("size = %d, want 5", got)
	}
}

func TestPerfScoreDegradation(t *testing.T) {
	c := NewController(strom.DefaultConfig(), memory.New(), NoopSampler{}, slog.New(slog.DiscardHandler))

	backlog := job.Counts{Waiting: 10}
	tests := []struct {
		name string
		perf PerfStats
		want float64
	}{
		{"no samples", PerfStats{}, 1.0},
		{"healthy", PerfStats{Completed: 100, AvgProcessing: time.Second, Throughput: 5}, 1.0},
		{"slow processing", PerfStats{Completed: 10, AvgProcessing: 2 * time.Minute, Throughput: 5}, 0.7},
		{"failing", PerfStats{Completed: 5, Failed: 5, FailureRate: 0.5, AvgProcessing: time.Second, Throughput: 5}, 0.6},
		{"starved", PerfStats{Completed: 1, AvgProcessing: time.Second, Throughput: 0.1}, 0.8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.perfScore(tt.perf, backlog)
			if got != tt.want {
				t.Errorf("perfScore = %.2f, want %.2f", got, tt.want)
			}
		})
	}
}

func TestStatusReportsHealthAndEvents(t *testing.T) {
	store := memory.New()
	c := newTestController(t, store, PoolConfig{Queue: "q", Min: 1, Max: 3, Initial: 1, Concurrency: 1})
	ctx := context.Background()

	enqueueWaiting(t, store, "q", 200)
	for _, target := range []int{2, 3, 2, 3, 2, 3} {
		if err := c.ManualScale(ctx, "q", target); err != nil {
			t.Fatalf("ManualScale: %v", err)
		}
	}

	status, err := c.Status(ctx, "q")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if len(status.RecentEvents) != 5 {
		t.Errorf("recent events = %d, want 5", len(status.RecentEvents))
	}
	if status.HealthScore < 0 || status.HealthScore > 100 {
		t.Errorf("health score = %d, want within [0, 100]", status.HealthScore)
	}
	// 200 waiting against capacity 3 is saturated and over the backlog cap.
	if status.HealthScore > 100-20-15 {
		t.Errorf("health score = %d, want deductions applied", status.HealthScore)
	}
	if len(status.Recommendation) == 0 {
		t.Error("want at least one recommendation for a saturated pool")
	}

	if _, err := c.Status(ctx, "missing"); !errors.Is(err, strom.ErrQueueNotFound) {
		t.Errorf("Status unknown queue err = %v, want ErrQueueNotFound", err)
	}
}

func TestStatusAllRollsUpAcrossPools(t *testing.T) {
	store := memory.New()
	logger := slog.New(slog.DiscardHandler)
	hookReg := hooks.NewRegistry(logger)

	c := NewController(strom.DefaultConfig(), store, NoopSampler{}, logger)
	for _, q := range []string{"alpha", "beta"} {
		cfg := PoolConfig{Queue: q, Min: 1, Max: 5, Initial: 1, Concurrency: 1}
		c.AddPool(NewPool(cfg, testFactory(store, logger, hookReg), hookReg, logger))
	}

	c.tracker.record("alpha", 100*time.Millisecond, false)
	c.tracker.record("alpha", 100*time.Millisecond, false)
	c.tracker.record("beta", 200*time.Millisecond, true)

	report, err := c.StatusAll(context.Background())
	if err != nil {
		t.Fatalf("StatusAll: %v", err)
	}
	if len(report.Pools) != 2 {
		t.Fatalf("pools = %d, want 2", len(report.Pools))
	}
	if report.Pools[0].Queue != "alpha" || report.Pools[1].Queue != "beta" {
		t.Errorf("pool order = %s, %s, want alpha, beta", report.Pools[0].Queue, report.Pools[1].Queue)
	}

	// One failure out of three finished jobs.
	want := 1.0 / 3.0
	if diff := report.Overall.FailureRate - want; diff > 0.001 || diff < -0.001 {
		t.Errorf("overall failure rate = %.3f, want %.3f", report.Overall.FailureRate, want)
	}
	if report.Overall.HealthScore >= 100 {
		t.Errorf("health = %d, want a deduction for the failure rate", report.Overall.HealthScore)
	}
	if len(report.Overall.Recommendations) == 0 {
		t.Error("want at least one recommendation for the failure rate breach")
	}
	if report.Overall.AvgProcessing != 100*time.Millisecond {
		t.Errorf("avg processing = %s, want 100ms (completion-weighted)", report.Overall.AvgProcessing)
	}
}
