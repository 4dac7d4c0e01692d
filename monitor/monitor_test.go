package monitor

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stromq/strom"
	"github.com/stromq/strom/id"
	"github.com/stromq/strom/job"
	"github.com/stromq/strom/scaling"
	"github.com/stromq/strom/store/memory"
)

func newTestMonitor(t *testing.T) (*Monitor, *memory.Store) {
	t.Helper()
	store := memory.New()
	m := New(strom.DefaultConfig(), store, nil, nil, slog.New(slog.DiscardHandler))
	return m, store
}

func seedJobs(t *testing.T, store *memory.Store, queue string, state job.State, n int) []*job.Job {
	t.Helper()
	out := make([]*job.Job, 0, n)
	for range n {
		j := &job.Job{
			Entity:      strom.NewEntity(),
			ID:          id.NewJobID(),
			Type:        "test",
			Tier:        job.TierNormal,
			State:       state,
			Queue:       queue,
			MaxAttempts: 3,
			RunAt:       time.Now().UTC(),
		}
		if err := store.Enqueue(context.Background(), j); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		out = append(out, j)
	}
	return out
}

func TestQueueHealthScoreBounds(t *testing.T) {
	m, store := newTestMonitor(t)
	ctx := context.Background()

	seedJobs(t, store, "q", job.StateWaiting, 5)

	h, err := m.QueueHealth(ctx, "q")
	if err != nil {
		t.Fatalf("QueueHealth: %v", err)
	}
	if h.Score < 0 || h.Score > 100 {
		t.Errorf("score = %d, want within [0, 100]", h.Score)
	}
	if h.Level != HealthHealthy {
		t.Errorf("level = %q, want healthy for a small quiet backlog", h.Level)
	}
}

func TestQueueHealthDeductsForBacklog(t *testing.T) {
	m, store := newTestMonitor(t)
	ctx := context.Background()

	seedJobs(t, store, "q", job.StateWaiting, 150) // above the 100 backlog cap

	h, err := m.QueueHealth(ctx, "q")
	if err != nil {
		t.Fatalf("QueueHealth: %v", err)
	}
	if h.Score > 85 {
		t.Errorf("score = %d, want backlog deduction applied", h.Score)
	}
	if len(h.Issues) == 0 {
		t.Error("want a backlog issue reported")
	}
	if len(h.Recommendations) != len(h.Issues) {
		t.Errorf("recommendations = %d for %d issues, want one per issue", len(h.Recommendations), len(h.Issues))
	}
}

func TestPausedQueueNeverHealthy(t *testing.T) {
	m, store := newTestMonitor(t)
	ctx := context.Background()

	seedJobs(t, store, "q", job.StateCompleted, 3)
	if err := store.Pause(ctx, "q"); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	h, err := m.QueueHealth(ctx, "q")
	if err != nil {
		t.Fatalf("QueueHealth: %v", err)
	}
	if h.Level == HealthHealthy {
		t.Errorf("level = healthy for a paused queue, want warning at best")
	}
	if len(h.Recommendations) == 0 {
		t.Error("want a recommendation to resume the paused queue")
	}
}

func TestSampleAndHistoryCap(t *testing.T) {
	m, store := newTestMonitor(t)
	ctx := context.Background()

	seedJobs(t, store, "q", job.StateWaiting, 2)
	for range 5 {
		if _, err := m.Sample(ctx); err != nil {
			t.Fatalf("Sample: %v", err)
		}
	}
	if got := len(m.History()); got != 5 {
		t.Errorf("history length = %d, want 5", got)
	}

	snap, err := m.CurrentMetrics(ctx)
	if err != nil {
		t.Fatalf("CurrentMetrics: %v", err)
	}
	if len(snap.Queues) != 1 || snap.Queues[0].Queue != "q" {
		t.Errorf("snapshot queues = %+v, want one entry for q", snap.Queues)
	}
	if snap.Queues[0].Counts.Waiting != 2 {
		t.Errorf("waiting = %d, want 2", snap.Queues[0].Counts.Waiting)
	}

	// The cap drops the oldest entries.
	m.mu.Lock()
	for range maxHistory + 7 {
		m.history = append(m.history, Snapshot{At: time.Now().UTC()})
	}
	if len(m.history) > 0 {
		m.history = m.history[len(m.history)-maxHistory:]
	}
	got := len(m.history)
	m.mu.Unlock()
	if got != maxHistory {
		t.Errorf("history length = %d, want capped at %d", got, maxHistory)
	}
}

func TestStatisticsSuccessRate(t *testing.T) {
	m, store := newTestMonitor(t)
	ctx := context.Background()

	seedJobs(t, store, "q", job.StateCompleted, 8)
	seedJobs(t, store, "q", job.StateFailed, 2)

	st, err := m.Statistics(ctx, "q")
	if err != nil {
		t.Fatalf("Statistics: %v", err)
	}
	if st.SuccessRate != 0.8 {
		t.Errorf("success rate = %.2f, want 0.80", st.SuccessRate)
	}
	if st.Total != 10 {
		t.Errorf("total = %d, want 10", st.Total)
	}
	if st.ByType["test"] != 10 {
		t.Errorf("by-type count = %d, want 10", st.ByType["test"])
	}
}

func TestPerformanceTrends(t *testing.T) {
	m, _ := newTestMonitor(t)

	base := time.Now().UTC().Add(-10 * time.Minute)
	m.mu.Lock()
	for i := range 5 {
		m.history = append(m.history, Snapshot{
			At: base.Add(time.Duration(i) * time.Minute),
			Queues: []QueueSnapshot{{
				Queue:  "q",
				Counts: job.Counts{Waiting: int64(10 + i*10)},
				Perf: scaling.PerfStats{
					Throughput:    5 - float64(i),
					FailureRate:   0.05 * float64(i),
					AvgProcessing: time.Duration(i) * time.Second,
				},
			}},
		})
	}
	m.mu.Unlock()

	trend := m.PerformanceTrends("q", time.Hour)
	if trend.Direction != TrendDegrading {
		t.Errorf("direction = %q, want degrading for a growing backlog", trend.Direction)
	}
	if trend.Slope <= 0 {
		t.Errorf("slope = %.2f, want positive", trend.Slope)
	}
	if trend.ThroughputSlope >= 0 {
		t.Errorf("throughput slope = %.2f, want negative", trend.ThroughputSlope)
	}
	if trend.FailureRateSlope <= 0 {
		t.Errorf("failure rate slope = %.3f, want positive", trend.FailureRateSlope)
	}
	if trend.AvgProcessingSlope <= 0 {
		t.Errorf("processing slope = %.2f, want positive", trend.AvgProcessingSlope)
	}
	if trend.Samples != 5 {
		t.Errorf("samples = %d, want 5", trend.Samples)
	}

	flat := m.PerformanceTrends("unknown", time.Hour)
	if flat.Direction != TrendStable || flat.Samples != 0 {
		t.Errorf("unknown queue trend = %+v, want stable with no samples", flat)
	}
}

func TestFailureAnalysisGroupsByError(t *testing.T) {
	m, store := newTestMonitor(t)
	ctx := context.Background()

	for i, msg := range []string{"smtp timeout", "smtp timeout", "smtp timeout", "bad payload", ""} {
		j := &job.Job{
			Entity:      strom.NewEntity(),
			ID:          id.NewJobID(),
			Type:        "email",
			Tier:        job.TierNormal,
			State:       job.StateFailed,
			Queue:       "q",
			LastError:   msg,
			MaxAttempts: 3,
			RunAt:       time.Now().UTC().Add(time.Duration(i) * time.Millisecond),
		}
		if err := store.Enqueue(ctx, j); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	groups, err := m.FailureAnalysis(ctx, "q", 0)
	if err != nil {
		t.Fatalf("FailureAnalysis: %v", err)
	}
	if len(groups) != 3 {
		t.Fatalf("got %d groups, want 3", len(groups))
	}
	if groups[0].Error != "smtp timeout" || groups[0].Count != 3 {
		t.Errorf("top group = %+v, want smtp timeout ×3", groups[0])
	}
	for _, g := range groups {
		if g.Error == "" {
			t.Error("empty error message not normalized")
		}
	}
}
