package monitor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/stromq/strom/job"
)

// statsSampleLimit bounds how many recent jobs feed the per-type
// breakdown in Statistics.
const statsSampleLimit = 500

// Stats summarizes job outcomes for one queue.
type Stats struct {
	Queue       string         `json:"queue"`
	Counts      job.Counts     `json:"counts"`
	Total       int64          `json:"total"`
	SuccessRate float64        `json:"success_rate"`
	ByType      map[string]int `json:"by_type,omitempty"`
}

// Statistics aggregates state counts and a per-type breakdown sampled
// from the most recent jobs. SuccessRate is completed over finished;
// a queue with no finished jobs reads as 1.0.
func (m *Monitor) Statistics(ctx context.Context, queue string) (*Stats, error) {
	counts, err := m.store.Counts(ctx, queue)
	if err != nil {
		return nil, fmt.Errorf("counts for queue %q: %w", queue, err)
	}

	st := &Stats{
		Queue:       queue,
		Counts:      counts,
		Total:       counts.Waiting + counts.Active + counts.Completed + counts.Failed + counts.Delayed,
		SuccessRate: 1,
	}
	if finished := counts.Completed + counts.Failed; finished > 0 {
		st.SuccessRate = float64(counts.Completed) / float64(finished)
	}

	jobs, err := m.store.List(ctx, job.ListOpts{Queue: queue, Limit: statsSampleLimit})
	if err != nil {
		return nil, fmt.Errorf("list jobs for queue %q: %w", queue, err)
	}
	if len(jobs) > 0 {
		st.ByType = make(map[string]int, 8)
		for _, j := range jobs {
			st.ByType[j.Type]++
		}
	}
	return st, nil
}

// TrendDirection classifies a backlog slope.
type TrendDirection string

const (
	TrendImproving TrendDirection = "improving"
	TrendStable    TrendDirection = "stable"
	TrendDegrading TrendDirection = "degrading"
)

// Trend is one queue's performance movement over recent snapshots.
// Slopes are per-minute changes fitted by least squares: backlog in
// jobs, throughput in jobs/s, failure rate as a fraction, and
// processing time in seconds.
type Trend struct {
	Queue              string         `json:"queue"`
	Direction          TrendDirection `json:"direction"`
	Slope              float64        `json:"slope"`
	ThroughputSlope    float64        `json:"throughput_slope"`
	FailureRateSlope   float64        `json:"failure_rate_slope"`
	AvgProcessingSlope float64        `json:"avg_processing_slope"`
	Samples            int            `json:"samples"`
}

// slope fits a least-squares line through (x, y) points and returns its
// gradient. Returns zero for degenerate inputs.
func slope(xs, ys []float64) float64 {
	var sumX, sumY, sumXY, sumXX float64
	for i := range xs {
		sumX += xs[i]
		sumY += ys[i]
		sumXY += xs[i] * ys[i]
		sumXX += xs[i] * xs[i]
	}
	n := float64(len(xs))
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}

// PerformanceTrends fits least-squares lines through the queue's
// backlog, throughput, failure rate, and processing time across
// snapshots within the window. Direction follows the backlog line: a
// rising backlog reads as degrading, a falling one as improving.
// Fewer than two samples always read as stable.
func (m *Monitor) PerformanceTrends(queue string, window time.Duration) Trend {
	cutoff := time.Now().UTC().Add(-window)

	m.mu.Lock()
	var xs, backlog, throughput, failRate, avgProc []float64
	var base time.Time
	for _, snap := range m.history {
		if snap.At.Before(cutoff) {
			continue
		}
		for _, qs := range snap.Queues {
			if qs.Queue != queue {
				continue
			}
			if base.IsZero() {
				base = snap.At
			}
			xs = append(xs, snap.At.Sub(base).Minutes())
			backlog = append(backlog, float64(qs.Counts.Backlog()))
			throughput = append(throughput, qs.Perf.Throughput)
			failRate = append(failRate, qs.Perf.FailureRate)
			avgProc = append(avgProc, qs.Perf.AvgProcessing.Seconds())
		}
	}
	m.mu.Unlock()

	t := Trend{Queue: queue, Direction: TrendStable, Samples: len(xs)}
	if len(xs) < 2 {
		return t
	}

	t.Slope = slope(xs, backlog)
	t.ThroughputSlope = slope(xs, throughput)
	t.FailureRateSlope = slope(xs, failRate)
	t.AvgProcessingSlope = slope(xs, avgProc)

	// Backlog drift under half a job per minute is noise.
	switch {
	case t.Slope > 0.5:
		t.Direction = TrendDegrading
	case t.Slope < -0.5:
		t.Direction = TrendImproving
	}
	return t
}

// FailureGroup is a set of failed jobs sharing one error message.
type FailureGroup struct {
	Error    string   `json:"error"`
	Count    int      `json:"count"`
	JobTypes []string `json:"job_types"`
}

// FailureAnalysis groups failed jobs in the queue by their last error
// message, most frequent first.
func (m *Monitor) FailureAnalysis(ctx context.Context, queue string, limit int) ([]FailureGroup, error) {
	if limit <= 0 {
		limit = statsSampleLimit
	}

	jobs, err := m.store.List(ctx, job.ListOpts{Queue: queue, State: job.StateFailed, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("list failed jobs for queue %q: %w", queue, err)
	}

	byError := make(map[string]*FailureGroup)
	types := make(map[string]map[string]struct{})
	for _, j := range jobs {
		msg := j.LastError
		if msg == "" {
			msg = "unknown error"
		}
		g, ok := byError[msg]
		if !ok {
			g = &FailureGroup{Error: msg}
			byError[msg] = g
			types[msg] = make(map[string]struct{})
		}
		g.Count++
		types[msg][j.Type] = struct{}{}
	}

	out := make([]FailureGroup, 0, len(byError))
	for msg, g := range byError {
		for t := range types[msg] {
			g.JobTypes = append(g.JobTypes, t)
		}
		sort.Strings(g.JobTypes)
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Error < out[j].Error
	})
	return out, nil
}
