package scaling

import (
	"sync"
	"time"
)

// perfWindow is the rolling window over which per-queue performance
// statistics are computed.
const perfWindow = 5 * time.Minute

type perfSample struct {
	at      time.Time
	elapsed time.Duration
	failed  bool
}

// PerfStats summarizes recent execution performance for one queue.
type PerfStats struct {
	Completed     int           `json:"completed"`
	Failed        int           `json:"failed"`
	AvgProcessing time.Duration `json:"avg_processing"`
	FailureRate   float64       `json:"failure_rate"`
	// Throughput is finished jobs per second over the window.
	Throughput float64 `json:"throughput"`
}

// perfTracker accumulates per-queue execution samples from lifecycle
// hooks and serves windowed statistics to the controller.
type perfTracker struct {
	mu      sync.Mutex
	samples map[string][]perfSample
}

func newPerfTracker() *perfTracker {
	return &perfTracker{samples: make(map[string][]perfSample)}
}

func (t *perfTracker) record(queue string, elapsed time.Duration, failed bool) {
	now := time.Now().UTC()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.samples[queue] = append(t.pruneLocked(queue, now), perfSample{
		at:      now,
		elapsed: elapsed,
		failed:  failed,
	})
}

// stats computes windowed performance numbers for the queue.
func (t *perfTracker) stats(queue string) PerfStats {
	now := time.Now().UTC()
	t.mu.Lock()
	defer t.mu.Unlock()

	samples := t.pruneLocked(queue, now)
	t.samples[queue] = samples

	var out PerfStats
	if len(samples) == 0 {
		return out
	}

	var total time.Duration
	for _, s := range samples {
		if s.failed {
			out.Failed++
		} else {
			out.Completed++
		}
		total += s.elapsed
	}

	finished := out.Completed + out.Failed
	out.AvgProcessing = total / time.Duration(finished)
	out.FailureRate = float64(out.Failed) / float64(finished)
	out.Throughput = float64(finished) / perfWindow.Seconds()
	return out
}

func (t *perfTracker) pruneLocked(queue string, now time.Time) []perfSample {
	samples := t.samples[queue]
	cutoff := now.Add(-perfWindow)
	idx := 0
	for idx < len(samples) && samples[idx].at.Before(cutoff) {
		idx++
	}
	return samples[idx:]
}
