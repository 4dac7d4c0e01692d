// Package priority implements tier-based job submission: each priority
// tier owns a dedicated queue with worker defaults derived from the
// tier's weight, plus load-shedding and per-tier balancing metrics.
package priority

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/stromq/strom"
	"github.com/stromq/strom/job"
	"github.com/stromq/strom/queue"
	"github.com/stromq/strom/scaling"
)

// CapacityProvider reports demand over capacity for a queue. Satisfied
// by the scaling controller.
type CapacityProvider interface {
	Utilization(ctx context.Context, queue string) (float64, error)
}

// PerfProvider reports rolling execution statistics for a queue. The
// scaling controller satisfies it; LoadBalancing detects it by type
// assertion on the capacity provider.
type PerfProvider interface {
	Perf(queue string) scaling.PerfStats
}

// TierQueue returns the dedicated queue name for a tier, e.g.
// "priority-urgent". HIGH and LOW map onto the shared routing queues.
func TierQueue(tier job.Tier) string {
	return "priority-" + strings.ToLower(string(tier))
}

// TierDefaults are the worker-pool settings derived for one tier.
type TierDefaults struct {
	Workers     int           `json:"workers"`
	Concurrency int           `json:"concurrency"`
	MaxAttempts int           `json:"max_attempts"`
	Backoff     time.Duration `json:"backoff"`
	MinWorkers  int           `json:"min_workers"`
	MaxWorkers  int           `json:"max_workers"`
}

// Defaults derives tier pool settings from the tier weight and the
// configured baseline worker count. Heavier tiers get more workers,
// more concurrency, more attempts, and shorter backoff.
func Defaults(tier job.Tier, baseline int) TierDefaults {
	if baseline <= 0 {
		baseline = strom.DefaultConfig().BaselineWorkers
	}
	w := tier.Weight()
	workers := int(math.Ceil(float64(baseline*w) / 2))
	if workers < 1 {
		workers = 1
	}
	return TierDefaults{
		Workers:     workers,
		Concurrency: 2 + 2*w,
		MaxAttempts: w + 1,
		Backoff:     time.Duration(5-w) * time.Second,
		MinWorkers:  1,
		MaxWorkers:  workers * 5,
	}
}

// Manager routes tier-tagged submissions to per-tier queues and sheds
// HIGH load to NORMAL when the high-tier queue is saturated.
type Manager struct {
	queues   *queue.Manager
	capacity CapacityProvider
	sampler  scaling.ResourceSampler
	cfg      strom.Config
	logger   *slog.Logger
}

// Option configures the manager.
type Option func(*Manager)

// WithSampler sets the host resource sampler used for the system-wide
// snapshot in LoadBalancing.
func WithSampler(s scaling.ResourceSampler) Option {
	return func(m *Manager) { m.sampler = s }
}

// NewManager creates a priority manager. capacity may be nil, which
// disables load shedding.
func NewManager(queues *queue.Manager, capacity CapacityProvider, cfg strom.Config, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		queues:   queues,
		capacity: capacity,
		sampler:  scaling.NoopSampler{},
		cfg:      cfg.WithDefaults(),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Add submits a job to the dedicated queue of the given tier. HIGH
// submissions are demoted to NORMAL when the high-tier queue's
// utilization is above the scale-up threshold, so urgent work keeps
// headroom.
func (m *Manager) Add(ctx context.Context, jobType string, payload []byte, tier job.Tier, opts ...job.Option) (*queue.AddResult, error) {
	if !tier.Valid() {
		return nil, fmt.Errorf("%w: unknown priority tier %q", strom.ErrValidation, tier)
	}

	effective := tier
	if tier == job.TierHigh && m.shedHigh(ctx) {
		effective = job.TierNormal
		m.logger.Info("high tier saturated; demoting submission to normal",
			slog.String("job_type", jobType),
		)
	}

	defaults := Defaults(effective, m.cfg.BaselineWorkers)
	merged := make([]job.Option, 0, len(opts)+4)
	merged = append(merged,
		job.WithTier(effective),
		job.WithQueue(TierQueue(effective)),
		job.WithMaxAttempts(defaults.MaxAttempts),
		job.WithBackoff(job.BackoffExponential, defaults.Backoff),
	)
	merged = append(merged, opts...)

	return m.queues.Add(ctx, jobType, payload, merged...)
}

// shedHigh reports whether the high-tier queue is above the scale-up
// threshold. Errors (including an unregistered pool) disable shedding.
func (m *Manager) shedHigh(ctx context.Context) bool {
	if m.capacity == nil {
		return false
	}
	util, err := m.capacity.Utilization(ctx, TierQueue(job.TierHigh))
	if err != nil {
		if !errors.Is(err, strom.ErrQueueNotFound) {
			m.logger.Warn("utilization check failed; load shedding disabled",
				slog.String("error", err.Error()),
			)
		}
		return false
	}
	return util > m.cfg.ScaleUpThreshold
}

// TierMetrics summarizes one tier's queue for load balancing views.
// EstimatedWait is the backlog drained at the observed throughput; it
// reads zero when no throughput has been observed.
type TierMetrics struct {
	Tier          job.Tier      `json:"tier"`
	Weight        int           `json:"weight"`
	Queue         string        `json:"queue"`
	Counts        job.Counts    `json:"counts"`
	Utilization   float64       `json:"utilization"`
	Throughput    float64       `json:"throughput"`
	EstimatedWait time.Duration `json:"estimated_wait"`
	Paused        bool          `json:"paused"`
}

// Report is the full load-balancing view: all four tiers, highest
// weight first, plus a system-wide resource snapshot.
type Report struct {
	Tiers     []TierMetrics          `json:"tiers"`
	Resources scaling.ResourceSample `json:"resources"`
}

// LoadBalancing reports per-tier queue metrics for all four tiers,
// highest weight first, with a host resource snapshot.
func (m *Manager) LoadBalancing(ctx context.Context) (*Report, error) {
	perf, _ := m.capacity.(PerfProvider)

	report := &Report{Tiers: make([]TierMetrics, 0, 4)}
	for _, tier := range job.Tiers() {
		name := TierQueue(tier)
		metrics, err := m.queues.QueueMetrics(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("metrics for tier %s: %w", tier, err)
		}

		tm := TierMetrics{Tier: tier, Weight: tier.Weight(), Queue: name}
		if len(metrics) > 0 {
			tm.Counts = metrics[0].Counts
			tm.Paused = metrics[0].Paused
		}
		if m.capacity != nil {
			if util, uErr := m.capacity.Utilization(ctx, name); uErr == nil {
				tm.Utilization = util
			}
		}
		if perf != nil {
			stats := perf.Perf(name)
			tm.Throughput = stats.Throughput
			if stats.Throughput > 0 {
				waitSecs := float64(tm.Counts.Waiting) / stats.Throughput
				tm.EstimatedWait = time.Duration(waitSecs * float64(time.Second))
			}
		}
		report.Tiers = append(report.Tiers, tm)
	}

	if res, err := m.sampler.Sample(ctx); err == nil {
		report.Resources = res
	}
	return report, nil
}

// PauseTier stops claiming on the tier's queue.
func (m *Manager) PauseTier(ctx context.Context, tier job.Tier) error {
	if !tier.Valid() {
		return fmt.Errorf("%w: unknown priority tier %q", strom.ErrInvalidArgument, tier)
	}
	return m.queues.Pause(ctx, TierQueue(tier))
}

// ResumeTier re-enables claiming on the tier's queue.
func (m *Manager) ResumeTier(ctx context.Context, tier job.Tier) error {
	if !tier.Valid() {
		return fmt.Errorf("%w: unknown priority tier %q", strom.ErrInvalidArgument, tier)
	}
	return m.queues.Resume(ctx, TierQueue(tier))
}
