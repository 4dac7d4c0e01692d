// Package monitor implements periodic queue sampling, health scoring,
// and analysis views (statistics, trends, failure grouping) over the
// durable store and the scaling controller.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/stromq/strom"
	"github.com/stromq/strom/job"
	"github.com/stromq/strom/scaling"
)

// maxHistory caps retained snapshots.
const maxHistory = 1000

// QueueSnapshot is one queue's sampled state.
type QueueSnapshot struct {
	Queue       string            `json:"queue"`
	Counts      job.Counts        `json:"counts"`
	Paused      bool              `json:"paused"`
	Workers     int               `json:"workers"`
	Utilization float64           `json:"utilization"`
	Perf        scaling.PerfStats `json:"perf"`
}

// Snapshot is one sampling pass over all queues.
type Snapshot struct {
	At        time.Time              `json:"at"`
	Queues    []QueueSnapshot        `json:"queues"`
	Resources scaling.ResourceSample `json:"resources"`
}

// HealthLevel classifies a queue health score.
type HealthLevel string

const (
	HealthHealthy  HealthLevel = "healthy"
	HealthWarning  HealthLevel = "warning"
	HealthCritical HealthLevel = "critical"
)

// Health is the scored health report for one queue. Each issue carries
// a matching recommendation.
type Health struct {
	Queue           string      `json:"queue"`
	Score           int         `json:"score"`
	Level           HealthLevel `json:"level"`
	Issues          []string    `json:"issues,omitempty"`
	Recommendations []string    `json:"recommendations,omitempty"`
}

// Monitor samples queue state on an interval and serves health and
// analysis queries. The controller is optional; without it worker
// counts and performance statistics read as zero.
type Monitor struct {
	cfg        strom.Config
	store      job.Store
	controller *scaling.Controller
	sampler    scaling.ResourceSampler
	logger     *slog.Logger

	mu      sync.Mutex
	history []Snapshot

	runMu   sync.Mutex
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

// New creates a monitor. A nil sampler reads all resources as zero.
func New(cfg strom.Config, store job.Store, controller *scaling.Controller, sampler scaling.ResourceSampler, logger *slog.Logger) *Monitor {
	if sampler == nil {
		sampler = scaling.NoopSampler{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		cfg:        cfg.WithDefaults(),
		store:      store,
		controller: controller,
		sampler:    sampler,
		logger:     logger,
	}
}

// Start launches the sampling loop. Calling Start while running
// restarts the loop.
func (m *Monitor) Start() {
	m.runMu.Lock()
	if m.running {
		close(m.stopCh)
		m.runMu.Unlock()
		m.wg.Wait()
		m.runMu.Lock()
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.runMu.Unlock()

	m.wg.Add(1)
	go m.loop()
}

// Stop halts the sampling loop. History is retained.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	if !m.running {
		m.runMu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.runMu.Unlock()

	m.wg.Wait()
}

func (m *Monitor) loop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			if _, err := m.Sample(context.Background()); err != nil {
				m.logger.Warn("monitor sample failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Sample takes one snapshot of all known queues and appends it to the
// retained history.
func (m *Monitor) Sample(ctx context.Context) (*Snapshot, error) {
	names, err := m.store.Queues(ctx)
	if err != nil {
		return nil, fmt.Errorf("list queues: %w", err)
	}

	snap := Snapshot{At: time.Now().UTC()}
	for _, name := range names {
		qs, qErr := m.sampleQueue(ctx, name)
		if qErr != nil {
			return nil, qErr
		}
		snap.Queues = append(snap.Queues, qs)
	}

	if res, rErr := m.sampler.Sample(ctx); rErr == nil {
		snap.Resources = res
	}

	m.mu.Lock()
	m.history = append(m.history, snap)
	if len(m.history) > maxHistory {
		m.history = m.history[len(m.history)-maxHistory:]
	}
	m.mu.Unlock()

	return &snap, nil
}

func (m *Monitor) sampleQueue(ctx context.Context, name string) (QueueSnapshot, error) {
	counts, err := m.store.Counts(ctx, name)
	if err != nil {
		return QueueSnapshot{}, fmt.Errorf("counts for queue %q: %w", name, err)
	}
	paused, err := m.store.IsPaused(ctx, name)
	if err != nil {
		return QueueSnapshot{}, fmt.Errorf("paused flag for queue %q: %w", name, err)
	}

	qs := QueueSnapshot{Queue: name, Counts: counts, Paused: paused}
	if m.controller != nil {
		qs.Perf = m.controller.Perf(name)
		if p := m.controller.Pool(name); p != nil {
			qs.Workers = p.Size()
			if util, uErr := m.controller.Utilization(ctx, name); uErr == nil {
				qs.Utilization = util
			}
		}
	}
	return qs, nil
}

// CurrentMetrics returns the latest snapshot, sampling on demand when
// no history exists yet.
func (m *Monitor) CurrentMetrics(ctx context.Context) (*Snapshot, error) {
	m.mu.Lock()
	if n := len(m.history); n > 0 {
		snap := m.history[n-1]
		m.mu.Unlock()
		return &snap, nil
	}
	m.mu.Unlock()
	return m.Sample(ctx)
}

// History returns retained snapshots, oldest first.
func (m *Monitor) History() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, len(m.history))
	copy(out, m.history)
	return out
}

// QueueHealth scores one queue from 100 down through fixed deductions:
// failure rate over threshold −20, waiting depth over the backlog cap
// −15, slow average processing −10, paused −30, low throughput with a
// nonzero backlog −15. Every deduction records an issue and a matching
// recommendation. The score floors at 0. Level cutoffs: healthy
// ≥ 80, warning ≥ 60, otherwise critical; a paused queue never reads
// healthy.
func (m *Monitor) QueueHealth(ctx context.Context, name string) (*Health, error) {
	counts, err := m.store.Counts(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("counts for queue %q: %w", name, err)
	}
	paused, err := m.store.IsPaused(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("paused flag for queue %q: %w", name, err)
	}

	h := &Health{Queue: name, Score: 100}

	var perf scaling.PerfStats
	if m.controller != nil {
		perf = m.controller.Perf(name)
	}

	if perf.FailureRate > m.cfg.MaxFailureRate {
		h.Score -= 20
		h.Issues = append(h.Issues, fmt.Sprintf("failure rate %.0f%% above %.0f%%", perf.FailureRate*100, m.cfg.MaxFailureRate*100))
		h.Recommendations = append(h.Recommendations, "inspect recent failures and fix or pause the failing job types")
	}
	if counts.Waiting > int64(m.cfg.MaxBacklog) {
		h.Score -= 15
		h.Issues = append(h.Issues, fmt.Sprintf("backlog %d exceeds %d", counts.Waiting, m.cfg.MaxBacklog))
		h.Recommendations = append(h.Recommendations, "add workers or raise the pool maximum to drain the backlog")
	}
	if perf.AvgProcessing > m.cfg.MaxAvgProcessingTime {
		h.Score -= 10
		h.Issues = append(h.Issues, fmt.Sprintf("average processing time %s above %s",
			perf.AvgProcessing.Round(time.Millisecond), m.cfg.MaxAvgProcessingTime))
		h.Recommendations = append(h.Recommendations, "profile slow handlers or split large payloads into smaller jobs")
	}
	if paused {
		h.Score -= 30
		h.Issues = append(h.Issues, "queue is paused")
		h.Recommendations = append(h.Recommendations, "resume the queue once the pause reason is resolved")
	}
	if perf.Throughput < m.cfg.MinThroughput && counts.Backlog() > 0 {
		h.Score -= 15
		h.Issues = append(h.Issues, fmt.Sprintf("throughput %.2f/s below %.2f/s with backlog", perf.Throughput, m.cfg.MinThroughput))
		h.Recommendations = append(h.Recommendations, "check worker capacity and handler latency; throughput is not keeping up with arrivals")
	}
	if h.Score < 0 {
		h.Score = 0
	}

	switch {
	case h.Score >= 80:
		h.Level = HealthHealthy
	case h.Score >= 60:
		h.Level = HealthWarning
	default:
		h.Level = HealthCritical
	}
	if paused && h.Level == HealthHealthy {
		h.Level = HealthWarning
	}
	return h, nil
}

// OverallHealth scores every known queue.
func (m *Monitor) OverallHealth(ctx context.Context) ([]Health, error) {
	names, err := m.store.Queues(ctx)
	if err != nil {
		return nil, fmt.Errorf("list queues: %w", err)
	}

	out := make([]Health, 0, len(names))
	for _, name := range names {
		h, hErr := m.QueueHealth(ctx, name)
		if hErr != nil {
			return nil, hErr
		}
		out = append(out, *h)
	}
	return out, nil
}

// ResourceUtilization reports current host resource usage.
func (m *Monitor) ResourceUtilization(ctx context.Context) (scaling.ResourceSample, error) {
	return m.sampler.Sample(ctx)
}
