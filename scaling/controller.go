package scaling

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/stromq/strom"
	"github.com/stromq/strom/job"
)

// scaleDownMinScore gates shrinking: a pool whose performance score has
// degraded to this or below is left at its current size.
const scaleDownMinScore = 0.8

// PoolStatus is a point-in-time view of one pool for operators.
type PoolStatus struct {
	Queue          string    `json:"queue"`
	Workers        int       `json:"workers"`
	Min            int       `json:"min"`
	Max            int       `json:"max"`
	Capacity       int       `json:"capacity"`
	Utilization    float64   `json:"utilization"`
	PerfScore      float64   `json:"perf_score"`
	Perf           PerfStats `json:"perf"`
	Scaling        bool      `json:"scaling"`
	HealthScore    int       `json:"health_score"`
	RecentEvents   []Event   `json:"recent_events"`
	Recommendation []string  `json:"recommendations,omitempty"`
}

// Controller runs the auto-scaling control loop over all registered
// pools. Each evaluation compares queue utilization against the scaling
// thresholds and grows or shrinks the pool within bounds, cooldowns,
// and host resource ceilings; a degraded performance score blocks
// shrinking.
//
// The controller is also a lifecycle hook: it ingests job completion
// and failure events to maintain the rolling performance window.
type Controller struct {
	cfg     strom.Config
	store   job.Store
	sampler ResourceSampler
	tracker *perfTracker
	logger  *slog.Logger

	mu    sync.RWMutex
	pools map[string]*Pool

	runMu   sync.Mutex
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

// NewController creates a scaling controller. A nil sampler disables
// resource constraints.
func NewController(cfg strom.Config, store job.Store, sampler ResourceSampler, logger *slog.Logger) *Controller {
	if sampler == nil {
		sampler = NoopSampler{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		cfg:     cfg.WithDefaults(),
		store:   store,
		sampler: sampler,
		tracker: newPerfTracker(),
		logger:  logger,
		pools:   make(map[string]*Pool),
	}
}

// Name implements hooks.Hook.
func (c *Controller) Name() string { return "scaling.controller" }

// OnJobCompleted feeds the rolling performance window.
func (c *Controller) OnJobCompleted(_ context.Context, j *job.Job, elapsed time.Duration) error {
	c.tracker.record(j.Queue, elapsed, false)
	return nil
}

// OnJobFailed feeds the rolling performance window.
func (c *Controller) OnJobFailed(_ context.Context, j *job.Job, _ error) error {
	elapsed := time.Duration(0)
	if j.ProcessedAt != nil {
		elapsed = time.Since(*j.ProcessedAt)
	}
	c.tracker.record(j.Queue, elapsed, true)
	return nil
}

// AddPool registers a pool for the queue, replacing any existing one.
func (c *Controller) AddPool(p *Pool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pools[p.Queue()] = p
}

// Pool returns the pool for the queue, or nil.
func (c *Controller) Pool(queue string) *Pool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pools[queue]
}

// Pools returns all registered pools.
func (c *Controller) Pools() []*Pool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Pool, 0, len(c.pools))
	for _, p := range c.pools {
		out = append(out, p)
	}
	return out
}

// Start launches all pools and the evaluation loop.
func (c *Controller) Start() {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.running {
		return
	}
	c.running = true
	c.stopCh = make(chan struct{})

	for _, p := range c.Pools() {
		p.Start()
	}

	c.wg.Add(1)
	go c.loop()
}

// Stop halts the evaluation loop and gracefully stops all pools.
func (c *Controller) Stop(ctx context.Context) {
	c.runMu.Lock()
	if !c.running {
		c.runMu.Unlock()
		return
	}
	c.running = false
	close(c.stopCh)
	c.runMu.Unlock()

	c.wg.Wait()

	var wg sync.WaitGroup
	for _, p := range c.Pools() {
		wg.Add(1)
		go func(p *Pool) {
			defer wg.Done()
			p.Stop(ctx)
		}(p)
	}
	wg.Wait()
}

func (c *Controller) loop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.ScaleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.evaluateAll(context.Background())
		}
	}
}

func (c *Controller) evaluateAll(ctx context.Context) {
	for _, p := range c.Pools() {
		if err := c.evaluate(ctx, p); err != nil {
			c.logger.Warn("scaling evaluation failed",
				slog.String("queue", p.Queue()),
				slog.String("error", err.Error()),
			)
		}
	}
}

// evaluate runs one scaling decision for a pool.
func (c *Controller) evaluate(ctx context.Context, p *Pool) error {
	if p.Scaling() {
		return nil
	}

	counts, err := c.store.Counts(ctx, p.Queue())
	if err != nil {
		return fmt.Errorf("counts: %w", err)
	}

	util := c.utilization(counts, p.Capacity())
	perf := c.tracker.stats(p.Queue())
	score := c.perfScore(perf, counts)

	current := p.Size()
	lastUp, lastDown := p.LastScaled()
	now := time.Now().UTC()

	switch {
	case util > c.cfg.ScaleUpThreshold:
		if now.Sub(lastUp) < c.cfg.ScaleUpCooldown {
			return nil
		}
		sample, sErr := c.sampler.Sample(ctx)
		if sErr != nil {
			c.logger.Warn("resource sample failed; skipping scale-up",
				slog.String("queue", p.Queue()),
				slog.String("error", sErr.Error()),
			)
			return nil
		}
		if sample.CPUPercent > c.cfg.MaxCPUPercent || sample.MemoryPercent > c.cfg.MaxMemoryPercent {
			c.logger.Info("scale-up suppressed by resource ceiling",
				slog.String("queue", p.Queue()),
				slog.Float64("cpu_percent", sample.CPUPercent),
				slog.Float64("memory_percent", sample.MemoryPercent),
			)
			return nil
		}
		step := scaleStep(current, c.cfg.MaxScaleUpFraction)
		target := current + step
		_, maxWorkers := p.Bounds()
		if target > maxWorkers {
			target = maxWorkers
		}
		if target == current {
			return nil
		}
		reason := fmt.Sprintf("utilization %.2f above %.2f (perf score %.2f)",
			util, c.cfg.ScaleUpThreshold, score)
		return p.ScaleTo(ctx, target, reason)

	case util < c.cfg.ScaleDownThreshold:
		if now.Sub(lastDown) < c.cfg.ScaleDownCooldown {
			return nil
		}
		// A degraded pool keeps its workers; shrinking it would only
		// deepen the degradation.
		if score <= scaleDownMinScore {
			return nil
		}
		step := scaleStep(current, c.cfg.MaxScaleDownFraction)
		target := current - step
		minWorkers, _ := p.Bounds()
		if target < minWorkers {
			target = minWorkers
		}
		if target == current {
			return nil
		}
		reason := fmt.Sprintf("utilization %.2f below %.2f", util, c.cfg.ScaleDownThreshold)
		return p.ScaleTo(ctx, target, reason)
	}
	return nil
}

// utilization is demand over capacity: (waiting + active) / slots.
func (c *Controller) utilization(counts job.Counts, capacity int) float64 {
	if capacity <= 0 {
		if counts.Waiting+counts.Active > 0 {
			return math.Inf(1)
		}
		return 0
	}
	return float64(counts.Waiting+counts.Active) / float64(capacity)
}

// perfScore starts at 1.0 and degrades multiplicatively when recent
// execution statistics breach the configured thresholds.
func (c *Controller) perfScore(perf PerfStats, counts job.Counts) float64 {
	score := 1.0
	if perf.Completed+perf.Failed == 0 {
		return score
	}
	if perf.AvgProcessing > c.cfg.MaxAvgProcessingTime {
		score *= 0.7
	}
	if perf.FailureRate > c.cfg.MaxFailureRate {
		score *= 0.6
	}
	if perf.Throughput < c.cfg.MinThroughput && counts.Backlog() > 0 {
		score *= 0.8
	}
	return score
}

// scaleStep is ceil(current × fraction), at least one worker.
func scaleStep(current int, fraction float64) int {
	step := int(math.Ceil(float64(current) * fraction))
	if step < 1 {
		step = 1
	}
	return step
}

// ManualScale resizes a pool to an explicit target, subject to the same
// bounds and in-flight exclusivity as automatic scaling. Cooldowns do
// not apply to manual scaling.
func (c *Controller) ManualScale(ctx context.Context, queue string, target int) error {
	p := c.Pool(queue)
	if p == nil {
		return fmt.Errorf("%w: %q", strom.ErrQueueNotFound, queue)
	}
	return p.ScaleTo(ctx, target, "manual")
}

// Perf returns the rolling performance window for the queue.
func (c *Controller) Perf(queue string) PerfStats {
	return c.tracker.stats(queue)
}

// Utilization returns current demand over capacity for the queue.
// Satisfies capacity-provider interfaces in routing layers.
func (c *Controller) Utilization(ctx context.Context, queue string) (float64, error) {
	p := c.Pool(queue)
	if p == nil {
		return 0, fmt.Errorf("%w: %q", strom.ErrQueueNotFound, queue)
	}
	counts, err := c.store.Counts(ctx, queue)
	if err != nil {
		return 0, fmt.Errorf("counts: %w", err)
	}
	return c.utilization(counts, p.Capacity()), nil
}

// Status reports the operator view of one pool: size, bounds,
// utilization, performance, a rolled-up health score, the five most
// recent scaling events, and recommendations when thresholds are
// breached.
func (c *Controller) Status(ctx context.Context, queue string) (*PoolStatus, error) {
	p := c.Pool(queue)
	if p == nil {
		return nil, fmt.Errorf("%w: %q", strom.ErrQueueNotFound, queue)
	}

	counts, err := c.store.Counts(ctx, queue)
	if err != nil {
		return nil, fmt.Errorf("counts: %w", err)
	}

	util := c.utilization(counts, p.Capacity())
	perf := c.tracker.stats(queue)
	score := c.perfScore(perf, counts)
	minWorkers, maxWorkers := p.Bounds()

	status := &PoolStatus{
		Queue:       queue,
		Workers:     p.Size(),
		Min:         minWorkers,
		Max:         maxWorkers,
		Capacity:    p.Capacity(),
		Utilization: util,
		PerfScore:   score,
		Perf:        perf,
		Scaling:     p.Scaling(),
	}

	events := p.Events()
	if len(events) > 5 {
		events = events[:5]
	}
	status.RecentEvents = events

	health := 100
	if util > c.cfg.ScaleUpThreshold {
		health -= 20
		if status.Workers >= maxWorkers {
			status.Recommendation = append(status.Recommendation,
				fmt.Sprintf("pool at max workers (%d); raise the ceiling or shed load", maxWorkers))
		} else {
			status.Recommendation = append(status.Recommendation, "utilization high; scale-up expected on next evaluation")
		}
	}
	if perf.FailureRate > c.cfg.MaxFailureRate {
		health -= 30
		status.Recommendation = append(status.Recommendation,
			fmt.Sprintf("failure rate %.0f%% above threshold; inspect recent errors", perf.FailureRate*100))
	}
	if perf.AvgProcessing > c.cfg.MaxAvgProcessingTime {
		health -= 15
		status.Recommendation = append(status.Recommendation, "average processing time above threshold")
	}
	if counts.Backlog() > int64(c.cfg.MaxBacklog) {
		health -= 15
		status.Recommendation = append(status.Recommendation,
			fmt.Sprintf("backlog %d exceeds %d", counts.Backlog(), c.cfg.MaxBacklog))
	}
	if perf.Throughput < c.cfg.MinThroughput && counts.Backlog() > 0 {
		health -= 10
	}
	if health < 0 {
		health = 0
	}
	status.HealthScore = health

	return status, nil
}

// OverallStatus is the rollup across every pool.
type OverallStatus struct {
	AvgProcessing   time.Duration `json:"avg_processing"`
	Throughput      float64       `json:"throughput"`
	FailureRate     float64       `json:"failure_rate"`
	HealthScore     int           `json:"health_score"`
	Recommendations []string      `json:"recommendations,omitempty"`
}

// StatusReport is the full operator view: every pool's status plus the
// overall rollup and a host resource sample.
type StatusReport struct {
	Pools     []PoolStatus   `json:"pools"`
	Overall   OverallStatus  `json:"overall"`
	Resources ResourceSample `json:"resources"`
}

// StatusAll reports every pool, sorted by queue name, with an overall
// performance rollup. The rollup health starts at 100 and deducts a
// fixed penalty per breach: overall failure rate −30, any saturated
// pool −20, overall slow processing −15, host resources above the
// scale-up ceilings −10.
func (c *Controller) StatusAll(ctx context.Context) (*StatusReport, error) {
	pools := c.Pools()
	sort.Slice(pools, func(i, j int) bool { return pools[i].Queue() < pools[j].Queue() })

	report := &StatusReport{Pools: make([]PoolStatus, 0, len(pools))}

	var completed, failed int
	var weightedProcessing time.Duration
	var saturated, idle int
	for _, p := range pools {
		status, err := c.Status(ctx, p.Queue())
		if err != nil {
			return nil, err
		}
		report.Pools = append(report.Pools, *status)

		report.Overall.Throughput += status.Perf.Throughput
		completed += status.Perf.Completed
		failed += status.Perf.Failed
		weightedProcessing += status.Perf.AvgProcessing * time.Duration(status.Perf.Completed)
		if status.Utilization > c.cfg.ScaleUpThreshold {
			saturated++
		}
		if status.Utilization < c.cfg.ScaleDownThreshold {
			idle++
		}
	}
	if completed > 0 {
		report.Overall.AvgProcessing = weightedProcessing / time.Duration(completed)
	}
	if finished := completed + failed; finished > 0 {
		report.Overall.FailureRate = float64(failed) / float64(finished)
	}

	if sample, err := c.sampler.Sample(ctx); err == nil {
		report.Resources = sample
	}

	health := 100
	if report.Overall.FailureRate > c.cfg.MaxFailureRate {
		health -= 30
		report.Overall.Recommendations = append(report.Overall.Recommendations,
			fmt.Sprintf("overall failure rate %.0f%% above threshold; inspect failing job types", report.Overall.FailureRate*100))
	}
	if saturated > 0 {
		health -= 20
		report.Overall.Recommendations = append(report.Overall.Recommendations,
			fmt.Sprintf("%d queue(s) saturated; scale-ups pending or at max workers", saturated))
	}
	if report.Overall.AvgProcessing > c.cfg.MaxAvgProcessingTime {
		health -= 15
		report.Overall.Recommendations = append(report.Overall.Recommendations,
			"overall processing time above threshold; profile slow handlers")
	}
	if report.Resources.CPUPercent > c.cfg.MaxCPUPercent || report.Resources.MemoryPercent > c.cfg.MaxMemoryPercent {
		health -= 10
		report.Overall.Recommendations = append(report.Overall.Recommendations,
			"host resources above scaling ceilings; scale-ups are suppressed")
	}
	if health < 0 {
		health = 0
	}
	report.Overall.HealthScore = health

	if len(pools) > 0 && idle == len(pools) && report.Overall.Throughput == 0 {
		report.Overall.Recommendations = append(report.Overall.Recommendations,
			"all pools under-utilized; scale-downs expected after cooldown")
	}
	return report, nil
}
