package strom

import "time"

// Config holds the engine-wide tuning knobs for scaling, monitoring and
// worker behaviour. Zero values are replaced by DefaultConfig values at
// engine build time.
type Config struct {
	// BaselineWorkers is the worker count a weight-1 (LOW) tier starts
	// with. Tier defaults are derived by multiplying tier weight by this
	// baseline.
	BaselineWorkers int

	// ScaleInterval is how often the auto-scaling control loop evaluates
	// each queue.
	ScaleInterval time.Duration

	// ScaleUpThreshold is the utilization above which a pool grows.
	ScaleUpThreshold float64

	// ScaleDownThreshold is the utilization below which a pool shrinks.
	ScaleDownThreshold float64

	// ScaleUpCooldown is the minimum interval between consecutive
	// scale-up actions for the same queue.
	ScaleUpCooldown time.Duration

	// ScaleDownCooldown is the minimum interval between consecutive
	// scale-down actions for the same queue.
	ScaleDownCooldown time.Duration

	// MaxScaleUpFraction caps a single scale-up at
	// ceil(current * fraction) workers.
	MaxScaleUpFraction float64

	// MaxScaleDownFraction caps a single scale-down at
	// ceil(current * fraction) workers.
	MaxScaleDownFraction float64

	// WorkerStartPacing is the delay between starting individual workers
	// during a scale-up, to avoid connection bursts.
	WorkerStartPacing time.Duration

	// WorkerStopPacing is the delay between gracefully stopping
	// individual workers during a scale-down.
	WorkerStopPacing time.Duration

	// MonitorInterval is how often the queue monitor samples metrics.
	MonitorInterval time.Duration

	// PollInterval is how often an idle worker polls for new jobs.
	PollInterval time.Duration

	// ShutdownTimeout bounds graceful shutdown; active jobs past the
	// deadline are cancelled and reclaimed by the store's stall handling.
	ShutdownTimeout time.Duration

	// Performance thresholds feeding the scaling performance score and
	// the health deductions.
	MaxAvgProcessingTime time.Duration
	MaxFailureRate       float64
	MinThroughput        float64
	MaxBacklog           int

	// Resource constraint ceilings. When sampled CPU or memory
	// utilization exceeds these, scale-ups are suppressed.
	MaxCPUPercent    float64
	MaxMemoryPercent float64
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		BaselineWorkers:      2,
		ScaleInterval:        30 * time.Second,
		ScaleUpThreshold:     0.8,
		ScaleDownThreshold:   0.3,
		ScaleUpCooldown:      60 * time.Second,
		ScaleDownCooldown:    300 * time.Second,
		MaxScaleUpFraction:   0.5,
		MaxScaleDownFraction: 0.3,
		WorkerStartPacing:    1 * time.Second,
		WorkerStopPacing:     2 * time.Second,
		MonitorInterval:      30 * time.Second,
		PollInterval:         1 * time.Second,
		ShutdownTimeout:      30 * time.Second,
		MaxAvgProcessingTime: 60 * time.Second,
		MaxFailureRate:       0.1,
		MinThroughput:        1,
		MaxBacklog:           100,
		MaxCPUPercent:        85,
		MaxMemoryPercent:     90,
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.BaselineWorkers <= 0 {
		c.BaselineWorkers = def.BaselineWorkers
	}
	if c.ScaleInterval <= 0 {
		c.ScaleInterval = def.ScaleInterval
	}
	if c.ScaleUpThreshold <= 0 {
		c.ScaleUpThreshold = def.ScaleUpThreshold
	}
	if c.ScaleDownThreshold <= 0 {
		c.ScaleDownThreshold = def.ScaleDownThreshold
	}
	if c.ScaleUpCooldown <= 0 {
		c.ScaleUpCooldown = def.ScaleUpCooldown
	}
	if c.ScaleDownCooldown <= 0 {
		c.ScaleDownCooldown = def.ScaleDownCooldown
	}
	if c.MaxScaleUpFraction <= 0 {
		c.MaxScaleUpFraction = def.MaxScaleUpFraction
	}
	if c.MaxScaleDownFraction <= 0 {
		c.MaxScaleDownFraction = def.MaxScaleDownFraction
	}
	if c.WorkerStartPacing <= 0 {
		c.WorkerStartPacing = def.WorkerStartPacing
	}
	if c.WorkerStopPacing <= 0 {
		c.WorkerStopPacing = def.WorkerStopPacing
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = def.MonitorInterval
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
	if c.MaxAvgProcessingTime <= 0 {
		c.MaxAvgProcessingTime = def.MaxAvgProcessingTime
	}
	if c.MaxFailureRate <= 0 {
		c.MaxFailureRate = def.MaxFailureRate
	}
	if c.MinThroughput <= 0 {
		c.MinThroughput = def.MinThroughput
	}
	if c.MaxBacklog <= 0 {
		c.MaxBacklog = def.MaxBacklog
	}
	if c.MaxCPUPercent <= 0 {
		c.MaxCPUPercent = def.MaxCPUPercent
	}
	if c.MaxMemoryPercent <= 0 {
		c.MaxMemoryPercent = def.MaxMemoryPercent
	}
	return c
}
