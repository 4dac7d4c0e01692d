package scaling

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// ResourceSample is a point-in-time host utilization reading.
type ResourceSample struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
}

// ResourceSampler reports host resource utilization. The controller
// uses it to suppress scale-ups when the host is already saturated.
type ResourceSampler interface {
	Sample(ctx context.Context) (ResourceSample, error)
}

// HostSampler samples CPU and memory utilization of the local host.
type HostSampler struct{}

// NewHostSampler creates a sampler backed by host statistics.
func NewHostSampler() *HostSampler { return &HostSampler{} }

// Sample reads instantaneous CPU and memory utilization percentages.
func (s *HostSampler) Sample(ctx context.Context) (ResourceSample, error) {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return ResourceSample{}, fmt.Errorf("sample cpu: %w", err)
	}
	var cpuPct float64
	if len(percents) > 0 {
		cpuPct = percents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return ResourceSample{}, fmt.Errorf("sample memory: %w", err)
	}

	return ResourceSample{CPUPercent: cpuPct, MemoryPercent: vm.UsedPercent}, nil
}

// NoopSampler always reports zero utilization, disabling resource
// constraints. Used in tests and minimal deployments.
type NoopSampler struct{}

// Sample returns a zero sample.
func (NoopSampler) Sample(context.Context) (ResourceSample, error) {
	return ResourceSample{}, nil
}
