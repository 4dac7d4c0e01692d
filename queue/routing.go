package queue

import (
	"sort"
	"sync"

	"github.com/stromq/strom/job"
)

// Well-known queue names used by the deterministic routing rule.
const (
	// HighPriorityQueue is shared by URGENT and HIGH tier jobs.
	HighPriorityQueue = "priority-high"
	// LowPriorityQueue receives LOW tier jobs.
	LowPriorityQueue = "priority-low"
	// DefaultQueue receives jobs with no tier and no type route.
	DefaultQueue = "default"
)

// Router is the deterministic priority→queue routing table.
// Explicit tier HIGH or URGENT routes to the shared high-priority
// queue; LOW routes to the shared low-priority queue; otherwise the job
// type decides via the type table, falling back to the default queue.
//
// Routers are instance-owned, never package state, so independent
// engines can carry different type tables.
type Router struct {
	mu         sync.RWMutex
	typeRoutes map[string]string
}

// NewRouter creates a Router with the built-in type table.
func NewRouter() *Router {
	return &Router{
		typeRoutes: map[string]string{
			"email":        "emails",
			"report":       "reports",
			"notification": DefaultQueue,
		},
	}
}

// RegisterType adds or replaces a type→queue route.
func (r *Router) RegisterType(jobType, queue string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.typeRoutes[jobType] = queue
}

// Route returns the target queue for a job type and tier.
func (r *Router) Route(jobType string, tier job.Tier) string {
	switch tier {
	case job.TierUrgent, job.TierHigh:
		return HighPriorityQueue
	case job.TierLow:
		return LowPriorityQueue
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if q, ok := r.typeRoutes[jobType]; ok {
		return q
	}
	return DefaultQueue
}

// Queues returns every queue name the router can produce, sorted.
func (r *Router) Queues() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := map[string]struct{}{
		HighPriorityQueue: {},
		LowPriorityQueue:  {},
		DefaultQueue:      {},
	}
	for _, q := range r.typeRoutes {
		seen[q] = struct{}{}
	}

	names := make([]string, 0, len(seen))
	for q := range seen {
		names = append(names, q)
	}
	sort.Strings(names)
	return names
}
