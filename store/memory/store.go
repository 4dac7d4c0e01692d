// Package memory provides a fully in-memory implementation of the
// durable queue store. Safe for concurrent access. Intended for unit
// testing and development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/stromq/strom"
	"github.com/stromq/strom/id"
	"github.com/stromq/strom/job"
)

var _ job.Store = (*Store)(nil)

// Store is an in-memory job.Store.
type Store struct {
	mu sync.RWMutex

	jobs   map[string]*job.Job
	paused map[string]bool
	// queues remembers every queue name ever seen, including empty ones
	// created explicitly through Pause/Resume.
	queues map[string]struct{}
	closed bool
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		jobs:   make(map[string]*job.Job),
		paused: make(map[string]bool),
		queues: make(map[string]struct{}),
	}
}

// Ping reports whether the store is open.
func (m *Store) Ping(_ context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return strom.ErrStoreClosed
	}
	return nil
}

// Close marks the store closed.
func (m *Store) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Enqueue persists a new job. Deduplicates on the job id.
func (m *Store) Enqueue(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return strom.ErrStoreClosed
	}

	key := j.ID.String()
	if _, exists := m.jobs[key]; exists {
		return strom.ErrJobAlreadyExists
	}
	cp := *j
	m.jobs[key] = &cp
	m.queues[j.Queue] = struct{}{}
	return nil
}

// EnqueueBatch persists a batch of jobs destined for a single queue.
func (m *Store) EnqueueBatch(_ context.Context, queue string, jobs []*job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return strom.ErrStoreClosed
	}

	for _, j := range jobs {
		if _, exists := m.jobs[j.ID.String()]; exists {
			return strom.ErrJobAlreadyExists
		}
	}
	for _, j := range jobs {
		cp := *j
		m.jobs[j.ID.String()] = &cp
	}
	m.queues[queue] = struct{}{}
	return nil
}

// Dequeue atomically claims up to limit due jobs from the queue.
func (m *Store) Dequeue(_ context.Context, queue string, workerID id.WorkerID, limit int) ([]*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, strom.ErrStoreClosed
	}
	if m.paused[queue] {
		return nil, nil
	}

	now := time.Now().UTC()

	candidates := make([]*job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if j.Queue != queue {
			continue
		}
		if j.State != job.StateWaiting && j.State != job.StateDelayed {
			continue
		}
		if !j.Due(now) {
			continue
		}
		candidates = append(candidates, j)
	}

	// Sort: tier weight DESC, RunAt ASC.
	sort.Slice(candidates, func(i, k int) bool {
		wi, wk := candidates[i].Tier.Weight(), candidates[k].Tier.Weight()
		if wi != wk {
			return wi > wk
		}
		return candidates[i].RunAt.Before(candidates[k].RunAt)
	})

	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	result := make([]*job.Job, len(candidates))
	for i, j := range candidates {
		j.State = job.StateActive
		j.Attempts++
		j.WorkerID = workerID
		n := now
		j.ProcessedAt = &n
		j.UpdatedAt = now
		// Return a copy so callers can mutate without racing the store.
		cp := *j
		result[i] = &cp
	}

	return result, nil
}

// Get retrieves a job by id within a specific queue.
func (m *Store) Get(_ context.Context, queue string, jobID id.JobID) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID.String()]
	if !ok || j.Queue != queue {
		return nil, strom.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

// Find retrieves a job by id searching all queues.
func (m *Store) Find(_ context.Context, jobID id.JobID) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, strom.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

// Update persists changes to an existing job.
func (m *Store) Update(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	if _, ok := m.jobs[key]; !ok {
		return strom.ErrJobNotFound
	}
	cp := *j
	cp.UpdatedAt = time.Now().UTC()
	m.jobs[key] = &cp
	m.queues[j.Queue] = struct{}{}
	return nil
}

// Delete removes a job by id.
func (m *Store) Delete(_ context.Context, jobID id.JobID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := jobID.String()
	if _, ok := m.jobs[key]; !ok {
		return strom.ErrJobNotFound
	}
	delete(m.jobs, key)
	return nil
}

// List returns jobs matching the filter options.
func (m *Store) List(_ context.Context, opts job.ListOpts) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if opts.State != "" && j.State != opts.State {
			continue
		}
		if opts.Queue != "" && j.Queue != opts.Queue {
			continue
		}
		if opts.Tier != "" && j.Tier != opts.Tier {
			continue
		}
		cp := *j
		result = append(result, &cp)
	}

	// Sort by CreatedAt for deterministic output.
	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.Before(result[k].CreatedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return nil, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}

	return result, nil
}

// Counts returns per-state counts for the queue.
func (m *Store) Counts(_ context.Context, queue string) (job.Counts, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var c job.Counts
	now := time.Now().UTC()
	for _, j := range m.jobs {
		if j.Queue != queue {
			continue
		}
		switch j.State {
		case job.StateWaiting:
			c.Waiting++
		case job.StateDelayed:
			// A delayed job whose RunAt passed counts as waiting: it is
			// claimable on the next dequeue.
			if j.Due(now) {
				c.Waiting++
			} else {
				c.Delayed++
			}
		case job.StateActive:
			c.Active++
		case job.StateCompleted:
			c.Completed++
		case job.StateFailed:
			c.Failed++
		}
	}
	return c, nil
}

// Queues returns the names of all queues the store has seen.
func (m *Store) Queues(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.queues))
	for q := range m.queues {
		names = append(names, q)
	}
	sort.Strings(names)
	return names, nil
}

// Pause stops Dequeue from yielding jobs for the queue.
func (m *Store) Pause(_ context.Context, queue string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused[queue] = true
	m.queues[queue] = struct{}{}
	return nil
}

// Resume re-enables Dequeue for the queue.
func (m *Store) Resume(_ context.Context, queue string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused[queue] = false
	m.queues[queue] = struct{}{}
	return nil
}

// IsPaused reports the paused flag for the queue.
func (m *Store) IsPaused(_ context.Context, queue string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.paused[queue], nil
}

// Clean removes jobs in the given state older than grace, up to limit.
func (m *Store) Clean(_ context.Context, queue string, grace time.Duration, limit int, state job.State) ([]id.JobID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().UTC().Add(-grace)

	matches := make([]*job.Job, 0)
	for _, j := range m.jobs {
		if j.Queue != queue || j.State != state {
			continue
		}
		if j.UpdatedAt.After(cutoff) {
			continue
		}
		matches = append(matches, j)
	}

	// Oldest first, so the cap removes the stalest entries.
	sort.Slice(matches, func(i, k int) bool {
		return matches[i].UpdatedAt.Before(matches[k].UpdatedAt)
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}

	removed := make([]id.JobID, 0, len(matches))
	for _, j := range matches {
		delete(m.jobs, j.ID.String())
		removed = append(removed, j.ID)
	}
	return removed, nil
}
