// Package scaling implements per-queue worker pools and the
// utilization-driven auto-scaling controller.
package scaling

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stromq/strom"
	"github.com/stromq/strom/hooks"
	"github.com/stromq/strom/id"
	"github.com/stromq/strom/worker"
)

// Event history retention.
const (
	maxEvents   = 50
	maxEventAge = 24 * time.Hour
)

// Direction of a scaling action.
type Direction string

const (
	ScaleUp   Direction = "up"
	ScaleDown Direction = "down"
)

// Event records one scaling action on a pool.
type Event struct {
	ID        id.ScaleEventID `json:"id"`
	Queue     string          `json:"queue"`
	Direction Direction       `json:"direction"`
	From      int             `json:"from"`
	To        int             `json:"to"`
	Reason    string          `json:"reason"`
	At        time.Time       `json:"at"`
}

// WorkerFactory builds a new worker bound to the pool's queue. The
// controller injects this so the pool stays decoupled from executor
// wiring.
type WorkerFactory func(queue string) *worker.Worker

// Pool manages the set of workers serving one queue. Scaling changes
// the pool size one worker at a time with pacing delays; only one
// scaling operation runs at a time per pool.
type Pool struct {
	queue       string
	factory     WorkerFactory
	hooks       *hooks.Registry
	logger      *slog.Logger
	concurrency int
	min         int
	max         int
	startPacing time.Duration
	stopPacing  time.Duration

	scaling atomic.Bool

	mu           sync.Mutex
	workers      []*worker.Worker
	events       []Event
	lastScaleUp  time.Time
	lastScaleDwn time.Time
	started      bool
}

// PoolConfig carries the fixed bounds and pacing for one pool.
type PoolConfig struct {
	Queue       string
	Min         int
	Max         int
	Initial     int
	Concurrency int
	StartPacing time.Duration
	StopPacing  time.Duration
}

// NewPool creates a pool for one queue. Workers are not started until
// Start is called.
func NewPool(cfg PoolConfig, factory WorkerFactory, hookReg *hooks.Registry, logger *slog.Logger) *Pool {
	if cfg.Min < 0 {
		cfg.Min = 0
	}
	if cfg.Max < cfg.Min {
		cfg.Max = cfg.Min
	}
	if cfg.Initial < cfg.Min {
		cfg.Initial = cfg.Min
	}
	if cfg.Initial > cfg.Max {
		cfg.Initial = cfg.Max
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pool{
		queue:       cfg.Queue,
		factory:     factory,
		hooks:       hookReg,
		logger:      logger,
		concurrency: cfg.Concurrency,
		min:         cfg.Min,
		max:         cfg.Max,
		startPacing: cfg.StartPacing,
		stopPacing:  cfg.StopPacing,
	}
	for range cfg.Initial {
		p.workers = append(p.workers, factory(cfg.Queue))
	}
	return p
}

// Queue returns the queue this pool serves.
func (p *Pool) Queue() string { return p.queue }

// Size returns the current worker count.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Bounds returns the min and max worker counts.
func (p *Pool) Bounds() (minWorkers, maxWorkers int) { return p.min, p.max }

// Capacity returns total concurrent job slots (workers × concurrency).
func (p *Pool) Capacity() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers) * p.concurrency
}

// Scaling reports whether a scaling operation is in flight.
func (p *Pool) Scaling() bool { return p.scaling.Load() }

// LastScaled returns the timestamps of the most recent scale-up and
// scale-down actions. Zero times mean the action never happened.
func (p *Pool) LastScaled() (up, down time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastScaleUp, p.lastScaleDwn
}

// Start launches all current workers.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	for _, w := range p.workers {
		w.Start()
	}
}

// Stop gracefully stops all workers, bounded by ctx.
func (p *Pool) Stop(ctx context.Context) {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	workers := make([]*worker.Worker, len(p.workers))
	copy(workers, p.workers)
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *worker.Worker) {
			defer wg.Done()
			w.Stop(ctx)
		}(w)
	}
	wg.Wait()
}

// ScaleTo changes the pool size to target, one worker at a time with
// pacing delays. Returns strom.ErrPoolScaling when another scaling
// operation is already in flight, and strom.ErrInvalidArgument when
// target is outside the pool's bounds.
func (p *Pool) ScaleTo(ctx context.Context, target int, reason string) error {
	if target < p.min || target > p.max {
		return fmt.Errorf("%w: target %d outside bounds [%d, %d] for queue %q",
			strom.ErrInvalidArgument, target, p.min, p.max, p.queue)
	}
	if !p.scaling.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: queue %q", strom.ErrPoolScaling, p.queue)
	}
	defer p.scaling.Store(false)

	p.mu.Lock()
	from := len(p.workers)
	started := p.started
	p.mu.Unlock()

	if target == from {
		return nil
	}

	if target > from {
		for range target - from {
			if err := ctx.Err(); err != nil {
				break
			}
			w := p.factory(p.queue)
			p.mu.Lock()
			p.workers = append(p.workers, w)
			p.mu.Unlock()
			if started {
				w.Start()
			}
			p.pace(ctx, p.startPacing)
		}
	} else {
		for range from - target {
			if err := ctx.Err(); err != nil {
				break
			}
			p.mu.Lock()
			if len(p.workers) == 0 {
				p.mu.Unlock()
				break
			}
			w := p.workers[len(p.workers)-1]
			p.workers = p.workers[:len(p.workers)-1]
			p.mu.Unlock()
			w.Stop(ctx)
			p.pace(ctx, p.stopPacing)
		}
	}

	p.mu.Lock()
	to := len(p.workers)
	now := time.Now().UTC()
	dir := ScaleUp
	if to < from {
		dir = ScaleDown
		p.lastScaleDwn = now
	} else {
		p.lastScaleUp = now
	}
	p.recordEventLocked(Event{
		ID:        id.NewScaleEventID(),
		Queue:     p.queue,
		Direction: dir,
		From:      from,
		To:        to,
		Reason:    reason,
		At:        now,
	})
	p.mu.Unlock()

	p.logger.Info("pool scaled",
		slog.String("queue", p.queue),
		slog.Int("from", from),
		slog.Int("to", to),
		slog.String("reason", reason),
	)
	p.hooks.EmitPoolScaled(ctx, p.queue, from, to, reason)
	return nil
}

// Events returns the retained scaling history, newest first.
func (p *Pool) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pruneEventsLocked(time.Now().UTC())

	out := make([]Event, len(p.events))
	for i, e := range p.events {
		out[len(p.events)-1-i] = e
	}
	return out
}

func (p *Pool) recordEventLocked(e Event) {
	p.events = append(p.events, e)
	p.pruneEventsLocked(e.At)
}

// pruneEventsLocked drops events past the retention cap or older than
// the retention window.
func (p *Pool) pruneEventsLocked(now time.Time) {
	cutoff := now.Add(-maxEventAge)
	idx := 0
	for idx < len(p.events) && p.events[idx].At.Before(cutoff) {
		idx++
	}
	p.events = p.events[idx:]

	if len(p.events) > maxEvents {
		p.events = p.events[len(p.events)-maxEvents:]
	}
}

func (p *Pool) pace(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}
