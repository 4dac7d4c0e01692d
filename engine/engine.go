// Package engine assembles the full orchestration stack: store, queue
// manager, priority routing, worker pools with auto-scaling, scheduler,
// and monitor, behind one Start/Stop lifecycle.
package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/stromq/strom"
	"github.com/stromq/strom/hooks"
	"github.com/stromq/strom/job"
	"github.com/stromq/strom/middleware"
	"github.com/stromq/strom/monitor"
	"github.com/stromq/strom/priority"
	"github.com/stromq/strom/queue"
	"github.com/stromq/strom/scaling"
	"github.com/stromq/strom/scheduler"
	"github.com/stromq/strom/worker"
)

// Engine is the composition root. Build one with New, register job
// definitions, then Start it.
type Engine struct {
	cfg      strom.Config
	logger   *slog.Logger
	store    job.Store
	registry *job.Registry
	hooks    *hooks.Registry
	router   *queue.Router

	queues     *queue.Manager
	priorities *priority.Manager
	controller *scaling.Controller
	scheduler  *scheduler.Scheduler
	monitor    *monitor.Monitor
	executor   *worker.Executor

	mu      sync.Mutex
	started bool
}

// Option configures engine construction.
type Option func(*builder)

type builder struct {
	cfg        strom.Config
	logger     *slog.Logger
	store      job.Store
	sampler    scaling.ResourceSampler
	hooks      []hooks.Hook
	mws        []middleware.Middleware
	typeRoutes map[string]string
	pools      []scaling.PoolConfig
	noDefaults bool
}

// WithStore sets the durable job store. Required.
func WithStore(s job.Store) Option {
	return func(b *builder) { b.store = s }
}

// WithConfig replaces the default engine configuration. Zero fields
// fall back to defaults.
func WithConfig(cfg strom.Config) Option {
	return func(b *builder) { b.cfg = cfg }
}

// WithLogger sets the structured logger for all subsystems.
func WithLogger(l *slog.Logger) Option {
	return func(b *builder) { b.logger = l }
}

// WithHook registers a lifecycle hook.
func WithHook(h hooks.Hook) Option {
	return func(b *builder) { b.hooks = append(b.hooks, h) }
}

// WithMiddleware appends execution middleware after the built-in chain
// (recover, tracing, metrics, logging).
func WithMiddleware(mw middleware.Middleware) Option {
	return func(b *builder) { b.mws = append(b.mws, mw) }
}

// WithResourceSampler replaces the host resource sampler used by the
// scaling controller and monitor.
func WithResourceSampler(s scaling.ResourceSampler) Option {
	return func(b *builder) { b.sampler = s }
}

// WithTypeRoute adds a job type → queue route to the routing table.
func WithTypeRoute(jobType, queueName string) Option {
	return func(b *builder) {
		if b.typeRoutes == nil {
			b.typeRoutes = make(map[string]string)
		}
		b.typeRoutes[jobType] = queueName
	}
}

// WithPool declares a worker pool for a queue, overriding or extending
// the derived defaults.
func WithPool(cfg scaling.PoolConfig) Option {
	return func(b *builder) { b.pools = append(b.pools, cfg) }
}

// WithoutDefaultPools disables the automatically derived pools for the
// routing and tier queues. Only pools declared via WithPool are built.
func WithoutDefaultPools() Option {
	return func(b *builder) { b.noDefaults = true }
}

// New builds an engine. Returns strom.ErrNoStore when no store is
// configured.
func New(opts ...Option) (*Engine, error) {
	b := &builder{cfg: strom.DefaultConfig()}
	for _, opt := range opts {
		opt(b)
	}
	if b.store == nil {
		return nil, strom.ErrNoStore
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	if b.sampler == nil {
		b.sampler = scaling.NewHostSampler()
	}

	cfg := b.cfg.WithDefaults()
	logger := b.logger

	e := &Engine{
		cfg:      cfg,
		logger:   logger,
		store:    b.store,
		registry: job.NewRegistry(),
		hooks:    hooks.NewRegistry(logger),
		router:   queue.NewRouter(),
	}

	for jobType, queueName := range b.typeRoutes {
		e.router.RegisterType(jobType, queueName)
	}

	mws := []middleware.Middleware{
		middleware.Recover(logger),
		middleware.Tracing(),
		middleware.Metrics(),
		middleware.Logging(logger),
	}
	mws = append(mws, b.mws...)
	e.executor = worker.NewExecutor(e.registry, e.hooks, e.store, logger, mws...)

	e.queues = queue.NewManager(e.store, e.registry, e.hooks, e.router, logger)
	e.controller = scaling.NewController(cfg, e.store, b.sampler, logger)
	e.priorities = priority.NewManager(e.queues, e.controller, cfg, logger,
		priority.WithSampler(b.sampler))
	e.scheduler = scheduler.New(e.queues, e.hooks, cfg.PollInterval, logger)
	e.monitor = monitor.New(cfg, e.store, e.controller, b.sampler, logger)

	factory := func(queueName string) *worker.Worker {
		return worker.New(e.store, e.executor, e.hooks, queueName, logger,
			worker.WithPollInterval(cfg.PollInterval),
		)
	}

	poolCfgs := b.pools
	if !b.noDefaults {
		poolCfgs = append(e.defaultPools(), poolCfgs...)
	}
	seen := make(map[string]bool)
	// Later declarations win, so explicit WithPool overrides a default.
	for i := len(poolCfgs) - 1; i >= 0; i-- {
		pc := poolCfgs[i]
		if seen[pc.Queue] {
			continue
		}
		seen[pc.Queue] = true
		e.controller.AddPool(scaling.NewPool(pc, factory, e.hooks, logger))
	}

	// The controller and scheduler consume lifecycle events; register
	// them before user hooks so their bookkeeping runs first.
	e.hooks.Register(e.controller)
	e.hooks.Register(e.scheduler)
	for _, h := range b.hooks {
		e.hooks.Register(h)
	}

	return e, nil
}

// defaultPools derives one pool per routing queue and per tier queue.
// Tier queues take their bounds from the tier weight; type queues run
// with NORMAL-tier settings.
func (e *Engine) defaultPools() []scaling.PoolConfig {
	cfgFor := func(queueName string, tier job.Tier) scaling.PoolConfig {
		d := priority.Defaults(tier, e.cfg.BaselineWorkers)
		return scaling.PoolConfig{
			Queue:       queueName,
			Min:         d.MinWorkers,
			Max:         d.MaxWorkers,
			Initial:     d.Workers,
			Concurrency: d.Concurrency,
			StartPacing: e.cfg.WorkerStartPacing,
			StopPacing:  e.cfg.WorkerStopPacing,
		}
	}

	out := []scaling.PoolConfig{
		cfgFor(queue.HighPriorityQueue, job.TierHigh),
		cfgFor(queue.LowPriorityQueue, job.TierLow),
		cfgFor(priority.TierQueue(job.TierUrgent), job.TierUrgent),
		cfgFor(priority.TierQueue(job.TierNormal), job.TierNormal),
	}
	for _, q := range e.router.Queues() {
		switch q {
		case queue.HighPriorityQueue, queue.LowPriorityQueue:
			continue
		}
		out = append(out, cfgFor(q, job.TierNormal))
	}
	return out
}

// Register registers a typed job definition with the engine.
//
// Package-level because Go does not allow generic methods.
func Register[T any](e *Engine, def *job.Definition[T]) {
	job.RegisterDefinition(e.registry, def)
}

// Start brings the engine up: worker pools with the scaling loop, the
// scheduler tick loop, then the monitor.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}

	if err := e.store.Ping(ctx); err != nil {
		return err
	}

	e.controller.Start()
	e.scheduler.Start()
	e.monitor.Start()
	e.started = true

	e.logger.Info("engine started",
		slog.Int("pools", len(e.controller.Pools())),
		slog.Int("job_types", len(e.registry.Types())),
	)
	return nil
}

// Stop shuts the engine down in reverse order: no new scheduled work,
// no more sampling, then drain workers within the shutdown timeout, and
// finally close the store.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return nil
	}
	e.started = false

	e.scheduler.Stop()
	e.monitor.Stop()

	drainCtx, cancel := context.WithTimeout(ctx, e.cfg.ShutdownTimeout)
	defer cancel()
	e.controller.Stop(drainCtx)

	e.hooks.EmitShutdown(ctx)

	err := e.store.Close()
	e.logger.Info("engine stopped")
	return err
}

// Queues returns the queue manager.
func (e *Engine) Queues() *queue.Manager { return e.queues }

// Priority returns the priority manager.
func (e *Engine) Priority() *priority.Manager { return e.priorities }

// Scaling returns the auto-scaling controller.
func (e *Engine) Scaling() *scaling.Controller { return e.controller }

// Scheduler returns the scheduler.
func (e *Engine) Scheduler() *scheduler.Scheduler { return e.scheduler }

// Monitor returns the queue monitor.
func (e *Engine) Monitor() *monitor.Monitor { return e.monitor }

// Hooks returns the lifecycle hook registry.
func (e *Engine) Hooks() *hooks.Registry { return e.hooks }

// Router returns the routing table.
func (e *Engine) Router() *queue.Router { return e.router }

// Store returns the configured job store.
func (e *Engine) Store() job.Store { return e.store }
