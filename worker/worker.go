package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/stromq/strom/hooks"
	"github.com/stromq/strom/id"
	"github.com/stromq/strom/job"
)

// Worker is a single job-processing unit bound to one queue. It polls
// the store and executes claimed jobs with bounded internal concurrency.
// Workers are started and stopped individually so the scaling controller
// can grow or shrink a pool one worker at a time.
type Worker struct {
	store       job.Store
	executor    *Executor
	hooks       *hooks.Registry
	queue       string
	concurrency int
	poll        time.Duration
	limiter     *rate.Limiter
	workerID    id.WorkerID
	logger      *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithConcurrency sets how many jobs the worker processes at once.
func WithConcurrency(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

// WithPollInterval sets how often an idle worker polls for new jobs.
func WithPollInterval(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.poll = d
		}
	}
}

// WithRateLimit caps sustained dequeues per second with the given burst.
// Zero rps disables rate limiting.
func WithRateLimit(rps float64, burst int) WorkerOption {
	return func(w *Worker) {
		if rps > 0 {
			if burst <= 0 {
				burst = 1
			}
			w.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		}
	}
}

// New creates a worker for the given queue.
func New(
	store job.Store,
	executor *Executor,
	hookReg *hooks.Registry,
	queue string,
	logger *slog.Logger,
	opts ...WorkerOption,
) *Worker {
	w := &Worker{
		store:       store,
		executor:    executor,
		hooks:       hookReg,
		queue:       queue,
		concurrency: 1,
		poll:        time.Second,
		workerID:    id.NewWorkerID(),
		logger:      logger,
		stopCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// ID returns the worker's unique identifier.
func (w *Worker) ID() id.WorkerID { return w.workerID }

// Queue returns the queue this worker polls.
func (w *Worker) Queue() string { return w.queue }

// Concurrency returns the worker's internal concurrency.
func (w *Worker) Concurrency() int { return w.concurrency }

// Start launches the dequeue loop. It returns immediately.
func (w *Worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.running = true

	w.wg.Add(1)
	go w.dequeueLoop()
}

// Stop signals the worker to stop and waits for in-flight jobs to
// finish or the context deadline, whichever comes first.
func (w *Worker) Stop(ctx context.Context) {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	w.stopOnce.Do(func() { close(w.stopCh) })

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("worker shutdown timed out; in-flight jobs left to store stall handling",
			slog.String("worker_id", w.workerID.String()),
			slog.String("queue", w.queue),
		)
	}
}

// dequeueLoop claims and executes jobs until stopped. A semaphore
// bounds in-flight executions to the worker's concurrency.
func (w *Worker) dequeueLoop() {
	defer w.wg.Done()

	sem := make(chan struct{}, w.concurrency)

	for {
		select {
		case <-w.stopCh:
			// Drain: wait for in-flight slots.
			for range cap(sem) {
				sem <- struct{}{}
			}
			return
		default:
		}

		if w.limiter != nil && !w.limiter.Allow() {
			w.sleep()
			continue
		}

		free := cap(sem) - len(sem)
		if free == 0 {
			w.sleep()
			continue
		}

		jobs, err := w.store.Dequeue(context.Background(), w.queue, w.workerID, free)
		if err != nil {
			w.logger.Error("dequeue error",
				slog.String("queue", w.queue),
				slog.String("error", err.Error()),
			)
			w.sleep()
			continue
		}
		if len(jobs) == 0 {
			w.sleep()
			continue
		}

		for _, j := range jobs {
			sem <- struct{}{}
			w.hooks.EmitJobStarted(context.Background(), j)
			go func(j *job.Job) {
				defer func() { <-sem }()
				if execErr := w.executor.Execute(context.Background(), j); execErr != nil {
					w.logger.Debug("job execution failed",
						slog.String("job_id", j.ID.String()),
						slog.String("job_type", j.Type),
						slog.String("error", execErr.Error()),
					)
				}
			}(j)
		}
	}
}

func (w *Worker) sleep() {
	select {
	case <-time.After(w.poll):
	case <-w.stopCh:
	}
}
