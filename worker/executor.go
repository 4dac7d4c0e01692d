// Package worker provides the job execution engine: an Executor that
// runs registered handlers through middleware, and a Worker that polls
// one queue with bounded concurrency. Worker pools are assembled and
// resized by the scaling package.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/stromq/strom/backoff"
	"github.com/stromq/strom/hooks"
	"github.com/stromq/strom/id"
	"github.com/stromq/strom/job"
	"github.com/stromq/strom/middleware"
)

// Executor runs a single job through middleware and the registered
// handler, then applies retry/terminal-failure state updates and emits
// lifecycle hooks.
type Executor struct {
	registry *job.Registry
	hooks    *hooks.Registry
	store    job.Store
	mw       middleware.Middleware
	logger   *slog.Logger

	// defaultTimeout bounds execution when the job carries none.
	defaultTimeout time.Duration
}

// NewExecutor creates an Executor with the given dependencies.
func NewExecutor(
	registry *job.Registry,
	hookReg *hooks.Registry,
	store job.Store,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Executor {
	return &Executor{
		registry:       registry,
		hooks:          hookReg,
		store:          store,
		mw:             middleware.Chain(mws...),
		logger:         logger,
		defaultTimeout: 5 * time.Minute,
	}
}

// Execute runs a claimed (active) job to a terminal or retrying state.
// On success: marks completed, emits JobCompleted.
// On failure with attempts remaining: re-enqueues with backoff, emits JobRetrying.
// On failure with attempts exhausted: marks failed with the last error
// retained, emits JobFailed.
func (e *Executor) Execute(ctx context.Context, j *job.Job) error {
	handler, ok := e.registry.Get(j.Type)
	if !ok {
		return e.handleFailure(ctx, j, fmt.Errorf("no handler registered for job type %q", j.Type))
	}

	timeout := j.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	progress := func(percent int) {
		if percent < 0 {
			percent = 0
		}
		if percent > 100 {
			percent = 100
		}
		j.Progress = percent
	}

	start := time.Now()

	// The terminal handler that calls the registered job handler.
	terminal := func(ctx context.Context) error {
		return handler(ctx, j.Payload, progress)
	}

	err := e.mw(execCtx, j, terminal)
	elapsed := time.Since(start)

	if err != nil {
		return e.handleFailure(ctx, j, err)
	}

	return e.handleSuccess(ctx, j, elapsed)
}

// handleSuccess marks the job as completed and emits the lifecycle hook.
func (e *Executor) handleSuccess(ctx context.Context, j *job.Job, elapsed time.Duration) error {
	now := time.Now().UTC()
	j.State = job.StateCompleted
	j.CompletedAt = &now
	j.Progress = 100

	if updateErr := e.store.Update(ctx, j); updateErr != nil {
		e.logger.Error("failed to update job after success",
			slog.String("job_id", j.ID.String()),
			slog.String("job_type", j.Type),
			slog.String("error", updateErr.Error()),
		)
		return updateErr
	}

	e.hooks.EmitJobCompleted(ctx, j, elapsed)
	return nil
}

// handleFailure either schedules a retry or marks the job terminally
// failed. The attempt counter was already incremented at claim time, so
// attempts never exceed MaxAttempts.
func (e *Executor) handleFailure(ctx context.Context, j *job.Job, handlerErr error) error {
	j.LastError = handlerErr.Error()

	if j.Attempts < j.MaxAttempts {
		return e.scheduleRetry(ctx, j)
	}

	return e.failTerminally(ctx, j, handlerErr)
}

// scheduleRetry moves the job back to waiting with a backoff delay.
func (e *Executor) scheduleRetry(ctx context.Context, j *job.Job) error {
	delay := backoff.ForJob(j.BackoffKind, j.BackoffDelay).Delay(j.Attempts)
	nextRunAt := time.Now().UTC().Add(delay)
	j.RunAt = nextRunAt
	j.State = job.StateDelayed
	j.WorkerID = id.Nil

	if updateErr := e.store.Update(ctx, j); updateErr != nil {
		e.logger.Error("failed to update job for retry",
			slog.String("job_id", j.ID.String()),
			slog.String("error", updateErr.Error()),
		)
		return updateErr
	}

	e.hooks.EmitJobRetrying(ctx, j, j.Attempts, nextRunAt)

	e.logger.Info("job scheduled for retry",
		slog.String("job_id", j.ID.String()),
		slog.String("job_type", j.Type),
		slog.Int("attempt", j.Attempts),
		slog.Int("max_attempts", j.MaxAttempts),
		slog.Duration("delay", delay),
	)

	return fmt.Errorf("job %s attempt %d/%d: %s", j.Type, j.Attempts, j.MaxAttempts, j.LastError)
}

// failTerminally marks the job failed with the last error retained for
// inspection and manual retry.
func (e *Executor) failTerminally(ctx context.Context, j *job.Job, handlerErr error) error {
	j.State = job.StateFailed

	if updateErr := e.store.Update(ctx, j); updateErr != nil {
		e.logger.Error("failed to update job as failed",
			slog.String("job_id", j.ID.String()),
			slog.String("error", updateErr.Error()),
		)
		return updateErr
	}

	e.hooks.EmitJobFailed(ctx, j, handlerErr)

	e.logger.Warn("job failed after exhausting attempts",
		slog.String("job_id", j.ID.String()),
		slog.String("job_type", j.Type),
		slog.Int("attempts", j.Attempts),
		slog.String("error", handlerErr.Error()),
	)

	return handlerErr
}
