// Package hooks defines the lifecycle hook system for the engine.
// Hooks are notified of lifecycle events (job enqueued, completed,
// failed, schedule fired, pool scaled, ...) and can react to them.
// The scheduler uses the JobCompleted hook to drive completion-gated
// dependency chains.
//
// Each lifecycle event is a separate interface so hooks opt in only to
// the events they care about.
package hooks

import (
	"context"
	"time"

	"github.com/stromq/strom/id"
	"github.com/stromq/strom/job"
)

// Hook is the base interface all hooks must implement.
type Hook interface {
	// Name returns a unique human-readable name for the hook.
	Name() string
}

// JobEnqueued is called after a job is successfully enqueued.
type JobEnqueued interface {
	OnJobEnqueued(ctx context.Context, j *job.Job) error
}

// JobStarted is called when a worker begins executing a job.
type JobStarted interface {
	OnJobStarted(ctx context.Context, j *job.Job) error
}

// JobCompleted is called after a job finishes successfully.
type JobCompleted interface {
	OnJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) error
}

// JobFailed is called when a job fails terminally (no more attempts).
type JobFailed interface {
	OnJobFailed(ctx context.Context, j *job.Job, err error) error
}

// JobRetrying is called when a job fails but is scheduled for retry.
type JobRetrying interface {
	OnJobRetrying(ctx context.Context, j *job.Job, attempt int, nextRunAt time.Time) error
}

// JobCancelled is called when a queued job is cancelled.
type JobCancelled interface {
	OnJobCancelled(ctx context.Context, j *job.Job) error
}

// ScheduleFired is called when a recurring schedule entry fires and
// enqueues a job.
type ScheduleFired interface {
	OnScheduleFired(ctx context.Context, scheduleID id.ScheduleID, jobID id.JobID) error
}

// PoolScaled is called after a worker pool changes size.
type PoolScaled interface {
	OnPoolScaled(ctx context.Context, queue string, from, to int, reason string) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
