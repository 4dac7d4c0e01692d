package job

import (
	"time"

	"github.com/stromq/strom/id"
)

// Options configures per-job behaviour: priority tier, attempts,
// backoff, delay, and idempotency.
type Options struct {
	// Tier is the priority class used by the routing rule. Empty means
	// route by job type instead of priority.
	Tier Tier

	// Queue overrides the routed queue name. Empty means use the
	// deterministic routing rule.
	Queue string

	// MaxAttempts is the total number of execution attempts before the
	// job becomes terminally failed.
	MaxAttempts int

	// BackoffKind and BackoffDelay configure the retry delay curve.
	BackoffKind  BackoffKind
	BackoffDelay time.Duration

	// Delay postpones execution by the given duration. Mutually
	// exclusive with RunAt; RunAt wins when both are set.
	Delay time.Duration

	// RunAt schedules the job for an absolute execution time.
	RunAt time.Time

	// JobID supplies an explicit id for idempotent submission; the store
	// deduplicates on it. Nil means generate a fresh id.
	JobID id.JobID

	// CorrelationID tags the job for cross-system tracing.
	CorrelationID string

	// Timeout bounds a single execution attempt. Zero means the
	// executor default.
	Timeout time.Duration
}

// DefaultOptions returns Options with the engine defaults.
func DefaultOptions() Options {
	return Options{
		MaxAttempts:  3,
		BackoffKind:  BackoffExponential,
		BackoffDelay: 2 * time.Second,
		Timeout:      5 * time.Minute,
	}
}

// Option is a functional option for job submission.
type Option func(*Options)

// WithTier sets the priority tier for routing.
func WithTier(t Tier) Option {
	return func(o *Options) { o.Tier = t }
}

// WithQueue pins the job to a specific queue, bypassing routing.
func WithQueue(q string) Option {
	return func(o *Options) { o.Queue = q }
}

// WithMaxAttempts sets the total number of execution attempts.
func WithMaxAttempts(n int) Option {
	return func(o *Options) { o.MaxAttempts = n }
}

// WithBackoff sets the retry delay curve for the job.
func WithBackoff(kind BackoffKind, delay time.Duration) Option {
	return func(o *Options) {
		o.BackoffKind = kind
		o.BackoffDelay = delay
	}
}

// WithDelay postpones execution by d from submission time.
func WithDelay(d time.Duration) Option {
	return func(o *Options) { o.Delay = d }
}

// WithRunAt schedules the job for an absolute execution time.
func WithRunAt(t time.Time) Option {
	return func(o *Options) { o.RunAt = t }
}

// WithJobID supplies an explicit job id for idempotent submission.
func WithJobID(jobID id.JobID) Option {
	return func(o *Options) { o.JobID = jobID }
}

// WithCorrelationID tags the job for cross-system tracing.
func WithCorrelationID(cid string) Option {
	return func(o *Options) { o.CorrelationID = cid }
}

// WithTimeout bounds a single execution attempt.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) { o.Timeout = d }
}
