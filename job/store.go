package job

import (
	"context"
	"time"

	"github.com/stromq/strom/id"
)

// ListOpts controls pagination and filtering for job list queries.
type ListOpts struct {
	// Limit is the maximum number of jobs to return. Zero means no limit.
	Limit int
	// Offset is the number of jobs to skip.
	Offset int
	// Queue filters by queue name. Empty means all queues.
	Queue string
	// State filters by job state. Empty means all states.
	State State
	// Tier filters by priority tier. Empty means all tiers.
	Tier Tier
}

// Counts holds the per-state job counts for one queue.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
}

// Backlog is the number of jobs not yet finished (waiting + active + delayed).
func (c Counts) Backlog() int64 {
	return c.Waiting + c.Active + c.Delayed
}

// Store defines the persistence contract for the durable queue store.
// Implementations must provide atomic claim semantics for Dequeue and
// deduplicate Enqueue on explicit job ids.
type Store interface {
	// Enqueue persists a new job. The job's State must be waiting or
	// delayed. Returns strom.ErrJobAlreadyExists when the id is taken.
	Enqueue(ctx context.Context, j *Job) error

	// EnqueueBatch persists a batch of jobs destined for a single queue.
	// The batch is best-effort atomic per store; on failure no partial
	// count is reported, the whole batch errors.
	EnqueueBatch(ctx context.Context, queue string, jobs []*Job) error

	// Dequeue atomically claims up to limit due jobs from the given
	// queue, marks them active, and returns them. Ordering is tier
	// weight descending, then RunAt ascending. Paused queues yield
	// nothing. Delayed jobs whose RunAt has passed are eligible and
	// promoted as part of the claim.
	Dequeue(ctx context.Context, queue string, workerID id.WorkerID, limit int) ([]*Job, error)

	// Get retrieves a job by id within a specific queue.
	Get(ctx context.Context, queue string, jobID id.JobID) (*Job, error)

	// Find retrieves a job by id searching all queues.
	Find(ctx context.Context, jobID id.JobID) (*Job, error)

	// Update persists changes to an existing job.
	Update(ctx context.Context, j *Job) error

	// Delete removes a job by id.
	Delete(ctx context.Context, jobID id.JobID) error

	// List returns jobs matching the given filter options, ordered by
	// creation time ascending.
	List(ctx context.Context, opts ListOpts) ([]*Job, error)

	// Counts returns per-state counts for the given queue.
	Counts(ctx context.Context, queue string) (Counts, error)

	// Queues returns the names of all queues the store has seen.
	Queues(ctx context.Context) ([]string, error)

	// Pause stops Dequeue from yielding jobs for the queue.
	Pause(ctx context.Context, queue string) error

	// Resume re-enables Dequeue for the queue.
	Resume(ctx context.Context, queue string) error

	// IsPaused reports the paused flag for the queue.
	IsPaused(ctx context.Context, queue string) (bool, error)

	// Clean removes jobs in the given state older than grace, up to
	// limit entries (zero limit means no cap). Returns removed job ids.
	Clean(ctx context.Context, queue string, grace time.Duration, limit int, state State) ([]id.JobID, error)

	// Ping verifies the store connection.
	Ping(ctx context.Context) error

	// Close releases store resources.
	Close() error
}
