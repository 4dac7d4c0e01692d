// Package queue implements the queue manager: job lifecycle operations
// (add, bulk-add, get, search, retry, cancel, update-priority, clean)
// and the deterministic priority→queue routing table.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/stromq/strom"
	"github.com/stromq/strom/hooks"
	"github.com/stromq/strom/id"
	"github.com/stromq/strom/job"
)

// Search pagination bounds.
const (
	DefaultPageSize = 50
	MaxPageSize     = 100
)

// AddResult reports where a submitted job landed.
type AddResult struct {
	JobID          id.JobID      `json:"job_id"`
	Queue          string        `json:"queue"`
	EstimatedDelay time.Duration `json:"estimated_delay"`
}

// Manager owns job lifecycle operations and routing. It validates
// payloads against registered type definitions, routes jobs to
// priority/type queues, and delegates persistence to the durable store.
type Manager struct {
	store    job.Store
	registry *job.Registry
	hooks    *hooks.Registry
	router   *Router
	logger   *slog.Logger
}

// NewManager creates a queue manager.
func NewManager(
	store job.Store,
	registry *job.Registry,
	hookReg *hooks.Registry,
	router *Router,
	logger *slog.Logger,
) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if router == nil {
		router = NewRouter()
	}
	return &Manager{
		store:    store,
		registry: registry,
		hooks:    hookReg,
		router:   router,
		logger:   logger,
	}
}

// Router returns the manager's routing table.
func (m *Manager) Router() *Router { return m.router }

// buildJob validates the payload and assembles a Job from options.
func (m *Manager) buildJob(jobType string, payload []byte, opts ...job.Option) (*job.Job, error) {
	if jobType == "" {
		return nil, fmt.Errorf("%w: empty job type", strom.ErrValidation)
	}
	if err := m.registry.Validate(jobType, payload); err != nil {
		return nil, err
	}

	jobOpts := job.DefaultOptions()
	for _, opt := range opts {
		opt(&jobOpts)
	}
	if jobOpts.Tier != "" && !jobOpts.Tier.Valid() {
		return nil, fmt.Errorf("%w: unknown priority tier %q", strom.ErrValidation, jobOpts.Tier)
	}

	now := time.Now().UTC()
	runAt := now
	state := job.StateWaiting
	if !jobOpts.RunAt.IsZero() {
		runAt = jobOpts.RunAt.UTC()
	} else if jobOpts.Delay > 0 {
		runAt = now.Add(jobOpts.Delay)
	}
	if runAt.After(now) {
		state = job.StateDelayed
	}

	jobID := jobOpts.JobID
	if jobID.IsNil() {
		jobID = id.NewJobID()
	}

	tier := jobOpts.Tier
	if tier == "" {
		tier = job.TierNormal
	}

	queueName := jobOpts.Queue
	if queueName == "" {
		queueName = m.router.Route(jobType, jobOpts.Tier)
	}

	return &job.Job{
		Entity:        strom.NewEntity(),
		ID:            jobID,
		Type:          jobType,
		Payload:       payload,
		Tier:          tier,
		State:         state,
		Queue:         queueName,
		MaxAttempts:   jobOpts.MaxAttempts,
		BackoffKind:   jobOpts.BackoffKind,
		BackoffDelay:  jobOpts.BackoffDelay,
		CorrelationID: jobOpts.CorrelationID,
		RunAt:         runAt,
		Timeout:       jobOpts.Timeout,
	}, nil
}

// Add validates, routes, and enqueues a single job.
func (m *Manager) Add(ctx context.Context, jobType string, payload []byte, opts ...job.Option) (*AddResult, error) {
	j, err := m.buildJob(jobType, payload, opts...)
	if err != nil {
		return nil, err
	}

	if err := m.store.Enqueue(ctx, j); err != nil {
		return nil, fmt.Errorf("enqueue job type %q: %w", jobType, err)
	}

	m.hooks.EmitJobEnqueued(ctx, j)

	var estimated time.Duration
	if d := time.Until(j.RunAt); d > 0 {
		estimated = d
	}
	return &AddResult{JobID: j.ID, Queue: j.Queue, EstimatedDelay: estimated}, nil
}

// BulkItem is one job in a bulk submission.
type BulkItem struct {
	Type    string
	Payload []byte
	Opts    []job.Option
}

// AddBulk validates and routes every item, groups the batch by target
// queue, and issues one bulk insert per queue. A failing queue aborts
// the remaining groups and surfaces an error naming that queue; jobs
// already inserted for earlier queues are left intact (no cross-queue
// rollback).
func (m *Manager) AddBulk(ctx context.Context, items []BulkItem) ([]AddResult, error) {
	built := make([]*job.Job, 0, len(items))
	for i, item := range items {
		j, err := m.buildJob(item.Type, item.Payload, item.Opts...)
		if err != nil {
			return nil, fmt.Errorf("bulk item %d: %w", i, err)
		}
		built = append(built, j)
	}

	// Group by computed target queue, preserving submission order
	// within each group.
	groups := make(map[string][]*job.Job)
	order := make([]string, 0)
	for _, j := range built {
		if _, seen := groups[j.Queue]; !seen {
			order = append(order, j.Queue)
		}
		groups[j.Queue] = append(groups[j.Queue], j)
	}

	results := make([]AddResult, 0, len(built))
	for _, queueName := range order {
		group := groups[queueName]
		if err := m.store.EnqueueBatch(ctx, queueName, group); err != nil {
			return results, fmt.Errorf("bulk insert into queue %q: %w", queueName, err)
		}
		for _, j := range group {
			m.hooks.EmitJobEnqueued(ctx, j)
			results = append(results, AddResult{JobID: j.ID, Queue: j.Queue})
		}
	}
	return results, nil
}

// Get retrieves a job by id. With an empty queue name all queues are
// searched.
func (m *Manager) Get(ctx context.Context, jobID id.JobID, queueName string) (*job.Job, error) {
	if queueName != "" {
		return m.store.Get(ctx, queueName, jobID)
	}
	return m.store.Find(ctx, jobID)
}

// UpdatePriority changes a job's tier. Legal only while the job is
// waiting or delayed.
func (m *Manager) UpdatePriority(ctx context.Context, jobID id.JobID, tier job.Tier, queueName string) error {
	if !tier.Valid() {
		return fmt.Errorf("%w: unknown priority tier %q", strom.ErrInvalidArgument, tier)
	}

	j, err := m.Get(ctx, jobID, queueName)
	if err != nil {
		return err
	}
	if j.State != job.StateWaiting && j.State != job.StateDelayed {
		return fmt.Errorf("%w: cannot reprioritize job in state %q", strom.ErrInvalidState, j.State)
	}

	j.Tier = tier
	return m.store.Update(ctx, j)
}

// RetryStrategy overrides attempt/backoff settings for a manual retry.
type RetryStrategy struct {
	MaxAttempts  int
	BackoffKind  job.BackoffKind
	BackoffDelay time.Duration
}

// Retry re-enqueues a terminally failed job. Legal only while the job
// is failed. With a strategy override the job is removed and
// re-enqueued under the same id with fresh attempt/backoff settings;
// otherwise the store entry is reset in place.
func (m *Manager) Retry(ctx context.Context, jobID id.JobID, strategy *RetryStrategy, queueName string) error {
	j, err := m.Get(ctx, jobID, queueName)
	if err != nil {
		return err
	}
	if j.State != job.StateFailed {
		return fmt.Errorf("%w: cannot retry job in state %q", strom.ErrInvalidState, j.State)
	}

	now := time.Now().UTC()

	if strategy != nil {
		if err := m.store.Delete(ctx, j.ID); err != nil {
			return fmt.Errorf("remove job for strategy retry: %w", err)
		}
		j.Attempts = 0
		j.State = job.StateWaiting
		j.RunAt = now
		j.WorkerID = id.Nil
		j.ProcessedAt = nil
		j.CompletedAt = nil
		if strategy.MaxAttempts > 0 {
			j.MaxAttempts = strategy.MaxAttempts
		}
		if strategy.BackoffKind != "" {
			j.BackoffKind = strategy.BackoffKind
		}
		if strategy.BackoffDelay > 0 {
			j.BackoffDelay = strategy.BackoffDelay
		}
		if err := m.store.Enqueue(ctx, j); err != nil {
			return fmt.Errorf("re-enqueue job with strategy: %w", err)
		}
		m.hooks.EmitJobEnqueued(ctx, j)
		return nil
	}

	j.Attempts = 0
	j.State = job.StateWaiting
	j.RunAt = now
	j.WorkerID = id.Nil
	j.ProcessedAt = nil
	j.CompletedAt = nil
	return m.store.Update(ctx, j)
}

// Cancel cancels a queued job. Legal only while the job is waiting or
// delayed; active and terminal jobs cannot be cancelled.
func (m *Manager) Cancel(ctx context.Context, jobID id.JobID, queueName string) error {
	j, err := m.Get(ctx, jobID, queueName)
	if err != nil {
		return err
	}
	if j.State != job.StateWaiting && j.State != job.StateDelayed {
		return fmt.Errorf("%w: cannot cancel job in state %q", strom.ErrInvalidState, j.State)
	}

	j.State = job.StateCancelled
	if err := m.store.Update(ctx, j); err != nil {
		return err
	}

	m.hooks.EmitJobCancelled(ctx, j)
	return nil
}

// BulkOperation names the per-job action applied by BulkOp.
type BulkOperation string

const (
	BulkRetry          BulkOperation = "retry"
	BulkCancel         BulkOperation = "cancel"
	BulkUpdatePriority BulkOperation = "updatePriority"
)

// BulkOpOptions carries operation-specific settings for BulkOp.
type BulkOpOptions struct {
	// Tier is required for updatePriority.
	Tier job.Tier
	// Strategy optionally overrides retry settings.
	Strategy *RetryStrategy
	// Queue scopes the lookup; empty searches all queues.
	Queue string
}

// BulkOpItemResult is the outcome for one job id in a bulk operation.
type BulkOpItemResult struct {
	JobID id.JobID `json:"job_id"`
	OK    bool     `json:"ok"`
	Error string   `json:"error,omitempty"`
}

// BulkOpResult aggregates a bulk operation. Processed + Failed always
// equals the number of submitted job ids.
type BulkOpResult struct {
	Processed int                `json:"processed"`
	Failed    int                `json:"failed"`
	Results   []BulkOpItemResult `json:"results"`
}

// BulkOp applies one operation to each job id independently. A failing
// item never aborts the batch; per-item errors are aggregated into the
// result.
func (m *Manager) BulkOp(ctx context.Context, jobIDs []id.JobID, op BulkOperation, opts BulkOpOptions) (*BulkOpResult, error) {
	if len(jobIDs) == 0 {
		return nil, fmt.Errorf("%w: no job ids given", strom.ErrInvalidArgument)
	}

	res := &BulkOpResult{Results: make([]BulkOpItemResult, 0, len(jobIDs))}
	for _, jobID := range jobIDs {
		var err error
		switch op {
		case BulkRetry:
			err = m.Retry(ctx, jobID, opts.Strategy, opts.Queue)
		case BulkCancel:
			err = m.Cancel(ctx, jobID, opts.Queue)
		case BulkUpdatePriority:
			err = m.UpdatePriority(ctx, jobID, opts.Tier, opts.Queue)
		default:
			err = fmt.Errorf("%w: unknown bulk operation %q", strom.ErrInvalidArgument, op)
		}

		item := BulkOpItemResult{JobID: jobID, OK: err == nil}
		if err != nil {
			item.Error = err.Error()
			res.Failed++
		} else {
			res.Processed++
		}
		res.Results = append(res.Results, item)
	}
	return res, nil
}

// SearchFilters selects jobs for Search.
type SearchFilters struct {
	Queue    string
	State    job.State
	Tier     job.Tier
	Page     int // 1-based; zero means first page
	PageSize int // clamped to [1, MaxPageSize]; zero means DefaultPageSize
}

// SearchResult is one page of matching jobs.
type SearchResult struct {
	Jobs     []*job.Job `json:"jobs"`
	Page     int        `json:"page"`
	PageSize int        `json:"page_size"`
	HasMore  bool       `json:"has_more"`
}

// Search returns a paginated job listing filtered by queue, state and
// tier.
func (m *Manager) Search(ctx context.Context, filters SearchFilters) (*SearchResult, error) {
	page := filters.Page
	if page < 1 {
		page = 1
	}
	size := filters.PageSize
	if size <= 0 {
		size = DefaultPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}

	// Fetch one extra row to detect a following page.
	jobs, err := m.store.List(ctx, job.ListOpts{
		Queue:  filters.Queue,
		State:  filters.State,
		Tier:   filters.Tier,
		Offset: (page - 1) * size,
		Limit:  size + 1,
	})
	if err != nil {
		return nil, fmt.Errorf("search jobs: %w", err)
	}

	hasMore := len(jobs) > size
	if hasMore {
		jobs = jobs[:size]
	}
	return &SearchResult{Jobs: jobs, Page: page, PageSize: size, HasMore: hasMore}, nil
}

// Metrics is a point-in-time count summary for one queue.
type Metrics struct {
	Queue  string     `json:"queue"`
	Counts job.Counts `json:"counts"`
	Paused bool       `json:"paused"`
}

// QueueMetrics returns count summaries. With an empty queue name every
// known queue is reported.
func (m *Manager) QueueMetrics(ctx context.Context, queueName string) ([]Metrics, error) {
	names := []string{queueName}
	if queueName == "" {
		var err error
		names, err = m.store.Queues(ctx)
		if err != nil {
			return nil, fmt.Errorf("list queues: %w", err)
		}
	}

	out := make([]Metrics, 0, len(names))
	for _, name := range names {
		counts, err := m.store.Counts(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("counts for queue %q: %w", name, err)
		}
		paused, err := m.store.IsPaused(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("paused flag for queue %q: %w", name, err)
		}
		out = append(out, Metrics{Queue: name, Counts: counts, Paused: paused})
	}
	return out, nil
}

// Pause stops workers from claiming jobs on the queue.
func (m *Manager) Pause(ctx context.Context, queueName string) error {
	if err := m.store.Pause(ctx, queueName); err != nil {
		return err
	}
	m.logger.Info("queue paused", slog.String("queue", queueName))
	return nil
}

// Resume re-enables claiming on the queue.
func (m *Manager) Resume(ctx context.Context, queueName string) error {
	if err := m.store.Resume(ctx, queueName); err != nil {
		return err
	}
	m.logger.Info("queue resumed", slog.String("queue", queueName))
	return nil
}

// Clean removes jobs in the given state older than grace, up to limit
// entries, and returns how many were removed.
func (m *Manager) Clean(ctx context.Context, queueName string, grace time.Duration, limit int, state job.State) (int, error) {
	switch state {
	case job.StateCompleted, job.StateFailed:
	default:
		return 0, fmt.Errorf("%w: clean supports completed and failed states, got %q", strom.ErrInvalidArgument, state)
	}

	removed, err := m.store.Clean(ctx, queueName, grace, limit, state)
	if err != nil {
		return 0, fmt.Errorf("clean queue %q: %w", queueName, err)
	}
	m.logger.Info("queue cleaned",
		slog.String("queue", queueName),
		slog.String("state", string(state)),
		slog.Int("removed", len(removed)),
	)
	return len(removed), nil
}

// IsNotFound reports whether err is a job or queue not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, strom.ErrJobNotFound) || errors.Is(err, strom.ErrQueueNotFound)
}
