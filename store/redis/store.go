// Package redis implements the durable job store on Redis. Jobs are
// JSON blobs keyed by id; each queue keeps a priority-scored ready
// zset, a delayed zset keyed by due time, and per-state id sets.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stromq/strom"
	"github.com/stromq/strom/id"
	"github.com/stromq/strom/job"
)

// DefaultPrefix namespaces all keys written by the store.
const DefaultPrefix = "strom"

// Option configures the store.
type Option func(*Store)

// WithPrefix overrides the key namespace.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// Store is a Redis-backed job.Store.
type Store struct {
	client redis.UniversalClient
	prefix string
}

var _ job.Store = (*Store)(nil)

// New creates a store on an existing Redis client.
func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, prefix: DefaultPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect dials Redis from a URL ("redis://host:port/db") and returns a
// store over the new client.
func Connect(ctx context.Context, url string, opts ...Option) (*Store, error) {
	ropts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	client := redis.NewClient(ropts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return New(client, opts...), nil
}

// ── keys ────────────────────────────────────────────────────────────

func (s *Store) jobKey(jobID id.JobID) string {
	return s.prefix + ":job:" + jobID.String()
}

func (s *Store) queueIndexKey() string { return s.prefix + ":queues" }

func (s *Store) jobQueueKey() string { return s.prefix + ":job-queue" }

func (s *Store) readyKey(queue string) string {
	return s.prefix + ":queue:" + queue + ":ready"
}

func (s *Store) delayedKey(queue string) string {
	return s.prefix + ":queue:" + queue + ":delayed"
}

func (s *Store) stateKey(queue string, state job.State) string {
	return s.prefix + ":queue:" + queue + ":" + string(state)
}

func (s *Store) jobsKey(queue string) string {
	return s.prefix + ":queue:" + queue + ":jobs"
}

func (s *Store) pausedKey(queue string) string {
	return s.prefix + ":queue:" + queue + ":paused"
}

// readyScore orders the ready zset by tier weight descending, then due
// time ascending. Lower scores pop first.
func readyScore(j *job.Job) float64 {
	return float64(4-j.Tier.Weight())*1e13 + float64(j.RunAt.UnixMilli())
}

// ── store interface ─────────────────────────────────────────────────

// Enqueue persists a new job and indexes it into its queue structures.
func (s *Store) Enqueue(ctx context.Context, j *job.Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("redis: marshal job: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.jobKey(j.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("redis: enqueue: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", strom.ErrJobAlreadyExists, j.ID)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.jobQueueKey(), j.ID.String(), j.Queue)
	pipe.SAdd(ctx, s.queueIndexKey(), j.Queue)
	pipe.SAdd(ctx, s.jobsKey(j.Queue), j.ID.String())
	s.indexByState(ctx, pipe, j)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: enqueue index: %w", err)
	}
	return nil
}

// EnqueueBatch persists a batch destined for one queue in a single
// transaction pipeline. Explicit ids are not deduplicated here; batch
// submission generates fresh ids upstream.
func (s *Store) EnqueueBatch(ctx context.Context, queue string, jobs []*job.Job) error {
	if len(jobs) == 0 {
		return nil
	}

	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, s.queueIndexKey(), queue)
	for _, j := range jobs {
		data, err := json.Marshal(j)
		if err != nil {
			return fmt.Errorf("redis: marshal job: %w", err)
		}
		pipe.Set(ctx, s.jobKey(j.ID), data, 0)
		pipe.HSet(ctx, s.jobQueueKey(), j.ID.String(), queue)
		pipe.SAdd(ctx, s.jobsKey(queue), j.ID.String())
		s.indexByState(ctx, pipe, j)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: enqueue batch: %w", err)
	}
	return nil
}

// indexByState adds the job id to the structure matching its state.
func (s *Store) indexByState(ctx context.Context, pipe redis.Pipeliner, j *job.Job) {
	idStr := j.ID.String()
	switch j.State {
	case job.StateWaiting:
		pipe.ZAdd(ctx, s.readyKey(j.Queue), redis.Z{Score: readyScore(j), Member: idStr})
	case job.StateDelayed:
		pipe.ZAdd(ctx, s.delayedKey(j.Queue), redis.Z{Score: float64(j.RunAt.UnixMilli()), Member: idStr})
	default:
		pipe.SAdd(ctx, s.stateKey(j.Queue, j.State), idStr)
	}
}

// removeFromStructures clears the job id from every queue structure.
func (s *Store) removeFromStructures(ctx context.Context, pipe redis.Pipeliner, queue, idStr string) {
	pipe.ZRem(ctx, s.readyKey(queue), idStr)
	pipe.ZRem(ctx, s.delayedKey(queue), idStr)
	for _, st := range []job.State{job.StateActive, job.StateCompleted, job.StateFailed, job.StateCancelled} {
		pipe.SRem(ctx, s.stateKey(queue, st), idStr)
	}
}

// Dequeue promotes due delayed jobs, then optimistically claims up to
// limit ids from the ready zset. Claim ownership is decided by ZRem:
// the caller that removes the member wins it.
func (s *Store) Dequeue(ctx context.Context, queue string, workerID id.WorkerID, limit int) ([]*job.Job, error) {
	if limit <= 0 {
		return nil, nil
	}

	paused, err := s.IsPaused(ctx, queue)
	if err != nil {
		return nil, err
	}
	if paused {
		return nil, nil
	}

	now := time.Now().UTC()
	if err := s.promoteDue(ctx, queue, now); err != nil {
		return nil, err
	}

	candidates, err := s.client.ZRangeByScore(ctx, s.readyKey(queue), &redis.ZRangeBy{
		Min: "-inf", Max: "+inf", Count: int64(limit * 2),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: dequeue range: %w", err)
	}

	claimed := make([]*job.Job, 0, limit)
	for _, idStr := range candidates {
		if len(claimed) == limit {
			break
		}
		won, zErr := s.client.ZRem(ctx, s.readyKey(queue), idStr).Result()
		if zErr != nil {
			return claimed, fmt.Errorf("redis: dequeue claim: %w", zErr)
		}
		if won == 0 {
			continue
		}

		jobID, pErr := id.Parse(idStr)
		if pErr != nil {
			continue
		}
		j, gErr := s.loadJob(ctx, jobID)
		if gErr != nil {
			continue
		}

		j.State = job.StateActive
		j.Attempts++
		j.WorkerID = workerID
		processed := now
		j.ProcessedAt = &processed
		j.UpdatedAt = now

		if uErr := s.saveIndexed(ctx, j); uErr != nil {
			return claimed, uErr
		}
		claimed = append(claimed, j)
	}
	return claimed, nil
}

// promoteDue moves delayed jobs whose due time has passed into the
// ready zset and flips their state to waiting.
func (s *Store) promoteDue(ctx context.Context, queue string, now time.Time) error {
	due, err := s.client.ZRangeByScore(ctx, s.delayedKey(queue), &redis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return fmt.Errorf("redis: promote delayed: %w", err)
	}

	for _, idStr := range due {
		won, zErr := s.client.ZRem(ctx, s.delayedKey(queue), idStr).Result()
		if zErr != nil || won == 0 {
			continue
		}
		jobID, pErr := id.Parse(idStr)
		if pErr != nil {
			continue
		}
		j, gErr := s.loadJob(ctx, jobID)
		if gErr != nil {
			continue
		}
		j.State = job.StateWaiting
		j.UpdatedAt = now
		if uErr := s.saveIndexed(ctx, j); uErr != nil {
			return uErr
		}
	}
	return nil
}

// saveIndexed writes the job blob and re-indexes its queue structures.
func (s *Store) saveIndexed(ctx context.Context, j *job.Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("redis: marshal job: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.jobKey(j.ID), data, 0)
	s.removeFromStructures(ctx, pipe, j.Queue, j.ID.String())
	s.indexByState(ctx, pipe, j)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: save job: %w", err)
	}
	return nil
}

func (s *Store) loadJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	data, err := s.client.Get(ctx, s.jobKey(jobID)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: %s", strom.ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("redis: load job: %w", err)
	}

	var j job.Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("redis: unmarshal job %s: %w", jobID, err)
	}
	return &j, nil
}

// Get retrieves a job by id within a specific queue.
func (s *Store) Get(ctx context.Context, queue string, jobID id.JobID) (*job.Job, error) {
	j, err := s.loadJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.Queue != queue {
		return nil, fmt.Errorf("%w: %s in queue %q", strom.ErrJobNotFound, jobID, queue)
	}
	return j, nil
}

// Find retrieves a job by id searching all queues.
func (s *Store) Find(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return s.loadJob(ctx, jobID)
}

// Update persists changes to an existing job and re-indexes it.
func (s *Store) Update(ctx context.Context, j *job.Job) error {
	exists, err := s.client.Exists(ctx, s.jobKey(j.ID)).Result()
	if err != nil {
		return fmt.Errorf("redis: update: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("%w: %s", strom.ErrJobNotFound, j.ID)
	}
	j.UpdatedAt = time.Now().UTC()
	return s.saveIndexed(ctx, j)
}

// Delete removes a job and all its index entries.
func (s *Store) Delete(ctx context.Context, jobID id.JobID) error {
	queue, err := s.client.HGet(ctx, s.jobQueueKey(), jobID.String()).Result()
	if err == redis.Nil {
		return fmt.Errorf("%w: %s", strom.ErrJobNotFound, jobID)
	}
	if err != nil {
		return fmt.Errorf("redis: delete: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.jobKey(jobID))
	pipe.HDel(ctx, s.jobQueueKey(), jobID.String())
	pipe.SRem(ctx, s.jobsKey(queue), jobID.String())
	s.removeFromStructures(ctx, pipe, queue, jobID.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: delete: %w", err)
	}
	return nil
}

// List returns jobs matching the filter, ordered by creation time.
// Filtering happens client-side over the queue's id sets; this is an
// admin surface, not a hot path.
func (s *Store) List(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	queues := []string{opts.Queue}
	if opts.Queue == "" {
		var err error
		queues, err = s.Queues(ctx)
		if err != nil {
			return nil, err
		}
	}

	var jobs []*job.Job
	for _, q := range queues {
		ids, err := s.client.SMembers(ctx, s.jobsKey(q)).Result()
		if err != nil {
			return nil, fmt.Errorf("redis: list members: %w", err)
		}
		for _, idStr := range ids {
			jobID, pErr := id.Parse(idStr)
			if pErr != nil {
				continue
			}
			j, gErr := s.loadJob(ctx, jobID)
			if gErr != nil {
				continue
			}
			if opts.State != "" && j.State != opts.State {
				continue
			}
			if opts.Tier != "" && j.Tier != opts.Tier {
				continue
			}
			jobs = append(jobs, j)
		}
	}

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(jobs) {
			return nil, nil
		}
		jobs = jobs[opts.Offset:]
	}
	if opts.Limit > 0 && len(jobs) > opts.Limit {
		jobs = jobs[:opts.Limit]
	}
	return jobs, nil
}

// Counts returns per-state counts. Delayed jobs already due count as
// waiting.
func (s *Store) Counts(ctx context.Context, queue string) (job.Counts, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)

	pipe := s.client.Pipeline()
	ready := pipe.ZCard(ctx, s.readyKey(queue))
	dueDelayed := pipe.ZCount(ctx, s.delayedKey(queue), "-inf", now)
	futureDelayed := pipe.ZCount(ctx, s.delayedKey(queue), "("+now, "+inf")
	active := pipe.SCard(ctx, s.stateKey(queue, job.StateActive))
	completed := pipe.SCard(ctx, s.stateKey(queue, job.StateCompleted))
	failed := pipe.SCard(ctx, s.stateKey(queue, job.StateFailed))
	if _, err := pipe.Exec(ctx); err != nil {
		return job.Counts{}, fmt.Errorf("redis: counts: %w", err)
	}

	return job.Counts{
		Waiting:   ready.Val() + dueDelayed.Val(),
		Delayed:   futureDelayed.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

// Queues returns all queue names the store has seen, sorted.
func (s *Store) Queues(ctx context.Context) ([]string, error) {
	names, err := s.client.SMembers(ctx, s.queueIndexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: queues: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// Pause sets the queue's paused flag.
func (s *Store) Pause(ctx context.Context, queue string) error {
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, s.queueIndexKey(), queue)
	pipe.Set(ctx, s.pausedKey(queue), "1", 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: pause: %w", err)
	}
	return nil
}

// Resume clears the queue's paused flag.
func (s *Store) Resume(ctx context.Context, queue string) error {
	if err := s.client.Del(ctx, s.pausedKey(queue)).Err(); err != nil {
		return fmt.Errorf("redis: resume: %w", err)
	}
	return nil
}

// IsPaused reports the queue's paused flag.
func (s *Store) IsPaused(ctx context.Context, queue string) (bool, error) {
	n, err := s.client.Exists(ctx, s.pausedKey(queue)).Result()
	if err != nil {
		return false, fmt.Errorf("redis: paused flag: %w", err)
	}
	return n > 0, nil
}

// Clean removes finished jobs older than grace, oldest first.
func (s *Store) Clean(ctx context.Context, queue string, grace time.Duration, limit int, state job.State) ([]id.JobID, error) {
	jobs, err := s.List(ctx, job.ListOpts{Queue: queue, State: state})
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().UTC().Add(-grace)
	var removed []id.JobID
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].UpdatedAt.Before(jobs[j].UpdatedAt)
	})
	for _, j := range jobs {
		if limit > 0 && len(removed) >= limit {
			break
		}
		if j.UpdatedAt.After(cutoff) {
			continue
		}
		if dErr := s.Delete(ctx, j.ID); dErr != nil {
			return removed, dErr
		}
		removed = append(removed, j.ID)
	}
	return removed, nil
}

// Ping verifies the Redis connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", strom.ErrStoreUnavailable, err)
	}
	return nil
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}
