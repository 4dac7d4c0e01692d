// Package postgres implements the durable job store on PostgreSQL.
// Dequeue uses FOR UPDATE SKIP LOCKED so concurrent workers claim
// disjoint sets without advisory locking.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stromq/strom"
	"github.com/stromq/strom/id"
	"github.com/stromq/strom/job"
)

const schema = `
CREATE TABLE IF NOT EXISTS strom_jobs (
	id             TEXT PRIMARY KEY,
	queue          TEXT NOT NULL,
	type           TEXT NOT NULL,
	payload        BYTEA,
	tier           TEXT NOT NULL DEFAULT 'NORMAL',
	state          TEXT NOT NULL,
	attempts       INT NOT NULL DEFAULT 0,
	max_attempts   INT NOT NULL DEFAULT 3,
	backoff_kind   TEXT NOT NULL DEFAULT 'exponential',
	backoff_delay_ms BIGINT NOT NULL DEFAULT 2000,
	correlation_id TEXT NOT NULL DEFAULT '',
	last_error     TEXT NOT NULL DEFAULT '',
	progress       INT NOT NULL DEFAULT 0,
	worker_id      TEXT,
	run_at         TIMESTAMPTZ NOT NULL,
	processed_at   TIMESTAMPTZ,
	completed_at   TIMESTAMPTZ,
	timeout_ms     BIGINT NOT NULL DEFAULT 0,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS strom_jobs_claim_idx
	ON strom_jobs (queue, state, run_at);
CREATE INDEX IF NOT EXISTS strom_jobs_state_idx
	ON strom_jobs (state, updated_at);

CREATE TABLE IF NOT EXISTS strom_paused_queues (
	queue     TEXT PRIMARY KEY,
	paused_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

const jobColumns = `id, queue, type, payload, tier, state, attempts, max_attempts,
	backoff_kind, backoff_delay_ms, correlation_id, last_error, progress,
	worker_id, run_at, processed_at, completed_at, timeout_ms, created_at, updated_at`

// jobColumnsQualified disambiguates against the claim CTE in Dequeue.
const jobColumnsQualified = `j.id, j.queue, j.type, j.payload, j.tier, j.state, j.attempts,
	j.max_attempts, j.backoff_kind, j.backoff_delay_ms, j.correlation_id,
	j.last_error, j.progress, j.worker_id, j.run_at, j.processed_at,
	j.completed_at, j.timeout_ms, j.created_at, j.updated_at`

// tierWeightSQL orders claims by tier weight descending.
const tierWeightSQL = `CASE tier
	WHEN 'URGENT' THEN 4
	WHEN 'HIGH' THEN 3
	WHEN 'NORMAL' THEN 2
	ELSE 1 END`

// Store is a PostgreSQL-backed job.Store.
type Store struct {
	pool *pgxpool.Pool
}

var _ job.Store = (*Store)(nil)

// New wraps an existing pool. Migrate must be called before use on a
// fresh database.
func New(pool *pgxpool.Pool) *Store { return &Store{pool: pool} }

// Connect dials PostgreSQL and applies the schema.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	s := &Store{pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the store's tables and indexes if missing.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

func scanJob(row pgx.Row) (*job.Job, error) {
	var (
		j            job.Job
		backoffMs    int64
		timeoutMs    int64
		workerID     *string
		processedAt  *time.Time
		completedAt  *time.Time
	)
	err := row.Scan(
		&j.ID, &j.Queue, &j.Type, &j.Payload, &j.Tier, &j.State,
		&j.Attempts, &j.MaxAttempts, &j.BackoffKind, &backoffMs,
		&j.CorrelationID, &j.LastError, &j.Progress, &workerID,
		&j.RunAt, &processedAt, &completedAt, &timeoutMs,
		&j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	j.BackoffDelay = time.Duration(backoffMs) * time.Millisecond
	j.Timeout = time.Duration(timeoutMs) * time.Millisecond
	j.ProcessedAt = processedAt
	j.CompletedAt = completedAt
	if workerID != nil && *workerID != "" {
		wid, pErr := id.Parse(*workerID)
		if pErr == nil {
			j.WorkerID = wid
		}
	}
	return &j, nil
}

func workerIDValue(wid id.WorkerID) any {
	if wid.IsNil() {
		return nil
	}
	return wid.String()
}

// Enqueue inserts a new job. A duplicate id returns
// strom.ErrJobAlreadyExists.
func (s *Store) Enqueue(ctx context.Context, j *job.Job) error {
	const q = `
		INSERT INTO strom_jobs (id, queue, type, payload, tier, state,
			attempts, max_attempts, backoff_kind, backoff_delay_ms,
			correlation_id, last_error, progress, worker_id, run_at,
			processed_at, completed_at, timeout_ms, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`

	_, err := s.pool.Exec(ctx, q,
		j.ID, j.Queue, j.Type, j.Payload, j.Tier, j.State,
		j.Attempts, j.MaxAttempts, j.BackoffKind, j.BackoffDelay.Milliseconds(),
		j.CorrelationID, j.LastError, j.Progress, workerIDValue(j.WorkerID),
		j.RunAt, j.ProcessedAt, j.CompletedAt, j.Timeout.Milliseconds(),
		j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: %s", strom.ErrJobAlreadyExists, j.ID)
		}
		return fmt.Errorf("postgres: enqueue: %w", err)
	}
	return nil
}

// EnqueueBatch inserts a batch for one queue inside a transaction.
func (s *Store) EnqueueBatch(ctx context.Context, queue string, jobs []*job.Job) error {
	if len(jobs) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: enqueue batch: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const q = `
		INSERT INTO strom_jobs (id, queue, type, payload, tier, state,
			attempts, max_attempts, backoff_kind, backoff_delay_ms,
			correlation_id, last_error, progress, worker_id, run_at,
			processed_at, completed_at, timeout_ms, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`

	batch := &pgx.Batch{}
	for _, j := range jobs {
		batch.Queue(q,
			j.ID, queue, j.Type, j.Payload, j.Tier, j.State,
			j.Attempts, j.MaxAttempts, j.BackoffKind, j.BackoffDelay.Milliseconds(),
			j.CorrelationID, j.LastError, j.Progress, workerIDValue(j.WorkerID),
			j.RunAt, j.ProcessedAt, j.CompletedAt, j.Timeout.Milliseconds(),
			j.CreatedAt, j.UpdatedAt,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("postgres: enqueue batch into %q: %w", queue, err)
	}
	return tx.Commit(ctx)
}

// Dequeue claims up to limit due jobs with FOR UPDATE SKIP LOCKED,
// marking them active and incrementing attempts atomically.
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

	q := fmt.Sprintf(`
		WITH claimed AS (
			SELECT id FROM strom_jobs
			WHERE queue = $1
			  AND state IN ('waiting', 'delayed')
			  AND run_at <= now()
			ORDER BY %s DESC, run_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $2
		)
		UPDATE strom_jobs j
		SET state = 'active',
		    attempts = j.attempts + 1,
		    worker_id = $3,
		    processed_at = now(),
		    updated_at = now()
		FROM claimed
		WHERE j.id = claimed.id
		RETURNING `+jobColumnsQualified, tierWeightSQL)

	rows, err := s.pool.Query(ctx, q, queue, limit, workerIDValue(workerID))
	if err != nil {
		return nil, fmt.Errorf("postgres: dequeue: %w", err)
	}
	defer rows.Close()

	var jobs []*job.Job
	for rows.Next() {
		j, sErr := scanJob(rows)
		if sErr != nil {
			return nil, fmt.Errorf("postgres: dequeue scan: %w", sErr)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// Get retrieves a job by id within a specific queue.
func (s *Store) Get(ctx context.Context, queue string, jobID id.JobID) (*job.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM strom_jobs WHERE id = $1 AND queue = $2`,
		jobID, queue)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s in queue %q", strom.ErrJobNotFound, jobID, queue)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get: %w", err)
	}
	return j, nil
}

// Find retrieves a job by id searching all queues.
func (s *Store) Find(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM strom_jobs WHERE id = $1`, jobID)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", strom.ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: find: %w", err)
	}
	return j, nil
}

// Update persists changes to an existing job.
func (s *Store) Update(ctx context.Context, j *job.Job) error {
	const q = `
		UPDATE strom_jobs SET
			queue = $2, tier = $3, state = $4, attempts = $5,
			max_attempts = $6, backoff_kind = $7, backoff_delay_ms = $8,
			last_error = $9, progress = $10, worker_id = $11, run_at = $12,
			processed_at = $13, completed_at = $14, updated_at = now()
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, q,
		j.ID, j.Queue, j.Tier, j.State, j.Attempts,
		j.MaxAttempts, j.BackoffKind, j.BackoffDelay.Milliseconds(),
		j.LastError, j.Progress, workerIDValue(j.WorkerID), j.RunAt,
		j.ProcessedAt, j.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", strom.ErrJobNotFound, j.ID)
	}
	return nil
}

// Delete removes a job by id.
func (s *Store) Delete(ctx context.Context, jobID id.JobID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM strom_jobs WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("postgres: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", strom.ErrJobNotFound, jobID)
	}
	return nil
}

// List returns jobs matching the filter, ordered by creation time.
func (s *Store) List(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM strom_jobs WHERE 1=1`
	args := make([]any, 0, 5)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if opts.Queue != "" {
		q += ` AND queue = ` + arg(opts.Queue)
	}
	if opts.State != "" {
		q += ` AND state = ` + arg(opts.State)
	}
	if opts.Tier != "" {
		q += ` AND tier = ` + arg(opts.Tier)
	}
	q += ` ORDER BY created_at ASC`
	if opts.Limit > 0 {
		q += ` LIMIT ` + arg(opts.Limit)
	}
	if opts.Offset > 0 {
		q += ` OFFSET ` + arg(opts.Offset)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list: %w", err)
	}
	defer rows.Close()

	var jobs []*job.Job
	for rows.Next() {
		j, sErr := scanJob(rows)
		if sErr != nil {
			return nil, fmt.Errorf("postgres: list scan: %w", sErr)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// Counts returns per-state counts. Delayed jobs already due count as
// waiting.
func (s *Store) Counts(ctx context.Context, queue string) (job.Counts, error) {
	const q = `
		SELECT
			COUNT(*) FILTER (WHERE state = 'waiting' OR (state = 'delayed' AND run_at <= now())),
			COUNT(*) FILTER (WHERE state = 'delayed' AND run_at > now()),
			COUNT(*) FILTER (WHERE state = 'active'),
			COUNT(*) FILTER (WHERE state = 'completed'),
			COUNT(*) FILTER (WHERE state = 'failed')
		FROM strom_jobs WHERE queue = $1`

	var c job.Counts
	err := s.pool.QueryRow(ctx, q, queue).Scan(
		&c.Waiting, &c.Delayed, &c.Active, &c.Completed, &c.Failed)
	if err != nil {
		return job.Counts{}, fmt.Errorf("postgres: counts: %w", err)
	}
	return c, nil
}

// Queues returns all queue names present in the jobs or paused tables.
func (s *Store) Queues(ctx context.Context) ([]string, error) {
	const q = `
		SELECT queue FROM strom_jobs
		UNION
		SELECT queue FROM strom_paused_queues
		ORDER BY queue`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("postgres: queues: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("postgres: queues scan: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Pause marks the queue paused.
func (s *Store) Pause(ctx context.Context, queue string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO strom_paused_queues (queue) VALUES ($1) ON CONFLICT DO NOTHING`, queue)
	if err != nil {
		return fmt.Errorf("postgres: pause: %w", err)
	}
	return nil
}

// Resume clears the queue's paused mark.
func (s *Store) Resume(ctx context.Context, queue string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM strom_paused_queues WHERE queue = $1`, queue)
	if err != nil {
		return fmt.Errorf("postgres: resume: %w", err)
	}
	return nil
}

// IsPaused reports whether the queue is paused.
func (s *Store) IsPaused(ctx context.Context, queue string) (bool, error) {
	var paused bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM strom_paused_queues WHERE queue = $1)`, queue).Scan(&paused)
	if err != nil {
		return false, fmt.Errorf("postgres: paused flag: %w", err)
	}
	return paused, nil
}

// Clean removes finished jobs older than grace, oldest first, returning
// the removed ids.
func (s *Store) Clean(ctx context.Context, queue string, grace time.Duration, limit int, state job.State) ([]id.JobID, error) {
	q := `
		DELETE FROM strom_jobs
		WHERE id IN (
			SELECT id FROM strom_jobs
			WHERE queue = $1 AND state = $2 AND updated_at <= $3
			ORDER BY updated_at ASC`
	args := []any{queue, state, time.Now().UTC().Add(-grace)}
	if limit > 0 {
		q += ` LIMIT $4`
		args = append(args, limit)
	}
	q += `) RETURNING id`

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: clean: %w", err)
	}
	defer rows.Close()

	var removed []id.JobID
	for rows.Next() {
		var jobID id.JobID
		if err := rows.Scan(&jobID); err != nil {
			return nil, fmt.Errorf("postgres: clean scan: %w", err)
		}
		removed = append(removed, jobID)
	}
	return removed, rows.Err()
}

// Ping verifies the database connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", strom.ErrStoreUnavailable, err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
