package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/stromq/strom"
	"github.com/stromq/strom/id"
	"github.com/stromq/strom/job"
	"github.com/stromq/strom/queue"
)

// defaultStepDelay paces chain steps when no delay is given.
const defaultStepDelay = time.Second

// ChainState is the lifecycle state of a dependency chain.
type ChainState string

const (
	ChainActive    ChainState = "active"
	ChainCompleted ChainState = "completed"
	ChainFailed    ChainState = "failed"
	ChainCancelled ChainState = "cancelled"
)

// ChainStep describes one job in a dependency chain.
type ChainStep struct {
	Type    string       `json:"type"`
	Payload []byte       `json:"payload"`
	Opts    []job.Option `json:"-"`
}

// Chain is an ordered sequence of jobs where each step is created only
// after the previous step completes successfully. A terminally failed
// step fails the chain; remaining steps are never created.
type Chain struct {
	ID        id.ChainID    `json:"id"`
	Steps     []ChainStep   `json:"steps"`
	StepDelay time.Duration `json:"step_delay"`
	State     ChainState    `json:"state"`
	// Current is the index of the step currently in flight.
	Current     int        `json:"current"`
	JobIDs      []id.JobID `json:"job_ids"`
	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// CreateChain registers a dependency chain and enqueues its first step.
// stepDelay is the pause between a step completing and the next step
// becoming due; zero means one second.
func (s *Scheduler) CreateChain(ctx context.Context, steps []ChainStep, stepDelay time.Duration) (*Chain, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("%w: chain needs at least one step", strom.ErrValidation)
	}
	for i, step := range steps {
		if step.Type == "" {
			return nil, fmt.Errorf("%w: chain step %d has empty job type", strom.ErrValidation, i)
		}
	}
	if stepDelay <= 0 {
		stepDelay = defaultStepDelay
	}

	c := &Chain{
		ID:        id.NewChainID(),
		Steps:     steps,
		StepDelay: stepDelay,
		State:     ChainActive,
		CreatedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	s.chains[c.ID] = c
	s.mu.Unlock()

	if err := s.fireStep(ctx, c, 0, 0); err != nil {
		s.mu.Lock()
		delete(s.chains, c.ID)
		s.mu.Unlock()
		return nil, fmt.Errorf("enqueue chain first step: %w", err)
	}

	s.logger.Info("chain created",
		slog.String("chain_id", c.ID.String()),
		slog.Int("steps", len(steps)),
	)
	return c, nil
}

// fireStep enqueues step idx of the chain, due after delay.
func (s *Scheduler) fireStep(ctx context.Context, c *Chain, idx int, delay time.Duration) error {
	step := c.Steps[idx]
	opts := append([]job.Option{}, step.Opts...)
	opts = append(opts, job.WithCorrelationID(c.ID.String()))
	if delay > 0 {
		opts = append(opts, job.WithDelay(delay))
	}

	res, err := s.queues.Add(ctx, step.Type, step.Payload, opts...)
	if err != nil {
		return err
	}

	s.mu.Lock()
	c.Current = idx
	c.JobIDs = append(c.JobIDs, res.JobID)
	s.jobChain[res.JobID] = c.ID
	s.mu.Unlock()
	return nil
}

// OnJobCompleted advances chains gated on the finished job and settles
// schedule bookkeeping: a delayed entry whose job completed is marked
// fired and deactivated.
func (s *Scheduler) OnJobCompleted(ctx context.Context, j *job.Job, _ time.Duration) error {
	s.mu.Lock()
	if schedID, found := s.jobSched[j.ID]; found {
		delete(s.jobSched, j.ID)
		if e, ok := s.entries[schedID]; ok && e.Kind == KindDelayed {
			done := time.Now().UTC()
			e.LastRun = &done
			e.FireCount++
			e.Enabled = false
		}
	}

	chainID, ok := s.jobChain[j.ID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.jobChain, j.ID)

	c, ok := s.chains[chainID]
	if !ok || c.State != ChainActive {
		s.mu.Unlock()
		return nil
	}

	next := c.Current + 1
	if next >= len(c.Steps) {
		c.State = ChainCompleted
		done := time.Now().UTC()
		c.CompletedAt = &done
		s.mu.Unlock()
		s.logger.Info("chain completed", slog.String("chain_id", c.ID.String()))
		return nil
	}
	delay := c.StepDelay
	s.mu.Unlock()

	if err := s.fireStep(ctx, c, next, delay); err != nil {
		s.mu.Lock()
		c.State = ChainFailed
		c.LastError = err.Error()
		s.mu.Unlock()
		return fmt.Errorf("enqueue chain step %d: %w", next, err)
	}
	return nil
}

// OnJobFailed fails chains whose in-flight step exhausted its attempts
// and counts failures against the schedule entry that spawned the job;
// a failed delayed entry is deactivated.
func (s *Scheduler) OnJobFailed(_ context.Context, j *job.Job, jobErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if schedID, ok := s.jobSched[j.ID]; ok {
		delete(s.jobSched, j.ID)
		if e, found := s.entries[schedID]; found {
			e.FailCount++
			if e.Kind == KindDelayed {
				done := time.Now().UTC()
				e.LastRun = &done
				e.Enabled = false
			}
		}
	}

	chainID, ok := s.jobChain[j.ID]
	if !ok {
		return nil
	}
	delete(s.jobChain, j.ID)

	c, ok := s.chains[chainID]
	if !ok || c.State != ChainActive {
		return nil
	}

	c.State = ChainFailed
	c.LastError = jobErr.Error()
	done := time.Now().UTC()
	c.CompletedAt = &done

	s.logger.Warn("chain failed",
		slog.String("chain_id", c.ID.String()),
		slog.Int("step", c.Current),
		slog.String("error", jobErr.Error()),
	)
	return nil
}

// CancelChain stops a chain: its pending step job is cancelled if still
// queued, and no further steps are created.
func (s *Scheduler) CancelChain(ctx context.Context, chainID id.ChainID) error {
	s.mu.Lock()
	c, ok := s.chains[chainID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", strom.ErrChainNotFound, chainID)
	}
	if c.State != ChainActive {
		s.mu.Unlock()
		return fmt.Errorf("%w: chain is %s", strom.ErrInvalidState, c.State)
	}
	c.State = ChainCancelled
	var pending id.JobID
	if len(c.JobIDs) > 0 {
		pending = c.JobIDs[len(c.JobIDs)-1]
		delete(s.jobChain, pending)
	}
	s.mu.Unlock()

	if !pending.IsNil() {
		if err := s.queues.Cancel(ctx, pending, ""); err != nil && !queue.IsNotFound(err) {
			// Active or finished step jobs run to completion; only
			// queued ones are withdrawn.
			s.logger.Debug("chain step not cancellable",
				slog.String("chain_id", chainID.String()),
				slog.String("job_id", pending.String()),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// Chain returns one chain by id.
func (s *Scheduler) Chain(_ context.Context, chainID id.ChainID) (*Chain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chains[chainID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", strom.ErrChainNotFound, chainID)
	}
	return c, nil
}

// Chains returns all chains, newest first.
func (s *Scheduler) Chains(_ context.Context) []*Chain {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Chain, 0, len(s.chains))
	for _, c := range s.chains {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}
