package job

import (
	"time"

	"github.com/stromq/strom"
	"github.com/stromq/strom/id"
)

// State represents the lifecycle state of a job.
type State string

const (
	// StateWaiting means the job is queued and ready to be claimed.
	StateWaiting State = "waiting"
	// StateDelayed means the job is queued but not due until RunAt.
	StateDelayed State = "delayed"
	// StateActive means a worker is currently executing the job.
	StateActive State = "active"
	// StateCompleted means the job finished successfully. Terminal.
	StateCompleted State = "completed"
	// StateFailed means the job exhausted its attempts. Terminal unless
	// explicitly retried, which moves it back to waiting.
	StateFailed State = "failed"
	// StateCancelled means the job was cancelled before execution. Terminal.
	StateCancelled State = "cancelled"
)

// CanTransition reports whether the state machine permits moving a job
// from one state to another. It is the single source of truth for
// lifecycle legality:
//
//	waiting|delayed → active → completed
//	active → failed → waiting (manual retry)
//	waiting|delayed → cancelled
//	delayed → waiting (delay elapsed)
func CanTransition(from, to State) bool {
	switch from {
	case StateWaiting:
		return to == StateActive || to == StateCancelled
	case StateDelayed:
		return to == StateWaiting || to == StateActive || to == StateCancelled
	case StateActive:
		return to == StateCompleted || to == StateFailed || to == StateWaiting
	case StateFailed:
		return to == StateWaiting
	case StateCompleted, StateCancelled:
		return false
	default:
		return false
	}
}

// Terminal reports whether the state admits no further processing.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// Tier is the priority class of a job. Each tier has its own queue,
// numeric weight, and worker-count bounds.
type Tier string

const (
	TierUrgent Tier = "URGENT"
	TierHigh   Tier = "HIGH"
	TierNormal Tier = "NORMAL"
	TierLow    Tier = "LOW"
)

// Tiers lists all priority tiers from highest to lowest weight.
func Tiers() []Tier {
	return []Tier{TierUrgent, TierHigh, TierNormal, TierLow}
}

// Weight returns the fixed numeric weight of the tier
// (URGENT=4, HIGH=3, NORMAL=2, LOW=1). Unknown tiers weigh as NORMAL.
func (t Tier) Weight() int {
	switch t {
	case TierUrgent:
		return 4
	case TierHigh:
		return 3
	case TierLow:
		return 1
	default:
		return 2
	}
}

// Valid reports whether t is one of the four known tiers.
func (t Tier) Valid() bool {
	switch t {
	case TierUrgent, TierHigh, TierNormal, TierLow:
		return true
	}
	return false
}

// BackoffKind selects the retry delay curve stored with a job.
type BackoffKind string

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffExponential BackoffKind = "exponential"
)

// Job represents a unit of work routed through a priority queue and
// processed by a worker. The payload is opaque to the engine; only the
// Type tag is inspected, to dispatch to a registered handler.
type Job struct {
	strom.Entity

	ID            id.JobID      `json:"id"`
	Type          string        `json:"type"`
	Payload       []byte        `json:"payload"`
	Tier          Tier          `json:"tier"`
	State         State         `json:"state"`
	Queue         string        `json:"queue"`
	Attempts      int           `json:"attempts"`
	MaxAttempts   int           `json:"max_attempts"`
	BackoffKind   BackoffKind   `json:"backoff_kind"`
	BackoffDelay  time.Duration `json:"backoff_delay"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	LastError     string        `json:"last_error,omitempty"`
	Progress      int           `json:"progress,omitempty"`
	WorkerID      id.WorkerID   `json:"worker_id,omitempty"`
	RunAt         time.Time     `json:"run_at"`
	ProcessedAt   *time.Time    `json:"processed_at,omitempty"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
	Timeout       time.Duration `json:"timeout,omitempty"`
}

// Due reports whether the job's RunAt has passed at the given instant.
func (j *Job) Due(now time.Time) bool {
	return j.RunAt.IsZero() || !j.RunAt.After(now)
}
