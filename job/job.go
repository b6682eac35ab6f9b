package job

import (
	"time"

	"github.com/conveyorhq/conveyor/id"
)

// State represents the lifecycle state of a job.
type State string

const (
	// StateWaiting means the job is eligible to be claimed by a worker.
	StateWaiting State = "waiting"
	// StateDelayed means the job is scheduled for the future and becomes
	// claimable once AvailableAt elapses.
	StateDelayed State = "delayed"
	// StateActive means a worker currently owns the job.
	StateActive State = "active"
	// StateCompleted means the job finished successfully.
	StateCompleted State = "completed"
	// StateFailed means the job failed and will not be retried.
	StateFailed State = "failed"
)

// Terminal reports whether s is a terminal state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Valid reports whether s is a known job state.
func (s State) Valid() bool {
	switch s {
	case StateWaiting, StateDelayed, StateActive, StateCompleted, StateFailed:
		return true
	}
	return false
}

// BackoffKind selects the retry delay curve for a job.
type BackoffKind string

const (
	// BackoffFixed retries after a constant delay.
	BackoffFixed BackoffKind = "fixed"
	// BackoffExponential doubles the delay on every attempt.
	BackoffExponential BackoffKind = "exponential"
)

// Job represents one unit of queued work. The store exclusively owns
// the authoritative record; workers hold a copy for the duration of a
// single claim and reconcile through the store's atomic operations.
type Job struct {
	ID       id.JobID `json:"id"`
	Queue    string   `json:"queue"`
	Payload  []byte   `json:"payload"`
	Priority int      `json:"priority"`
	State    State    `json:"state"`

	// Attempts counts execution attempts started so far. It is
	// incremented when a worker claims the job, so Attempts <= MaxAttempts
	// holds after every transition.
	Attempts    int `json:"attempts"`
	MaxAttempts int `json:"max_attempts"`

	// AvailableAt is the earliest time the job may be claimed. Used for
	// initial delays and retry backoff.
	AvailableAt time.Time `json:"available_at"`

	// Claim bookkeeping, set while a worker owns the job and cleared on
	// completion, failure, or reap.
	ClaimedBy   id.WorkerID `json:"claimed_by,omitempty"`
	ClaimedAt   *time.Time  `json:"claimed_at,omitempty"`
	HeartbeatAt *time.Time  `json:"heartbeat_at,omitempty"`

	// Result and Error are terminal outputs, mutually exclusive.
	Result []byte `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`

	// Progress is the last value reported by the processor, 0-100.
	Progress int `json:"progress"`

	// IdempotencyKey, when set, rejects a second enqueue with the same
	// key while a non-terminal job for the same queue holds it.
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	// Retry policy, captured from queue configuration at enqueue time so
	// the store can reschedule without external lookups.
	BackoffKind BackoffKind   `json:"backoff_kind"`
	BackoffBase time.Duration `json:"backoff_base"`
	BackoffMax  time.Duration `json:"backoff_max,omitempty"`

	EnqueuedAt time.Time `json:"enqueued_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Eligible reports whether the job may be claimed at the given instant.
func (j *Job) Eligible(now time.Time) bool {
	if j.State != StateWaiting && j.State != StateDelayed {
		return false
	}
	return !j.AvailableAt.After(now)
}

// OwnedBy reports whether the job is active and claimed by workerID.
func (j *Job) OwnedBy(workerID id.WorkerID) bool {
	return j.State == StateActive && j.ClaimedBy.String() == workerID.String()
}

// ClearClaim resets all claim bookkeeping fields.
func (j *Job) ClearClaim() {
	j.ClaimedBy = id.Nil
	j.ClaimedAt = nil
	j.HeartbeatAt = nil
}
