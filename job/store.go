package job

import (
	"context"
	"time"

	"github.com/conveyorhq/conveyor/id"
)

// ListOpts controls pagination for job list queries.
type ListOpts struct {
	// Limit is the maximum number of jobs to return. Zero means no limit.
	Limit int
	// Offset is the number of jobs to skip.
	Offset int
}

// Counts holds per-state job totals for one queue.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Delayed   int64 `json:"delayed"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Total returns the sum across all states.
func (c Counts) Total() int64 {
	return c.Waiting + c.Delayed + c.Active + c.Completed + c.Failed
}

// FailResult describes the outcome of a Fail call.
type FailResult struct {
	// Owned is false when the caller no longer owned the job (already
	// reaped or completed); in that case nothing changed.
	Owned bool
	// Retried is true when the job went back to waiting/delayed rather
	// than terminally failing.
	Retried bool
	// Attempts is the attempt count at the time of failure.
	Attempts int
	// Delay and AvailableAt describe the backoff applied on retry.
	Delay       time.Duration
	AvailableAt time.Time
}

// ReapResult lists the jobs touched by one stalled-job sweep.
type ReapResult struct {
	// Requeued jobs went back to waiting/delayed for another attempt.
	Requeued []*Job
	// Failed jobs had exhausted their attempt budget and are terminal.
	Failed []*Job
}

// Count returns the total number of jobs reclaimed by the sweep.
func (r *ReapResult) Count() int {
	return len(r.Requeued) + len(r.Failed)
}

// Store defines the persistence contract for jobs. The store is the
// single source of truth: all cross-worker coordination happens through
// its atomic state transitions.
type Store interface {
	// EnqueueJob persists a new job in waiting state, or delayed when
	// AvailableAt is in the future. Returns conveyor.ErrDuplicateJob when
	// the job's idempotency key collides with a non-terminal job on the
	// same queue.
	EnqueueJob(ctx context.Context, j *Job) error

	// ClaimNext atomically claims the highest-priority eligible job on
	// the queue (priority descending, then EnqueuedAt ascending),
	// transitions it to active, increments Attempts, stamps the claim
	// fields, and returns a copy. Returns (nil, nil) when no job is
	// eligible or the queue is paused. At most one caller can claim a
	// given job.
	ClaimNext(ctx context.Context, queue string, workerID id.WorkerID) (*Job, error)

	// Heartbeat refreshes HeartbeatAt for a job still owned by workerID.
	// Returns false if ownership was lost.
	Heartbeat(ctx context.Context, jobID id.JobID, workerID id.WorkerID) (bool, error)

	// UpdateProgress records processor-reported progress (0-100) for a
	// job still owned by workerID. Returns false if ownership was lost.
	UpdateProgress(ctx context.Context, jobID id.JobID, workerID id.WorkerID, progress int) (bool, error)

	// Complete transitions active -> completed with the given result.
	// Returns false if the job is no longer owned by workerID.
	Complete(ctx context.Context, jobID id.JobID, workerID id.WorkerID, result []byte) (bool, error)

	// Fail applies the job's retry policy: back to waiting/delayed with
	// backoff while attempts remain, terminal failed otherwise. The
	// result's Owned field is false if ownership was lost.
	Fail(ctx context.Context, jobID id.JobID, workerID id.WorkerID, failure string) (*FailResult, error)

	// RequeueStalled finds active jobs on the queue whose heartbeat is
	// older than heartbeatTimeout and applies the same retry-or-fail
	// decision as Fail, recording a stalled-job error.
	RequeueStalled(ctx context.Context, queue string, heartbeatTimeout time.Duration) (*ReapResult, error)

	// GetJob retrieves a job by ID.
	GetJob(ctx context.Context, jobID id.JobID) (*Job, error)

	// DeleteJob removes a job that is not currently active. Returns
	// conveyor.ErrJobActive when a worker owns it.
	DeleteJob(ctx context.Context, jobID id.JobID) error

	// RetryJob manually resets a failed job to waiting with Attempts
	// unchanged. Returns conveyor.ErrInvalidState for any other state.
	RetryJob(ctx context.Context, jobID id.JobID) error

	// ListJobsByState returns the queue's jobs in the given state,
	// ordered by EnqueuedAt ascending.
	ListJobsByState(ctx context.Context, queue string, state State, opts ListOpts) ([]*Job, error)

	// StateCounts returns per-state totals for the queue.
	StateCounts(ctx context.Context, queue string) (Counts, error)

	// PauseQueue stops ClaimNext from returning jobs for the queue.
	// Enqueues are still accepted.
	PauseQueue(ctx context.Context, queue string) error

	// ResumeQueue re-enables claims for the queue.
	ResumeQueue(ctx context.Context, queue string) error

	// QueuePaused reports whether the queue is paused.
	QueuePaused(ctx context.Context, queue string) (bool, error)

	// Clean removes the queue's terminal jobs whose UpdatedAt is older
	// than the grace period. Only completed and failed are accepted.
	Clean(ctx context.Context, queue string, state State, olderThan time.Duration) (int64, error)

	// Purge removes all of the queue's jobs regardless of state.
	Purge(ctx context.Context, queue string) (int64, error)
}
