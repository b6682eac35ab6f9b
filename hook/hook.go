// Package hook defines the lifecycle extension system for Conveyor.
// Extensions are notified of job and queue lifecycle events and can
// react to them — recording metrics, sending notifications, writing
// audit logs, etc.
//
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
package hook

import (
	"context"
	"time"

	"github.com/conveyorhq/conveyor/job"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Job lifecycle hooks
// ──────────────────────────────────────────────────

// JobEnqueued is called after a job is successfully enqueued.
type JobEnqueued interface {
	OnJobEnqueued(ctx context.Context, j *job.Job) error
}

// JobStarted is called when a worker claims a job and begins executing it.
type JobStarted interface {
	OnJobStarted(ctx context.Context, j *job.Job) error
}

// JobProgress is called when a processor reports progress.
type JobProgress interface {
	OnJobProgress(ctx context.Context, j *job.Job, percent int) error
}

// JobCompleted is called after a job finishes successfully.
type JobCompleted interface {
	OnJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) error
}

// JobRetrying is called when a job fails but is scheduled for another
// attempt.
type JobRetrying interface {
	OnJobRetrying(ctx context.Context, j *job.Job, attempt int, availableAt time.Time) error
}

// JobFailed is called when a job fails terminally (attempt budget
// exhausted), including stalled-triggered failures.
type JobFailed interface {
	OnJobFailed(ctx context.Context, j *job.Job, err error) error
}

// JobStalled is called when the reaper reclaims a job whose worker
// stopped heartbeating, before the retry-or-fail outcome hooks fire.
type JobStalled interface {
	OnJobStalled(ctx context.Context, j *job.Job) error
}

// ──────────────────────────────────────────────────
// Queue lifecycle hooks
// ──────────────────────────────────────────────────

// QueuePaused is called after a queue is paused.
type QueuePaused interface {
	OnQueuePaused(ctx context.Context, queue string) error
}

// QueueResumed is called after a paused queue is resumed.
type QueueResumed interface {
	OnQueueResumed(ctx context.Context, queue string) error
}

// Shutdown is called when the service is shutting down gracefully.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
