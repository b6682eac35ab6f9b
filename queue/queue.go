// Package queue provides the client-facing facade over the job store:
// typed enqueue with validation, bulk enqueue, read accessors, and
// administrative operations (pause/resume/clean/purge), plus per-queue
// admission control.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	conveyor "github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/hook"
	"github.com/conveyorhq/conveyor/id"
	"github.com/conveyorhq/conveyor/job"
)

// Queue is a thin, validating wrapper over one named queue in a job
// store. It never touches jobs owned by workers except through the
// store's atomic operations.
type Queue struct {
	cfg    Config
	store  job.Store
	hooks  *hook.Registry
	logger *slog.Logger
}

// New creates a queue facade. The config is validated and normalized.
func New(cfg Config, store job.Store, hooks *hook.Registry, logger *slog.Logger) (*Queue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, conveyor.ErrNoStore
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		cfg:    cfg.Normalized(),
		store:  store,
		hooks:  hooks,
		logger: logger,
	}, nil
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.cfg.Name }

// Config returns a copy of the normalized queue configuration.
func (q *Queue) Config() Config { return q.cfg }

// Store returns the underlying job store.
func (q *Queue) Store() job.Store { return q.store }

// Add validates the payload and options and enqueues one job. The job
// starts waiting, or delayed when a delay is requested. Validation
// errors are returned synchronously and the job never reaches the store.
func (q *Queue) Add(ctx context.Context, payload []byte, opts ...job.Option) (*job.Job, error) {
	if len(payload) > q.cfg.MaxPayloadBytes {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)",
			conveyor.ErrPayloadTooLarge, len(payload), q.cfg.MaxPayloadBytes)
	}

	o := job.CollectOptions(opts...)
	if err := o.Validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	j := &job.Job{
		ID:             id.NewJobID(),
		Queue:          q.cfg.Name,
		Payload:        payload,
		Priority:       o.Priority(q.cfg.DefaultPriority),
		State:          job.StateWaiting,
		MaxAttempts:    o.MaxAttempts(q.cfg.DefaultMaxAttempts),
		AvailableAt:    now,
		IdempotencyKey: o.IdempotencyKey(),
		BackoffKind:    q.cfg.BackoffKind,
		BackoffBase:    q.cfg.BackoffBase,
		BackoffMax:     q.cfg.BackoffMax,
		EnqueuedAt:     now,
		UpdatedAt:      now,
	}
	if d := o.Delay(); d > 0 {
		j.State = job.StateDelayed
		j.AvailableAt = now.Add(d)
	}

	if err := q.store.EnqueueJob(ctx, j); err != nil {
		return nil, err
	}

	if q.hooks != nil {
		q.hooks.EmitJobEnqueued(ctx, j)
	}

	q.logger.Debug("job enqueued",
		slog.String("job_id", j.ID.String()),
		slog.String("queue", j.Queue),
		slog.Int("priority", j.Priority),
	)

	return j, nil
}

// BulkResult reports the outcome of one item in an AddBulk call.
type BulkResult struct {
	Job *job.Job `json:"job,omitempty"`
	Err error    `json:"error,omitempty"`
}

// AddBulk enqueues each payload independently. It is never
// all-or-nothing: one bad item does not fail the batch, and the result
// slice reports per-item success or error in input order.
func (q *Queue) AddBulk(ctx context.Context, payloads [][]byte, opts ...job.Option) []BulkResult {
	results := make([]BulkResult, len(payloads))
	for i, p := range payloads {
		j, err := q.Add(ctx, p, opts...)
		results[i] = BulkResult{Job: j, Err: err}
	}
	return results
}

// GetJob retrieves a job by ID.
func (q *Queue) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return q.store.GetJob(ctx, jobID)
}

// GetState returns the job's current lifecycle state.
func (q *Queue) GetState(ctx context.Context, jobID id.JobID) (job.State, error) {
	j, err := q.store.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	return j.State, nil
}

// GetResult returns the terminal result of a completed job. For a failed
// job it returns the last recorded processor error; for a job that has
// not finished it returns conveyor.ErrInvalidState.
func (q *Queue) GetResult(ctx context.Context, jobID id.JobID) ([]byte, error) {
	j, err := q.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	switch j.State {
	case job.StateCompleted:
		return j.Result, nil
	case job.StateFailed:
		return nil, fmt.Errorf("job %s failed: %s", j.ID, j.Error)
	default:
		return nil, fmt.Errorf("%w: job %s is %s, not terminal",
			conveyor.ErrInvalidState, j.ID, j.State)
	}
}

// Retry manually resets a failed job back to waiting with its attempt
// count unchanged. This is an operator override, distinct from the
// automatic retry applied by the store's Fail operation.
func (q *Queue) Retry(ctx context.Context, jobID id.JobID) error {
	return q.store.RetryJob(ctx, jobID)
}

// Remove deletes a job not currently claimed by a worker. Removing an
// active job fails with conveyor.ErrJobActive.
func (q *Queue) Remove(ctx context.Context, jobID id.JobID) error {
	return q.store.DeleteJob(ctx, jobID)
}

// List returns the queue's jobs in the given state.
func (q *Queue) List(ctx context.Context, state job.State, opts job.ListOpts) ([]*job.Job, error) {
	return q.store.ListJobsByState(ctx, q.cfg.Name, state, opts)
}

// Counts returns per-state totals for the queue.
func (q *Queue) Counts(ctx context.Context) (job.Counts, error) {
	return q.store.StateCounts(ctx, q.cfg.Name)
}

// Pause stops workers from claiming jobs on this queue. Enqueues are
// still accepted and accumulate until Resume.
func (q *Queue) Pause(ctx context.Context) error {
	if err := q.store.PauseQueue(ctx, q.cfg.Name); err != nil {
		return err
	}
	if q.hooks != nil {
		q.hooks.EmitQueuePaused(ctx, q.cfg.Name)
	}
	q.logger.Info("queue paused", slog.String("queue", q.cfg.Name))
	return nil
}

// Resume re-enables claims for a paused queue.
func (q *Queue) Resume(ctx context.Context) error {
	if err := q.store.ResumeQueue(ctx, q.cfg.Name); err != nil {
		return err
	}
	if q.hooks != nil {
		q.hooks.EmitQueueResumed(ctx, q.cfg.Name)
	}
	q.logger.Info("queue resumed", slog.String("queue", q.cfg.Name))
	return nil
}

// Paused reports whether the queue is paused.
func (q *Queue) Paused(ctx context.Context) (bool, error) {
	return q.store.QueuePaused(ctx, q.cfg.Name)
}

// Clean removes terminal jobs older than the grace period. Only
// completed and failed states are accepted.
func (q *Queue) Clean(ctx context.Context, state job.State, olderThan time.Duration) (int64, error) {
	if !state.Terminal() {
		return 0, fmt.Errorf("%w: clean accepts completed or failed, got %q",
			conveyor.ErrValidation, state)
	}
	return q.store.Clean(ctx, q.cfg.Name, state, olderThan)
}

// Purge removes all of the queue's jobs regardless of state. Destructive;
// intended for full resets.
func (q *Queue) Purge(ctx context.Context) (int64, error) {
	n, err := q.store.Purge(ctx, q.cfg.Name)
	if err != nil {
		return 0, err
	}
	q.logger.Warn("queue purged",
		slog.String("queue", q.cfg.Name),
		slog.Int64("removed", n),
	)
	return n, nil
}
