// Package worker provides the job execution engine — an Executor that
// invokes registered handlers through middleware, and a Pool that
// manages concurrent worker goroutines claiming jobs from one queue.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/conveyorhq/conveyor/hook"
	"github.com/conveyorhq/conveyor/id"
	"github.com/conveyorhq/conveyor/job"
	"github.com/conveyorhq/conveyor/middleware"
)

// Executor runs a single claimed job through middleware and the
// registered handler, then records the outcome in the store and emits
// lifecycle events. Retry scheduling is decided by the store's Fail
// operation, so the executor never races the reaper on state.
type Executor struct {
	registry *job.Registry
	hooks    *hook.Registry
	store    job.Store
	mw       middleware.Middleware
	logger   *slog.Logger
}

// NewExecutor creates an Executor with the given dependencies.
func NewExecutor(
	registry *job.Registry,
	hooks *hook.Registry,
	store job.Store,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Executor {
	return &Executor{
		registry: registry,
		hooks:    hooks,
		store:    store,
		mw:       middleware.Chain(mws...),
		logger:   logger,
	}
}

// Execute runs a claimed job through the middleware chain and handler.
// On success: records completion, emits JobCompleted.
// On failure: records the failure; the store decides retry vs terminal
// and the matching JobRetrying or JobFailed event is emitted.
// Outcomes for jobs whose claim was lost (reaped while running) are
// discarded by the store's ownership check and logged here.
func (e *Executor) Execute(ctx context.Context, j *job.Job, workerID id.WorkerID) error {
	handler, ok := e.registry.Get(j.Queue)
	if !ok {
		return e.recordFailure(ctx, j, workerID, fmt.Errorf("no handler registered for queue %q", j.Queue))
	}

	progress := func(percent int) {
		e.reportProgress(ctx, j, workerID, percent)
	}

	var result []byte
	terminal := func(ctx context.Context) error {
		var err error
		result, err = handler(ctx, j, progress)
		return err
	}

	start := time.Now()
	err := e.mw(ctx, j, terminal)
	elapsed := time.Since(start)

	if err != nil {
		return e.recordFailure(ctx, j, workerID, err)
	}
	return e.recordSuccess(ctx, j, workerID, result, elapsed)
}

func (e *Executor) recordSuccess(ctx context.Context, j *job.Job, workerID id.WorkerID, result []byte, elapsed time.Duration) error {
	// The job context may already be cancelled (timeout, shutdown);
	// the outcome still has to reach the store.
	ctx = context.WithoutCancel(ctx)

	owned, err := e.store.Complete(ctx, j.ID, workerID, result)
	if err != nil {
		e.logger.Error("failed to record job completion",
			slog.String("job_id", j.ID.String()),
			slog.String("queue", j.Queue),
			slog.String("error", err.Error()),
		)
		return err
	}
	if !owned {
		e.logger.Warn("discarding completion of job claimed elsewhere",
			slog.String("job_id", j.ID.String()),
			slog.String("queue", j.Queue),
		)
		return nil
	}

	e.hooks.EmitJobCompleted(ctx, j, elapsed)
	return nil
}

func (e *Executor) recordFailure(ctx context.Context, j *job.Job, workerID id.WorkerID, handlerErr error) error {
	ctx = context.WithoutCancel(ctx)

	res, err := e.store.Fail(ctx, j.ID, workerID, handlerErr.Error())
	if err != nil {
		e.logger.Error("failed to record job failure",
			slog.String("job_id", j.ID.String()),
			slog.String("queue", j.Queue),
			slog.String("error", err.Error()),
		)
		return err
	}
	if !res.Owned {
		e.logger.Warn("discarding failure of job claimed elsewhere",
			slog.String("job_id", j.ID.String()),
			slog.String("queue", j.Queue),
		)
		return handlerErr
	}

	if res.Retried {
		e.hooks.EmitJobRetrying(ctx, j, res.Attempts, res.AvailableAt)
		e.logger.Info("job scheduled for retry",
			slog.String("job_id", j.ID.String()),
			slog.String("queue", j.Queue),
			slog.Int("attempt", res.Attempts),
			slog.Int("max_attempts", j.MaxAttempts),
			slog.Duration("delay", res.Delay),
		)
	} else {
		e.hooks.EmitJobFailed(ctx, j, handlerErr)
		e.logger.Warn("job failed permanently",
			slog.String("job_id", j.ID.String()),
			slog.String("queue", j.Queue),
			slog.Int("attempts", res.Attempts),
			slog.String("error", handlerErr.Error()),
		)
	}

	return handlerErr
}

func (e *Executor) reportProgress(ctx context.Context, j *job.Job, workerID id.WorkerID, percent int) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	owned, err := e.store.UpdateProgress(ctx, j.ID, workerID, percent)
	if err != nil {
		e.logger.Warn("progress update failed",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	if owned {
		e.hooks.EmitJobProgress(ctx, j, percent)
	}
}
