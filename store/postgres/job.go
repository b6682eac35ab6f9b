package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	conveyor "github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/id"
	"github.com/conveyorhq/conveyor/job"
)

const jobColumns = `
	id, queue, payload, priority, state, attempts, max_attempts,
	available_at, claimed_by, claimed_at, heartbeat_at,
	result, error, progress, idempotency_key,
	backoff_kind, backoff_base, backoff_max,
	enqueued_at, updated_at`

// EnqueueJob persists a new job. The partial unique index on
// (queue, idempotency_key) surfaces live-key collisions as a unique
// violation.
func (s *Store) EnqueueJob(ctx context.Context, j *job.Job) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conveyor_jobs (
			id, queue, payload, priority, state, attempts, max_attempts,
			available_at, result, error, progress, idempotency_key,
			backoff_kind, backoff_base, backoff_max,
			enqueued_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12,
			$13, $14, $15,
			$16, $17
		)`,
		j.ID.String(), j.Queue, j.Payload, j.Priority, string(j.State),
		j.Attempts, j.MaxAttempts,
		j.AvailableAt, j.Result, j.Error, j.Progress, j.IdempotencyKey,
		string(j.BackoffKind), j.BackoffBase.Nanoseconds(), j.BackoffMax.Nanoseconds(),
		j.EnqueuedAt, j.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("%w: %s", conveyor.ErrDuplicateJob, j.ID)
		}
		return fmt.Errorf("conveyor/postgres: enqueue job: %w", err)
	}
	return nil
}

// ClaimNext atomically claims the highest-priority due job on the queue.
// FOR UPDATE SKIP LOCKED guarantees at most one claimer per job. Delayed
// jobs whose available_at has passed are claimable directly; no separate
// promotion step is needed.
func (s *Store) ClaimNext(ctx context.Context, queue string, workerID id.WorkerID) (*job.Job, error) {
	paused, err := s.QueuePaused(ctx, queue)
	if err != nil {
		return nil, err
	}
	if paused {
		return nil, nil
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE conveyor_jobs
		SET state = 'active', claimed_by = $2, claimed_at = NOW(),
			heartbeat_at = NOW(), attempts = attempts + 1, updated_at = NOW()
		WHERE id = (
			SELECT id FROM conveyor_jobs
			WHERE queue = $1
			  AND state IN ('waiting', 'delayed')
			  AND available_at <= NOW()
			ORDER BY priority DESC, enqueued_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING`+jobColumns,
		queue, workerID.String(),
	)

	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("conveyor/postgres: claim next: %w", err)
	}
	return j, nil
}

// Heartbeat refreshes the claim timestamp. Zero rows affected means
// ownership was lost.
func (s *Store) Heartbeat(ctx context.Context, jobID id.JobID, workerID id.WorkerID) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conveyor_jobs
		SET heartbeat_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND claimed_by = $2 AND state = 'active'`,
		jobID.String(), workerID.String(),
	)
	if err != nil {
		return false, fmt.Errorf("conveyor/postgres: heartbeat: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// UpdateProgress records processor-reported progress for an owned job.
func (s *Store) UpdateProgress(ctx context.Context, jobID id.JobID, workerID id.WorkerID, progress int) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conveyor_jobs
		SET progress = $3, updated_at = NOW()
		WHERE id = $1 AND claimed_by = $2 AND state = 'active'`,
		jobID.String(), workerID.String(), progress,
	)
	if err != nil {
		return false, fmt.Errorf("conveyor/postgres: progress: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Complete transitions an owned job to completed. The terminal state
// drops the row out of the idempotency index, releasing the key.
func (s *Store) Complete(ctx context.Context, jobID id.JobID, workerID id.WorkerID, result []byte) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conveyor_jobs
		SET state = 'completed', result = $3, error = '',
			claimed_by = NULL, claimed_at = NULL, heartbeat_at = NULL,
			updated_at = NOW()
		WHERE id = $1 AND claimed_by = $2 AND state = 'active'`,
		jobID.String(), workerID.String(), result,
	)
	if err != nil {
		return false, fmt.Errorf("conveyor/postgres: complete: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Fail applies the job's retry policy inside a transaction: the row is
// locked, ownership checked, and the retry-or-fail outcome written back.
func (s *Store) Fail(ctx context.Context, jobID id.JobID, workerID id.WorkerID, failure string) (*job.FailResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("conveyor/postgres: fail begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	row := tx.QueryRow(ctx,
		`SELECT`+jobColumns+` FROM conveyor_jobs WHERE id = $1 FOR UPDATE`,
		jobID.String(),
	)
	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return &job.FailResult{Owned: false}, nil
		}
		return nil, fmt.Errorf("conveyor/postgres: fail load: %w", err)
	}
	if !j.OwnedBy(workerID) {
		return &job.FailResult{Owned: false}, nil
	}

	res := job.ApplyFailure(j, failure, time.Now().UTC())
	if err := writeJob(ctx, tx, j); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("conveyor/postgres: fail commit: %w", err)
	}
	return res, nil
}

// RequeueStalled reclaims active jobs whose heartbeat expired, applying
// the same retry-or-fail decision as Fail.
func (s *Store) RequeueStalled(ctx context.Context, queue string, heartbeatTimeout time.Duration) (*job.ReapResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("conveyor/postgres: reap begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	rows, err := tx.Query(ctx, `
		SELECT`+jobColumns+`
		FROM conveyor_jobs
		WHERE queue = $1
		  AND state = 'active'
		  AND heartbeat_at IS NOT NULL
		  AND heartbeat_at < NOW() - $2::interval
		FOR UPDATE SKIP LOCKED`,
		queue, heartbeatTimeout.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("conveyor/postgres: reap query: %w", err)
	}
	stalled, err := collectJobs(rows)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	result := &job.ReapResult{}
	for _, j := range stalled {
		res := job.ApplyFailure(j, conveyor.ErrJobStalled.Error(), now)
		if err := writeJob(ctx, tx, j); err != nil {
			return nil, err
		}
		if res.Retried {
			result.Requeued = append(result.Requeued, j)
		} else {
			result.Failed = append(result.Failed, j)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("conveyor/postgres: reap commit: %w", err)
	}
	return result, nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT`+jobColumns+` FROM conveyor_jobs WHERE id = $1`,
		jobID.String(),
	)
	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, conveyor.ErrJobNotFound
		}
		return nil, fmt.Errorf("conveyor/postgres: get job: %w", err)
	}
	return j, nil
}

// DeleteJob removes a job that is not currently claimed by a worker.
func (s *Store) DeleteJob(ctx context.Context, jobID id.JobID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM conveyor_jobs WHERE id = $1 AND state <> 'active'`,
		jobID.String(),
	)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Either missing or active; look to report the right error.
		if _, getErr := s.GetJob(ctx, jobID); getErr != nil {
			return getErr
		}
		return fmt.Errorf("%w: %s", conveyor.ErrJobActive, jobID)
	}
	return nil
}

// RetryJob resets a failed job back to waiting with attempts unchanged.
func (s *Store) RetryJob(ctx context.Context, jobID id.JobID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conveyor_jobs
		SET state = 'waiting', error = '', available_at = NOW(), updated_at = NOW(),
		    max_attempts = CASE WHEN attempts >= max_attempts THEN attempts + 1 ELSE max_attempts END
		WHERE id = $1 AND state = 'failed'`,
		jobID.String(),
	)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: retry job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		j, getErr := s.GetJob(ctx, jobID)
		if getErr != nil {
			return getErr
		}
		return fmt.Errorf("%w: retry requires failed state, job %s is %s",
			conveyor.ErrInvalidState, jobID, j.State)
	}
	return nil
}

// ListJobsByState returns the queue's jobs in the given state, ordered
// by enqueue time.
func (s *Store) ListJobsByState(ctx context.Context, queue string, state job.State, opts job.ListOpts) ([]*job.Job, error) {
	query := `SELECT` + jobColumns + `
		FROM conveyor_jobs
		WHERE queue = $1 AND state = $2
		ORDER BY enqueued_at ASC`
	args := []interface{}{queue, string(state)}
	argIdx := 3

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("conveyor/postgres: list jobs by state: %w", err)
	}
	return collectJobs(rows)
}

// StateCounts returns per-state totals for the queue.
func (s *Store) StateCounts(ctx context.Context, queue string) (job.Counts, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT state, COUNT(*) FROM conveyor_jobs WHERE queue = $1 GROUP BY state`,
		queue,
	)
	if err != nil {
		return job.Counts{}, fmt.Errorf("conveyor/postgres: state counts: %w", err)
	}
	defer rows.Close()

	var counts job.Counts
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return job.Counts{}, fmt.Errorf("conveyor/postgres: scan count: %w", err)
		}
		switch job.State(state) {
		case job.StateWaiting:
			counts.Waiting = n
		case job.StateDelayed:
			counts.Delayed = n
		case job.StateActive:
			counts.Active = n
		case job.StateCompleted:
			counts.Completed = n
		case job.StateFailed:
			counts.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return job.Counts{}, fmt.Errorf("conveyor/postgres: iterate counts: %w", err)
	}
	return counts, nil
}

// PauseQueue stops claims on the queue.
func (s *Store) PauseQueue(ctx context.Context, queue string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conveyor_queue_state (queue, paused, updated_at)
		VALUES ($1, TRUE, NOW())
		ON CONFLICT (queue) DO UPDATE SET paused = TRUE, updated_at = NOW()`,
		queue,
	)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: pause queue: %w", err)
	}
	return nil
}

// ResumeQueue re-enables claims on the queue.
func (s *Store) ResumeQueue(ctx context.Context, queue string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conveyor_queue_state (queue, paused, updated_at)
		VALUES ($1, FALSE, NOW())
		ON CONFLICT (queue) DO UPDATE SET paused = FALSE, updated_at = NOW()`,
		queue,
	)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: resume queue: %w", err)
	}
	return nil
}

// QueuePaused reports whether the queue is paused.
func (s *Store) QueuePaused(ctx context.Context, queue string) (bool, error) {
	var paused bool
	err := s.pool.QueryRow(ctx,
		`SELECT paused FROM conveyor_queue_state WHERE queue = $1`,
		queue,
	).Scan(&paused)
	if err != nil {
		if isNoRows(err) {
			return false, nil
		}
		return false, fmt.Errorf("conveyor/postgres: paused check: %w", err)
	}
	return paused, nil
}

// Clean removes terminal jobs older than the grace period.
func (s *Store) Clean(ctx context.Context, queue string, state job.State, olderThan time.Duration) (int64, error) {
	if !state.Terminal() {
		return 0, fmt.Errorf("%w: clean accepts completed or failed, got %q",
			conveyor.ErrInvalidState, state)
	}

	tag, err := s.pool.Exec(ctx, `
		DELETE FROM conveyor_jobs
		WHERE queue = $1 AND state = $2 AND updated_at < NOW() - $3::interval`,
		queue, string(state), olderThan.String(),
	)
	if err != nil {
		return 0, fmt.Errorf("conveyor/postgres: clean: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Purge removes all of the queue's jobs regardless of state.
func (s *Store) Purge(ctx context.Context, queue string) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM conveyor_jobs WHERE queue = $1`,
		queue,
	)
	if err != nil {
		return 0, fmt.Errorf("conveyor/postgres: purge: %w", err)
	}
	return tag.RowsAffected(), nil
}

// writeJob persists every mutable field of the job within the caller's
// transaction.
func writeJob(ctx context.Context, tx pgx.Tx, j *job.Job) error {
	var claimedBy *string
	if !j.ClaimedBy.IsNil() {
		v := j.ClaimedBy.String()
		claimedBy = &v
	}

	tag, err := tx.Exec(ctx, `
		UPDATE conveyor_jobs SET
			state = $2, attempts = $3, available_at = $4,
			claimed_by = $5, claimed_at = $6, heartbeat_at = $7,
			result = $8, error = $9, progress = $10,
			updated_at = $11
		WHERE id = $1`,
		j.ID.String(), string(j.State), j.Attempts, j.AvailableAt,
		claimedBy, j.ClaimedAt, j.HeartbeatAt,
		j.Result, j.Error, j.Progress,
		j.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: write job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return conveyor.ErrJobNotFound
	}
	return nil
}

// scanJob scans a single job row.
func scanJob(row pgx.Row) (*job.Job, error) {
	var (
		j             job.Job
		idStr         string
		stateStr      string
		claimedBy     *string
		backoffKind   string
		backoffBaseNs int64
		backoffMaxNs  int64
	)
	err := row.Scan(
		&idStr, &j.Queue, &j.Payload, &j.Priority, &stateStr,
		&j.Attempts, &j.MaxAttempts,
		&j.AvailableAt, &claimedBy, &j.ClaimedAt, &j.HeartbeatAt,
		&j.Result, &j.Error, &j.Progress, &j.IdempotencyKey,
		&backoffKind, &backoffBaseNs, &backoffMaxNs,
		&j.EnqueuedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	j.State = job.State(stateStr)
	j.BackoffKind = job.BackoffKind(backoffKind)
	j.BackoffBase = time.Duration(backoffBaseNs)
	j.BackoffMax = time.Duration(backoffMaxNs)

	parsedID, parseErr := id.ParseJobID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("conveyor/postgres: parse job id %q: %w", idStr, parseErr)
	}
	j.ID = parsedID

	if claimedBy != nil && *claimedBy != "" {
		parsedWorker, workerErr := id.ParseWorkerID(*claimedBy)
		if workerErr == nil {
			j.ClaimedBy = parsedWorker
		}
	}

	return &j, nil
}

// collectJobs collects all jobs from query rows.
func collectJobs(rows pgx.Rows) ([]*job.Job, error) {
	defer rows.Close()

	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("conveyor/postgres: scan job row: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conveyor/postgres: iterate job rows: %w", err)
	}
	return jobs, nil
}
