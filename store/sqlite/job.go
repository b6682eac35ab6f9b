package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

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
// constraint violation.
func (s *Store) EnqueueJob(ctx context.Context, j *job.Job) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conveyor_jobs (
			id, queue, payload, priority, state, attempts, max_attempts,
			available_at, result, error, progress, idempotency_key,
			backoff_kind, backoff_base, backoff_max,
			enqueued_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID.String(), j.Queue, j.Payload, j.Priority, string(j.State),
		j.Attempts, j.MaxAttempts,
		j.AvailableAt.UTC(), j.Result, j.Error, j.Progress, j.IdempotencyKey,
		string(j.BackoffKind), j.BackoffBase.Nanoseconds(), j.BackoffMax.Nanoseconds(),
		j.EnqueuedAt.UTC(), j.UpdatedAt.UTC(),
	)
	if err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("%w: %s", conveyor.ErrDuplicateJob, j.ID)
		}
		return fmt.Errorf("conveyor/sqlite: enqueue job: %w", err)
	}
	return nil
}

// ClaimNext claims the highest-priority due job on the queue. SQLite has
// no SKIP LOCKED, but the single-connection pool serializes writers, so
// the UPDATE-with-subquery is claimed by at most one caller.
func (s *Store) ClaimNext(ctx context.Context, queue string, workerID id.WorkerID) (*job.Job, error) {
	paused, err := s.QueuePaused(ctx, queue)
	if err != nil {
		return nil, err
	}
	if paused {
		return nil, nil
	}

	now := time.Now().UTC()
	row := s.db.QueryRowContext(ctx, `
		UPDATE conveyor_jobs
		SET state = 'active', claimed_by = ?, claimed_at = ?,
			heartbeat_at = ?, attempts = attempts + 1, updated_at = ?
		WHERE id = (
			SELECT id FROM conveyor_jobs
			WHERE queue = ?
			  AND state IN ('waiting', 'delayed')
			  AND available_at <= ?
			ORDER BY priority DESC, enqueued_at ASC
			LIMIT 1
		)
		RETURNING`+jobColumns,
		workerID.String(), now, now, now, queue, now,
	)

	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("conveyor/sqlite: claim next: %w", err)
	}
	return j, nil
}

// Heartbeat refreshes the claim timestamp. Zero rows affected means
// ownership was lost.
func (s *Store) Heartbeat(ctx context.Context, jobID id.JobID, workerID id.WorkerID) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE conveyor_jobs
		SET heartbeat_at = ?, updated_at = ?
		WHERE id = ? AND claimed_by = ? AND state = 'active'`,
		now, now, jobID.String(), workerID.String(),
	)
	if err != nil {
		return false, fmt.Errorf("conveyor/sqlite: heartbeat: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	return rows > 0, nil
}

// UpdateProgress records processor-reported progress for an owned job.
func (s *Store) UpdateProgress(ctx context.Context, jobID id.JobID, workerID id.WorkerID, progress int) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conveyor_jobs
		SET progress = ?, updated_at = ?
		WHERE id = ? AND claimed_by = ? AND state = 'active'`,
		progress, time.Now().UTC(), jobID.String(), workerID.String(),
	)
	if err != nil {
		return false, fmt.Errorf("conveyor/sqlite: progress: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	return rows > 0, nil
}

// Complete transitions an owned job to completed. The terminal state
// drops the row out of the idempotency index, releasing the key.
func (s *Store) Complete(ctx context.Context, jobID id.JobID, workerID id.WorkerID, result []byte) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conveyor_jobs
		SET state = 'completed', result = ?, error = '',
			claimed_by = NULL, claimed_at = NULL, heartbeat_at = NULL,
			updated_at = ?
		WHERE id = ? AND claimed_by = ? AND state = 'active'`,
		result, time.Now().UTC(), jobID.String(), workerID.String(),
	)
	if err != nil {
		return false, fmt.Errorf("conveyor/sqlite: complete: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	return rows > 0, nil
}

// Fail applies the job's retry policy: load, check ownership, write the
// retry-or-fail outcome back.
func (s *Store) Fail(ctx context.Context, jobID id.JobID, workerID id.WorkerID, failure string) (*job.FailResult, error) {
	j, err := s.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, conveyor.ErrJobNotFound) {
			return &job.FailResult{Owned: false}, nil
		}
		return nil, err
	}
	if !j.OwnedBy(workerID) {
		return &job.FailResult{Owned: false}, nil
	}

	res := job.ApplyFailure(j, failure, time.Now().UTC())
	if err := s.writeJob(ctx, j); err != nil {
		return nil, err
	}
	return res, nil
}

// RequeueStalled reclaims active jobs whose heartbeat expired, applying
// the same retry-or-fail decision as Fail.
func (s *Store) RequeueStalled(ctx context.Context, queue string, heartbeatTimeout time.Duration) (*job.ReapResult, error) {
	now := time.Now().UTC()
	cutoff := now.Add(-heartbeatTimeout)

	rows, err := s.db.QueryContext(ctx, `
		SELECT`+jobColumns+`
		FROM conveyor_jobs
		WHERE queue = ?
		  AND state = 'active'
		  AND heartbeat_at IS NOT NULL
		  AND heartbeat_at < ?`,
		queue, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("conveyor/sqlite: reap query: %w", err)
	}
	stalled, err := collectJobs(rows)
	if err != nil {
		return nil, err
	}

	result := &job.ReapResult{}
	for _, j := range stalled {
		res := job.ApplyFailure(j, conveyor.ErrJobStalled.Error(), now)
		if err := s.writeJob(ctx, j); err != nil {
			return nil, err
		}
		if res.Retried {
			result.Requeued = append(result.Requeued, j)
		} else {
			result.Failed = append(result.Failed, j)
		}
	}
	return result, nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT`+jobColumns+` FROM conveyor_jobs WHERE id = ?`,
		jobID.String(),
	)
	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, conveyor.ErrJobNotFound
		}
		return nil, fmt.Errorf("conveyor/sqlite: get job: %w", err)
	}
	return j, nil
}

// DeleteJob removes a job that is not currently claimed by a worker.
func (s *Store) DeleteJob(ctx context.Context, jobID id.JobID) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM conveyor_jobs WHERE id = ? AND state <> 'active'`,
		jobID.String(),
	)
	if err != nil {
		return fmt.Errorf("conveyor/sqlite: delete job: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		if _, getErr := s.GetJob(ctx, jobID); getErr != nil {
			return getErr
		}
		return fmt.Errorf("%w: %s", conveyor.ErrJobActive, jobID)
	}
	return nil
}

// RetryJob resets a failed job back to waiting with attempts unchanged.
func (s *Store) RetryJob(ctx context.Context, jobID id.JobID) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE conveyor_jobs
		SET state = 'waiting', error = '', available_at = ?, updated_at = ?,
		    max_attempts = CASE WHEN attempts >= max_attempts THEN attempts + 1 ELSE max_attempts END
		WHERE id = ? AND state = 'failed'`,
		now, now, jobID.String(),
	)
	if err != nil {
		return fmt.Errorf("conveyor/sqlite: retry job: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
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
		WHERE queue = ? AND state = ?
		ORDER BY enqueued_at ASC`
	args := []any{queue, string(state)}

	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	} else if opts.Offset > 0 {
		// SQLite requires LIMIT before OFFSET.
		query += " LIMIT -1"
	}
	if opts.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("conveyor/sqlite: list jobs by state: %w", err)
	}
	return collectJobs(rows)
}

// StateCounts returns per-state totals for the queue.
func (s *Store) StateCounts(ctx context.Context, queue string) (job.Counts, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM conveyor_jobs WHERE queue = ? GROUP BY state`,
		queue,
	)
	if err != nil {
		return job.Counts{}, fmt.Errorf("conveyor/sqlite: state counts: %w", err)
	}
	defer rows.Close()

	var counts job.Counts
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return job.Counts{}, fmt.Errorf("conveyor/sqlite: scan count: %w", err)
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
		return job.Counts{}, fmt.Errorf("conveyor/sqlite: iterate counts: %w", err)
	}
	return counts, nil
}

// PauseQueue stops claims on the queue.
func (s *Store) PauseQueue(ctx context.Context, queue string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conveyor_queue_state (queue, paused, updated_at)
		VALUES (?, 1, ?)
		ON CONFLICT (queue) DO UPDATE SET paused = 1, updated_at = excluded.updated_at`,
		queue, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("conveyor/sqlite: pause queue: %w", err)
	}
	return nil
}

// ResumeQueue re-enables claims on the queue.
func (s *Store) ResumeQueue(ctx context.Context, queue string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conveyor_queue_state (queue, paused, updated_at)
		VALUES (?, 0, ?)
		ON CONFLICT (queue) DO UPDATE SET paused = 0, updated_at = excluded.updated_at`,
		queue, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("conveyor/sqlite: resume queue: %w", err)
	}
	return nil
}

// QueuePaused reports whether the queue is paused.
func (s *Store) QueuePaused(ctx context.Context, queue string) (bool, error) {
	var paused bool
	err := s.db.QueryRowContext(ctx,
		`SELECT paused FROM conveyor_queue_state WHERE queue = ?`,
		queue,
	).Scan(&paused)
	if err != nil {
		if isNoRows(err) {
			return false, nil
		}
		return false, fmt.Errorf("conveyor/sqlite: paused check: %w", err)
	}
	return paused, nil
}

// Clean removes terminal jobs older than the grace period.
func (s *Store) Clean(ctx context.Context, queue string, state job.State, olderThan time.Duration) (int64, error) {
	if !state.Terminal() {
		return 0, fmt.Errorf("%w: clean accepts completed or failed, got %q",
			conveyor.ErrInvalidState, state)
	}

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM conveyor_jobs
		WHERE queue = ? AND state = ? AND updated_at < ?`,
		queue, string(state), time.Now().UTC().Add(-olderThan),
	)
	if err != nil {
		return 0, fmt.Errorf("conveyor/sqlite: clean: %w", err)
	}
	removed, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	return removed, nil
}

// Purge removes all of the queue's jobs regardless of state.
func (s *Store) Purge(ctx context.Context, queue string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM conveyor_jobs WHERE queue = ?`,
		queue,
	)
	if err != nil {
		return 0, fmt.Errorf("conveyor/sqlite: purge: %w", err)
	}
	removed, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	return removed, nil
}

// writeJob persists every mutable field of the job.
func (s *Store) writeJob(ctx context.Context, j *job.Job) error {
	var claimedBy any
	if !j.ClaimedBy.IsNil() {
		claimedBy = j.ClaimedBy.String()
	}
	var claimedAt, heartbeatAt any
	if j.ClaimedAt != nil {
		claimedAt = j.ClaimedAt.UTC()
	}
	if j.HeartbeatAt != nil {
		heartbeatAt = j.HeartbeatAt.UTC()
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE conveyor_jobs SET
			state = ?, attempts = ?, available_at = ?,
			claimed_by = ?, claimed_at = ?, heartbeat_at = ?,
			result = ?, error = ?, progress = ?,
			updated_at = ?
		WHERE id = ?`,
		string(j.State), j.Attempts, j.AvailableAt.UTC(),
		claimedBy, claimedAt, heartbeatAt,
		j.Result, j.Error, j.Progress,
		j.UpdatedAt.UTC(), j.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("conveyor/sqlite: write job: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return conveyor.ErrJobNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanJob scans a single job row.
func scanJob(row rowScanner) (*job.Job, error) {
	var (
		j             job.Job
		idStr         string
		stateStr      string
		claimedBy     sql.NullString
		claimedAt     sql.NullTime
		heartbeatAt   sql.NullTime
		backoffKind   string
		backoffBaseNs int64
		backoffMaxNs  int64
	)
	err := row.Scan(
		&idStr, &j.Queue, &j.Payload, &j.Priority, &stateStr,
		&j.Attempts, &j.MaxAttempts,
		&j.AvailableAt, &claimedBy, &claimedAt, &heartbeatAt,
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
		return nil, fmt.Errorf("conveyor/sqlite: parse job id %q: %w", idStr, parseErr)
	}
	j.ID = parsedID

	if claimedBy.Valid && claimedBy.String != "" {
		parsedWorker, workerErr := id.ParseWorkerID(claimedBy.String)
		if workerErr == nil {
			j.ClaimedBy = parsedWorker
		}
	}
	if claimedAt.Valid {
		t := claimedAt.Time
		j.ClaimedAt = &t
	}
	if heartbeatAt.Valid {
		t := heartbeatAt.Time
		j.HeartbeatAt = &t
	}

	return &j, nil
}

// collectJobs collects all jobs from query rows.
func collectJobs(rows *sql.Rows) ([]*job.Job, error) {
	defer rows.Close()

	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("conveyor/sqlite: scan job row: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conveyor/sqlite: iterate job rows: %w", err)
	}
	return jobs, nil
}
