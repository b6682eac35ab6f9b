package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	conveyor "github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/id"
	"github.com/conveyorhq/conveyor/job"
)

// EnqueueJob stores the job as a Hash and indexes it in the queue's
// ready or delayed Sorted Set.
func (s *Store) EnqueueJob(ctx context.Context, j *job.Job) error {
	jID := j.ID.String()
	key := jobKey(jID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("conveyor/redis: enqueue check exists: %w", err)
	}
	if exists > 0 {
		return conveyor.ErrDuplicateJob
	}

	if j.IdempotencyKey != "" {
		if err := s.claimIdempotencyKey(ctx, j); err != nil {
			return err
		}
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, jobToMap(j))
	pipe.SAdd(ctx, jobsKey(j.Queue), jID)
	if j.State == job.StateDelayed {
		pipe.ZAdd(ctx, delayedKey(j.Queue), goredis.Z{Score: timeScore(j.AvailableAt), Member: jID})
	} else {
		pipe.ZAdd(ctx, readyKey(j.Queue), goredis.Z{Score: jobScore(j.Priority, j.EnqueuedAt), Member: jID})
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("conveyor/redis: enqueue job: %w", err)
	}
	return nil
}

// claimIdempotencyKey reserves the job's idempotency key, or fails with
// ErrDuplicateJob when another non-terminal job already holds it.
func (s *Store) claimIdempotencyKey(ctx context.Context, j *job.Job) error {
	holder, err := s.client.HGet(ctx, idempKey(j.Queue), j.IdempotencyKey).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return fmt.Errorf("conveyor/redis: idempotency lookup: %w", err)
	}
	if holder != "" {
		existing, getErr := s.getJobByKey(ctx, jobKey(holder))
		if getErr == nil && !existing.State.Terminal() {
			return fmt.Errorf("%w: idempotency key %q held by %s",
				conveyor.ErrDuplicateJob, j.IdempotencyKey, holder)
		}
	}
	if err := s.client.HSet(ctx, idempKey(j.Queue), j.IdempotencyKey, j.ID.String()).Err(); err != nil {
		return fmt.Errorf("conveyor/redis: idempotency reserve: %w", err)
	}
	return nil
}

// ClaimNext pops the highest-priority due job and marks it active for
// the worker. ZPopMin removes the member atomically, so no two callers
// receive the same job. Returns nil with no error when the queue is
// empty or paused.
func (s *Store) ClaimNext(ctx context.Context, queue string, workerID id.WorkerID) (*job.Job, error) {
	paused, err := s.QueuePaused(ctx, queue)
	if err != nil {
		return nil, err
	}
	if paused {
		return nil, nil
	}

	now := time.Now().UTC()
	if err := s.promoteDue(ctx, queue, now); err != nil {
		return nil, err
	}

	members, err := s.client.ZPopMin(ctx, readyKey(queue), 1).Result()
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: claim zpopmin: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	jID, ok := members[0].Member.(string)
	if !ok {
		return nil, nil
	}
	key := jobKey(jID)

	ts := now.Format(time.RFC3339Nano)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key,
		"state", string(job.StateActive),
		"claimed_by", workerID.String(),
		"claimed_at", ts,
		"heartbeat_at", ts,
		"updated_at", ts,
	)
	pipe.HIncrBy(ctx, key, "attempts", 1)
	pipe.SAdd(ctx, activeKey(queue), jID)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("conveyor/redis: claim update: %w", err)
	}

	return s.getJobByKey(ctx, key)
}

// promoteDue moves delayed jobs whose AvailableAt has passed into the
// ready set.
func (s *Store) promoteDue(ctx context.Context, queue string, now time.Time) error {
	due, err := s.client.ZRangeByScore(ctx, delayedKey(queue), &goredis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return fmt.Errorf("conveyor/redis: promote due: %w", err)
	}

	for _, jID := range due {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			s.client.ZRem(ctx, delayedKey(queue), jID)
			continue
		}

		pipe := s.client.TxPipeline()
		pipe.ZRem(ctx, delayedKey(queue), jID)
		pipe.ZAdd(ctx, readyKey(queue), goredis.Z{Score: jobScore(j.Priority, j.EnqueuedAt), Member: jID})
		pipe.HSet(ctx, jobKey(jID), "state", string(job.StateWaiting))
		if _, pErr := pipe.Exec(ctx); pErr != nil {
			return fmt.Errorf("conveyor/redis: promote move: %w", pErr)
		}
	}
	return nil
}

// Heartbeat renews the claim timestamp for an owned active job.
func (s *Store) Heartbeat(ctx context.Context, jobID id.JobID, workerID id.WorkerID) (bool, error) {
	j, err := s.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, conveyor.ErrJobNotFound) {
			return false, nil
		}
		return false, err
	}
	if !j.OwnedBy(workerID) {
		return false, nil
	}

	ts := time.Now().UTC().Format(time.RFC3339Nano)
	if err := s.client.HSet(ctx, jobKey(jobID.String()), "heartbeat_at", ts, "updated_at", ts).Err(); err != nil {
		return false, fmt.Errorf("conveyor/redis: heartbeat: %w", err)
	}
	return true, nil
}

// UpdateProgress records a progress percentage for an owned active job.
func (s *Store) UpdateProgress(ctx context.Context, jobID id.JobID, workerID id.WorkerID, progress int) (bool, error) {
	j, err := s.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, conveyor.ErrJobNotFound) {
			return false, nil
		}
		return false, err
	}
	if !j.OwnedBy(workerID) {
		return false, nil
	}

	ts := time.Now().UTC().Format(time.RFC3339Nano)
	err = s.client.HSet(ctx, jobKey(jobID.String()),
		"progress", strconv.Itoa(progress),
		"updated_at", ts,
	).Err()
	if err != nil {
		return false, fmt.Errorf("conveyor/redis: progress: %w", err)
	}
	return true, nil
}

// Complete marks an owned job completed and stores its result.
func (s *Store) Complete(ctx context.Context, jobID id.JobID, workerID id.WorkerID, result []byte) (bool, error) {
	j, err := s.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, conveyor.ErrJobNotFound) {
			return false, nil
		}
		return false, err
	}
	if !j.OwnedBy(workerID) {
		return false, nil
	}

	ts := time.Now().UTC().Format(time.RFC3339Nano)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, jobKey(jobID.String()),
		"state", string(job.StateCompleted),
		"result", string(result),
		"error", "",
		"claimed_by", "",
		"claimed_at", "",
		"heartbeat_at", "",
		"updated_at", ts,
	)
	pipe.SRem(ctx, activeKey(j.Queue), jobID.String())
	if j.IdempotencyKey != "" {
		pipe.HDel(ctx, idempKey(j.Queue), j.IdempotencyKey)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("conveyor/redis: complete: %w", err)
	}
	return true, nil
}

// Fail applies the job's retry policy for an owned job.
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
	if err := s.writeFailureOutcome(ctx, j, res); err != nil {
		return nil, err
	}
	return res, nil
}

// writeFailureOutcome persists a job mutated by job.ApplyFailure and
// re-indexes it in the queue's sets.
func (s *Store) writeFailureOutcome(ctx context.Context, j *job.Job, res *job.FailResult) error {
	jID := j.ID.String()

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, jobKey(jID), jobToMap(j))
	pipe.SRem(ctx, activeKey(j.Queue), jID)
	switch j.State {
	case job.StateDelayed:
		pipe.ZAdd(ctx, delayedKey(j.Queue), goredis.Z{Score: timeScore(j.AvailableAt), Member: jID})
	case job.StateWaiting:
		pipe.ZAdd(ctx, readyKey(j.Queue), goredis.Z{Score: jobScore(j.Priority, j.EnqueuedAt), Member: jID})
	case job.StateFailed:
		if j.IdempotencyKey != "" {
			pipe.HDel(ctx, idempKey(j.Queue), j.IdempotencyKey)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("conveyor/redis: record failure: %w", err)
	}
	return nil
}

// RequeueStalled reclaims active jobs whose heartbeat has expired.
func (s *Store) RequeueStalled(ctx context.Context, queue string, heartbeatTimeout time.Duration) (*job.ReapResult, error) {
	ids, err := s.client.SMembers(ctx, activeKey(queue)).Result()
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: stalled smembers: %w", err)
	}

	now := time.Now().UTC()
	cutoff := now.Add(-heartbeatTimeout)
	result := &job.ReapResult{}

	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			s.client.SRem(ctx, activeKey(queue), jID)
			continue
		}
		if j.State != job.StateActive || j.HeartbeatAt == nil || !j.HeartbeatAt.Before(cutoff) {
			continue
		}

		res := job.ApplyFailure(j, conveyor.ErrJobStalled.Error(), now)
		if wErr := s.writeFailureOutcome(ctx, j, res); wErr != nil {
			return nil, wErr
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
	return s.getJobByKey(ctx, jobKey(jobID.String()))
}

// DeleteJob removes a job not currently claimed by a worker.
func (s *Store) DeleteJob(ctx context.Context, jobID id.JobID) error {
	j, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if j.State == job.StateActive {
		return fmt.Errorf("%w: %s", conveyor.ErrJobActive, jobID)
	}

	jID := jobID.String()
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, jobKey(jID))
	pipe.SRem(ctx, jobsKey(j.Queue), jID)
	pipe.ZRem(ctx, readyKey(j.Queue), jID)
	pipe.ZRem(ctx, delayedKey(j.Queue), jID)
	if j.IdempotencyKey != "" {
		pipe.HDel(ctx, idempKey(j.Queue), j.IdempotencyKey)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("conveyor/redis: delete job: %w", err)
	}
	return nil
}

// RetryJob resets a failed job back to waiting with attempts unchanged.
func (s *Store) RetryJob(ctx context.Context, jobID id.JobID) error {
	j, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if j.State != job.StateFailed {
		return fmt.Errorf("%w: retry requires failed state, job %s is %s",
			conveyor.ErrInvalidState, jobID, j.State)
	}

	maxAttempts := j.MaxAttempts
	if j.Attempts >= maxAttempts {
		// Exhausted jobs get one more execution without breaking the
		// attempts ceiling on the next claim.
		maxAttempts = j.Attempts + 1
	}

	jID := jobID.String()
	ts := time.Now().UTC()
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, jobKey(jID),
		"state", string(job.StateWaiting),
		"error", "",
		"max_attempts", strconv.Itoa(maxAttempts),
		"available_at", ts.Format(time.RFC3339Nano),
		"updated_at", ts.Format(time.RFC3339Nano),
	)
	pipe.ZAdd(ctx, readyKey(j.Queue), goredis.Z{Score: jobScore(j.Priority, j.EnqueuedAt), Member: jID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("conveyor/redis: retry job: %w", err)
	}
	return nil
}

// ListJobsByState returns the queue's jobs in the given state, ordered
// by enqueue time.
func (s *Store) ListJobsByState(ctx context.Context, queue string, state job.State, opts job.ListOpts) ([]*job.Job, error) {
	jobs, err := s.queueJobs(ctx, queue)
	if err != nil {
		return nil, err
	}

	matched := jobs[:0]
	for _, j := range jobs {
		if j.State == state {
			matched = append(matched, j)
		}
	}
	sort.Slice(matched, func(a, b int) bool {
		return matched[a].EnqueuedAt.Before(matched[b].EnqueuedAt)
	})

	if opts.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[opts.Offset:]
	if opts.Limit > 0 && opts.Limit < len(matched) {
		matched = matched[:opts.Limit]
	}
	return matched, nil
}

// StateCounts returns per-state totals for one queue.
func (s *Store) StateCounts(ctx context.Context, queue string) (job.Counts, error) {
	jobs, err := s.queueJobs(ctx, queue)
	if err != nil {
		return job.Counts{}, err
	}

	var counts job.Counts
	for _, j := range jobs {
		switch j.State {
		case job.StateWaiting:
			counts.Waiting++
		case job.StateDelayed:
			counts.Delayed++
		case job.StateActive:
			counts.Active++
		case job.StateCompleted:
			counts.Completed++
		case job.StateFailed:
			counts.Failed++
		}
	}
	return counts, nil
}

// PauseQueue stops claims on the queue.
func (s *Store) PauseQueue(ctx context.Context, queue string) error {
	if err := s.client.Set(ctx, pausedKey(queue), "1", 0).Err(); err != nil {
		return fmt.Errorf("conveyor/redis: pause queue: %w", err)
	}
	return nil
}

// ResumeQueue re-enables claims on the queue.
func (s *Store) ResumeQueue(ctx context.Context, queue string) error {
	if err := s.client.Del(ctx, pausedKey(queue)).Err(); err != nil {
		return fmt.Errorf("conveyor/redis: resume queue: %w", err)
	}
	return nil
}

// QueuePaused reports whether the queue is paused.
func (s *Store) QueuePaused(ctx context.Context, queue string) (bool, error) {
	n, err := s.client.Exists(ctx, pausedKey(queue)).Result()
	if err != nil {
		return false, fmt.Errorf("conveyor/redis: paused check: %w", err)
	}
	return n > 0, nil
}

// Clean removes terminal jobs older than the grace period.
func (s *Store) Clean(ctx context.Context, queue string, state job.State, olderThan time.Duration) (int64, error) {
	if !state.Terminal() {
		return 0, fmt.Errorf("%w: clean accepts completed or failed, got %q",
			conveyor.ErrInvalidState, state)
	}

	jobs, err := s.queueJobs(ctx, queue)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().UTC().Add(-olderThan)
	var removed int64
	for _, j := range jobs {
		if j.State != state || !j.UpdatedAt.Before(cutoff) {
			continue
		}
		if dErr := s.DeleteJob(ctx, j.ID); dErr != nil {
			return removed, dErr
		}
		removed++
	}
	return removed, nil
}

// Purge removes every job and index for the queue.
func (s *Store) Purge(ctx context.Context, queue string) (int64, error) {
	ids, err := s.client.SMembers(ctx, jobsKey(queue)).Result()
	if err != nil {
		return 0, fmt.Errorf("conveyor/redis: purge smembers: %w", err)
	}

	pipe := s.client.TxPipeline()
	for _, jID := range ids {
		pipe.Del(ctx, jobKey(jID))
	}
	pipe.Del(ctx, jobsKey(queue), readyKey(queue), delayedKey(queue), activeKey(queue), idempKey(queue))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("conveyor/redis: purge: %w", err)
	}
	return int64(len(ids)), nil
}

// ── helpers ──

// queueJobs loads every job hash indexed under the queue.
func (s *Store) queueJobs(ctx context.Context, queue string) ([]*job.Job, error) {
	ids, err := s.client.SMembers(ctx, jobsKey(queue)).Result()
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: queue smembers: %w", err)
	}

	jobs := make([]*job.Job, 0, len(ids))
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue // skip missing
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// scoreEpochMillis anchors the FIFO tie-break so it stays small enough
// to survive float64 rounding at any priority (2024-01-01T00:00:00Z).
const scoreEpochMillis = 1704067200000

// jobScore computes a ready-set score from priority and enqueue time.
// Lower score = claimed first, so priority is negated and the
// millisecond enqueue offset breaks ties FIFO. The 1e13 priority stride
// keeps priority bands ~317 years apart, so both terms stay exact
// within float64's 2^53 integer range.
func jobScore(priority int, enqueuedAt time.Time) float64 {
	return float64(-priority)*1e13 + float64(enqueuedAt.UnixMilli()-scoreEpochMillis)
}

// timeScore scores the delayed set by due time in unix millis.
func timeScore(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func jobToMap(j *job.Job) map[string]interface{} {
	m := map[string]interface{}{
		"id":              j.ID.String(),
		"queue":           j.Queue,
		"payload":         string(j.Payload),
		"priority":        strconv.Itoa(j.Priority),
		"state":           string(j.State),
		"attempts":        strconv.Itoa(j.Attempts),
		"max_attempts":    strconv.Itoa(j.MaxAttempts),
		"available_at":    j.AvailableAt.Format(time.RFC3339Nano),
		"claimed_by":      j.ClaimedBy.String(),
		"result":          string(j.Result),
		"error":           j.Error,
		"progress":        strconv.Itoa(j.Progress),
		"idempotency_key": j.IdempotencyKey,
		"backoff_kind":    string(j.BackoffKind),
		"backoff_base":    strconv.FormatInt(int64(j.BackoffBase), 10),
		"backoff_max":     strconv.FormatInt(int64(j.BackoffMax), 10),
		"enqueued_at":     j.EnqueuedAt.Format(time.RFC3339Nano),
		"updated_at":      j.UpdatedAt.Format(time.RFC3339Nano),
	}
	if j.ClaimedAt != nil {
		m["claimed_at"] = j.ClaimedAt.Format(time.RFC3339Nano)
	} else {
		m["claimed_at"] = ""
	}
	if j.HeartbeatAt != nil {
		m["heartbeat_at"] = j.HeartbeatAt.Format(time.RFC3339Nano)
	} else {
		m["heartbeat_at"] = ""
	}
	return m
}

func (s *Store) getJobByKey(ctx context.Context, key string) (*job.Job, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: get job: %w", err)
	}
	if len(vals) == 0 {
		return nil, conveyor.ErrJobNotFound
	}
	return mapToJob(vals)
}

func mapToJob(m map[string]string) (*job.Job, error) {
	jID, err := id.ParseJobID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: parse job id: %w", err)
	}

	priority, _ := strconv.Atoi(m["priority"])                        //nolint:errcheck // best-effort parse from trusted Redis data
	attempts, _ := strconv.Atoi(m["attempts"])                        //nolint:errcheck // best-effort parse from trusted Redis data
	maxAttempts, _ := strconv.Atoi(m["max_attempts"])                 //nolint:errcheck // best-effort parse from trusted Redis data
	progress, _ := strconv.Atoi(m["progress"])                        //nolint:errcheck // best-effort parse from trusted Redis data
	backoffBase, _ := strconv.ParseInt(m["backoff_base"], 10, 64)     //nolint:errcheck // best-effort parse from trusted Redis data
	backoffMax, _ := strconv.ParseInt(m["backoff_max"], 10, 64)       //nolint:errcheck // best-effort parse from trusted Redis data
	availableAt, _ := time.Parse(time.RFC3339Nano, m["available_at"]) //nolint:errcheck // best-effort parse from trusted Redis data
	enqueuedAt, _ := time.Parse(time.RFC3339Nano, m["enqueued_at"])   //nolint:errcheck // best-effort parse from trusted Redis data
	updatedAt, _ := time.Parse(time.RFC3339Nano, m["updated_at"])     //nolint:errcheck // best-effort parse from trusted Redis data

	j := &job.Job{
		ID:             jID,
		Queue:          m["queue"],
		Payload:        []byte(m["payload"]),
		Priority:       priority,
		State:          job.State(m["state"]),
		Attempts:       attempts,
		MaxAttempts:    maxAttempts,
		AvailableAt:    availableAt,
		Result:         []byte(m["result"]),
		Error:          m["error"],
		Progress:       progress,
		IdempotencyKey: m["idempotency_key"],
		BackoffKind:    job.BackoffKind(m["backoff_kind"]),
		BackoffBase:    time.Duration(backoffBase),
		BackoffMax:     time.Duration(backoffMax),
		EnqueuedAt:     enqueuedAt,
		UpdatedAt:      updatedAt,
	}
	if len(j.Result) == 0 {
		j.Result = nil
	}

	if wid := m["claimed_by"]; wid != "" {
		j.ClaimedBy, _ = id.ParseWorkerID(wid) //nolint:errcheck // best-effort parse from trusted Redis data
	}
	if v := m["claimed_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		j.ClaimedAt = &t
	}
	if v := m["heartbeat_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		j.HeartbeatAt = &t
	}

	return j, nil
}
