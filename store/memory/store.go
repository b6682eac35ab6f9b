// Package memory provides a fully in-memory job store. Safe for
// concurrent access. Intended for unit testing and development; nothing
// survives a restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	conveyor "github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/id"
	"github.com/conveyorhq/conveyor/job"
)

// Ensure Store implements the job store contract at compile time.
var _ job.Store = (*Store)(nil)

// Store is a mutex-guarded in-memory implementation of store.Store.
// Claims happen under one lock, which gives the required atomic
// compare-and-swap semantics trivially.
type Store struct {
	mu sync.RWMutex

	jobs   map[string]*job.Job
	paused map[string]bool
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		jobs:   make(map[string]*job.Job),
		paused: make(map[string]bool),
	}
}

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// EnqueueJob persists a new job.
func (m *Store) EnqueueJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	if _, exists := m.jobs[key]; exists {
		return conveyor.ErrDuplicateJob
	}

	if j.IdempotencyKey != "" {
		for _, other := range m.jobs {
			if other.Queue == j.Queue &&
				other.IdempotencyKey == j.IdempotencyKey &&
				!other.State.Terminal() {
				return conveyor.ErrDuplicateJob
			}
		}
	}

	cp := *j
	m.jobs[key] = &cp
	return nil
}

// ClaimNext atomically claims the highest-priority eligible job.
func (m *Store) ClaimNext(_ context.Context, queue string, workerID id.WorkerID) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.paused[queue] {
		return nil, nil
	}

	now := time.Now().UTC()

	var best *job.Job
	for _, j := range m.jobs {
		if j.Queue != queue || !j.Eligible(now) {
			continue
		}
		if best == nil || claimBefore(j, best) {
			best = j
		}
	}
	if best == nil {
		return nil, nil
	}

	best.State = job.StateActive
	best.Attempts++
	best.ClaimedBy = workerID
	claimed := now
	best.ClaimedAt = &claimed
	hb := now
	best.HeartbeatAt = &hb
	best.UpdatedAt = now

	// Return a copy so callers can mutate without racing with the store.
	cp := *best
	return &cp, nil
}

// claimBefore reports whether a should be claimed before b:
// priority descending, then EnqueuedAt ascending (FIFO among equals).
func claimBefore(a, b *job.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.EnqueuedAt.Before(b.EnqueuedAt)
}

// Heartbeat refreshes HeartbeatAt for a job still owned by workerID.
func (m *Store) Heartbeat(_ context.Context, jobID id.JobID, workerID id.WorkerID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok || !j.OwnedBy(workerID) {
		return false, nil
	}
	now := time.Now().UTC()
	j.HeartbeatAt = &now
	return true, nil
}

// UpdateProgress records processor-reported progress for an owned job.
func (m *Store) UpdateProgress(_ context.Context, jobID id.JobID, workerID id.WorkerID, progress int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok || !j.OwnedBy(workerID) {
		return false, nil
	}
	j.Progress = progress
	j.UpdatedAt = time.Now().UTC()
	return true, nil
}

// Complete transitions active -> completed for an owned job.
func (m *Store) Complete(_ context.Context, jobID id.JobID, workerID id.WorkerID, result []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok || !j.OwnedBy(workerID) {
		return false, nil
	}

	now := time.Now().UTC()
	j.State = job.StateCompleted
	j.Result = result
	j.Error = ""
	j.ClearClaim()
	j.UpdatedAt = now
	return true, nil
}

// Fail applies the job's retry policy for an owned job.
func (m *Store) Fail(_ context.Context, jobID id.JobID, workerID id.WorkerID, failure string) (*job.FailResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok || !j.OwnedBy(workerID) {
		return &job.FailResult{Owned: false}, nil
	}

	return job.ApplyFailure(j, failure, time.Now().UTC()), nil
}

// RequeueStalled reclaims active jobs whose heartbeat has expired.
func (m *Store) RequeueStalled(_ context.Context, queue string, heartbeatTimeout time.Duration) (*job.ReapResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	cutoff := now.Add(-heartbeatTimeout)
	result := &job.ReapResult{}

	for _, j := range m.jobs {
		if j.Queue != queue || j.State != job.StateActive {
			continue
		}
		if j.HeartbeatAt == nil || !j.HeartbeatAt.Before(cutoff) {
			continue
		}

		res := job.ApplyFailure(j, conveyor.ErrJobStalled.Error(), now)
		cp := *j
		if res.Retried {
			result.Requeued = append(result.Requeued, &cp)
		} else {
			result.Failed = append(result.Failed, &cp)
		}
	}

	return result, nil
}

// GetJob retrieves a job by ID.
func (m *Store) GetJob(_ context.Context, jobID id.JobID) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, conveyor.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

// DeleteJob removes a job that is not currently active.
func (m *Store) DeleteJob(_ context.Context, jobID id.JobID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := jobID.String()
	j, ok := m.jobs[key]
	if !ok {
		return conveyor.ErrJobNotFound
	}
	if j.State == job.StateActive {
		return conveyor.ErrJobActive
	}
	delete(m.jobs, key)
	return nil
}

// RetryJob manually resets a failed job to waiting, attempts unchanged.
func (m *Store) RetryJob(_ context.Context, jobID id.JobID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return conveyor.ErrJobNotFound
	}
	if j.State != job.StateFailed {
		return conveyor.ErrInvalidState
	}

	now := time.Now().UTC()
	j.State = job.StateWaiting
	j.Error = ""
	j.AvailableAt = now
	j.UpdatedAt = now
	if j.Attempts >= j.MaxAttempts {
		// Exhausted jobs get one more execution without breaking the
		// attempts ceiling on the next claim.
		j.MaxAttempts = j.Attempts + 1
	}
	return nil
}

// ListJobsByState returns the queue's jobs in the given state, ordered
// by EnqueuedAt ascending.
func (m *Store) ListJobsByState(_ context.Context, queue string, state job.State, opts job.ListOpts) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if j.Queue != queue || j.State != state {
			continue
		}
		cp := *j
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].EnqueuedAt.Before(result[k].EnqueuedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return nil, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}

	return result, nil
}

// StateCounts returns per-state totals for the queue.
func (m *Store) StateCounts(_ context.Context, queue string) (job.Counts, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var c job.Counts
	for _, j := range m.jobs {
		if j.Queue != queue {
			continue
		}
		switch j.State {
		case job.StateWaiting:
			c.Waiting++
		case job.StateDelayed:
			c.Delayed++
		case job.StateActive:
			c.Active++
		case job.StateCompleted:
			c.Completed++
		case job.StateFailed:
			c.Failed++
		}
	}
	return c, nil
}

// PauseQueue stops claims for the queue.
func (m *Store) PauseQueue(_ context.Context, queue string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused[queue] = true
	return nil
}

// ResumeQueue re-enables claims for the queue.
func (m *Store) ResumeQueue(_ context.Context, queue string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.paused, queue)
	return nil
}

// QueuePaused reports whether the queue is paused.
func (m *Store) QueuePaused(_ context.Context, queue string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.paused[queue], nil
}

// Clean removes terminal jobs older than the grace period.
func (m *Store) Clean(_ context.Context, queue string, state job.State, olderThan time.Duration) (int64, error) {
	if !state.Terminal() {
		return 0, conveyor.ErrInvalidState
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().UTC().Add(-olderThan)
	var count int64
	for key, j := range m.jobs {
		if j.Queue == queue && j.State == state && j.UpdatedAt.Before(cutoff) {
			delete(m.jobs, key)
			count++
		}
	}
	return count, nil
}

// Purge removes all of the queue's jobs regardless of state.
func (m *Store) Purge(_ context.Context, queue string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	for key, j := range m.jobs {
		if j.Queue == queue {
			delete(m.jobs, key)
			count++
		}
	}
	return count, nil
}
