// Package health tracks per-queue processing statistics and classifies
// queue health from them. The Collector is a lifecycle extension: it
// registers with the hook registry and accumulates outcomes as jobs
// finish, with no extra store traffic.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/conveyorhq/conveyor/hook"
	"github.com/conveyorhq/conveyor/job"
)

// Compile-time interface checks.
var (
	_ hook.Extension    = (*Collector)(nil)
	_ hook.JobCompleted = (*Collector)(nil)
	_ hook.JobFailed    = (*Collector)(nil)
	_ hook.JobRetrying  = (*Collector)(nil)
	_ hook.JobStalled   = (*Collector)(nil)
)

// Snapshot is a point-in-time view of one queue's processing history.
type Snapshot struct {
	Queue                   string     `json:"queue"`
	TotalJobs               int64      `json:"total_jobs"`
	SuccessfulJobs          int64      `json:"successful_jobs"`
	FailedJobs              int64      `json:"failed_jobs"`
	RetriedJobs             int64      `json:"retried_jobs"`
	StalledJobs             int64      `json:"stalled_jobs"`
	ConsecutiveFailures     int        `json:"consecutive_failures"`
	AverageProcessingTimeMs float64    `json:"average_processing_time_ms"`
	LastSuccessAt           *time.Time `json:"last_success_at,omitempty"`
	LastFailureAt           *time.Time `json:"last_failure_at,omitempty"`
}

type queueStats struct {
	total               int64
	successes           int64
	failures            int64
	retries             int64
	stalls              int64
	consecutiveFailures int
	avgProcessingMs     float64
	lastSuccessAt       *time.Time
	lastFailureAt       *time.Time
}

// Collector accumulates per-queue statistics from lifecycle events.
// Safe for concurrent use.
type Collector struct {
	mu     sync.RWMutex
	queues map[string]*queueStats
}

// NewCollector creates an empty health collector.
func NewCollector() *Collector {
	return &Collector{queues: make(map[string]*queueStats)}
}

// Name implements hook.Extension.
func (c *Collector) Name() string { return "health-collector" }

// OnJobCompleted implements hook.JobCompleted. A success resets the
// consecutive failure streak and folds the elapsed time into the
// rolling average.
func (c *Collector) OnJobCompleted(_ context.Context, j *job.Job, elapsed time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.stats(j.Queue)
	st.total++
	st.successes++
	st.consecutiveFailures = 0
	now := time.Now().UTC()
	st.lastSuccessAt = &now

	// Cumulative moving average over successful runs.
	ms := float64(elapsed.Microseconds()) / 1000.0
	st.avgProcessingMs += (ms - st.avgProcessingMs) / float64(st.successes)
	return nil
}

// OnJobFailed implements hook.JobFailed.
func (c *Collector) OnJobFailed(_ context.Context, j *job.Job, _ error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.stats(j.Queue)
	st.total++
	st.failures++
	st.consecutiveFailures++
	now := time.Now().UTC()
	st.lastFailureAt = &now
	return nil
}

// OnJobRetrying implements hook.JobRetrying. Retries count toward the
// failure streak but not toward terminal outcomes.
func (c *Collector) OnJobRetrying(_ context.Context, j *job.Job, _ int, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.stats(j.Queue)
	st.retries++
	st.consecutiveFailures++
	now := time.Now().UTC()
	st.lastFailureAt = &now
	return nil
}

// OnJobStalled implements hook.JobStalled.
func (c *Collector) OnJobStalled(_ context.Context, j *job.Job) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats(j.Queue).stalls++
	return nil
}

// stats returns the record for a queue, creating it if needed.
// Caller must hold c.mu.
func (c *Collector) stats(queue string) *queueStats {
	st, ok := c.queues[queue]
	if !ok {
		st = &queueStats{}
		c.queues[queue] = st
	}
	return st
}

// Snapshot returns the current statistics for one queue. An unseen
// queue yields a zero snapshot.
func (c *Collector) Snapshot(queue string) Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st, ok := c.queues[queue]
	if !ok {
		return Snapshot{Queue: queue}
	}
	return Snapshot{
		Queue:                   queue,
		TotalJobs:               st.total,
		SuccessfulJobs:          st.successes,
		FailedJobs:              st.failures,
		RetriedJobs:             st.retries,
		StalledJobs:             st.stalls,
		ConsecutiveFailures:     st.consecutiveFailures,
		AverageProcessingTimeMs: st.avgProcessingMs,
		LastSuccessAt:           st.lastSuccessAt,
		LastFailureAt:           st.lastFailureAt,
	}
}

// Snapshots returns statistics for every queue the collector has seen.
func (c *Collector) Snapshots() []Snapshot {
	c.mu.RLock()
	names := make([]string, 0, len(c.queues))
	for name := range c.queues {
		names = append(names, name)
	}
	c.mu.RUnlock()

	out := make([]Snapshot, 0, len(names))
	for _, name := range names {
		out = append(out, c.Snapshot(name))
	}
	return out
}
