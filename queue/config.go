package queue

import (
	"fmt"
	"time"

	conveyor "github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/job"
)

// Default values applied by Normalized for fields left zero.
const (
	DefaultConcurrency      = 4
	DefaultMaxAttempts      = 3
	DefaultBackoffBase      = 1 * time.Second
	DefaultBackoffMax       = 1 * time.Minute
	DefaultHeartbeatTimeout = 30 * time.Second
	DefaultStalledInterval  = 15 * time.Second
	DefaultMaxPayloadBytes  = 1 << 20 // 1 MiB
)

// Config defines per-queue behaviour: worker concurrency, retry policy,
// stalled-job detection, and admission limits.
type Config struct {
	// Name is the queue identifier (must match the job.Queue field).
	Name string

	// Concurrency is the number of jobs from this queue processed
	// simultaneously by one worker pool.
	Concurrency int

	// DefaultPriority is assigned to jobs enqueued without an explicit
	// priority. Higher values are claimed first.
	DefaultPriority int

	// DefaultMaxAttempts is the attempt ceiling for jobs enqueued
	// without an explicit override.
	DefaultMaxAttempts int

	// Retry backoff policy stamped onto each job at enqueue time.
	BackoffKind job.BackoffKind
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// HeartbeatTimeout is how long an active job may go without a
	// heartbeat before the reaper considers it stalled. It must exceed
	// the expected single-job execution gap between heartbeats.
	HeartbeatTimeout time.Duration

	// StalledInterval is how often the reaper sweeps this queue.
	StalledInterval time.Duration

	// MaxPayloadBytes rejects oversized payloads at enqueue time.
	MaxPayloadBytes int

	// RateLimit is the maximum sustained jobs per second admitted for
	// execution. Zero disables rate limiting.
	RateLimit float64

	// RateBurst is the burst size for the token-bucket rate limiter.
	// Defaults to 1 if RateLimit is set but RateBurst is zero.
	RateBurst int
}

// Normalized returns a copy of c with zero fields replaced by defaults.
func (c Config) Normalized() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.DefaultMaxAttempts <= 0 {
		c.DefaultMaxAttempts = DefaultMaxAttempts
	}
	if c.BackoffKind == "" {
		c.BackoffKind = job.BackoffExponential
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffMax < 0 {
		c.BackoffMax = DefaultBackoffMax
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.StalledInterval <= 0 {
		c.StalledInterval = DefaultStalledInterval
	}
	if c.MaxPayloadBytes <= 0 {
		c.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	return c
}

// Validate reports configuration errors that Normalized cannot repair.
func (c Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: queue name is required", conveyor.ErrValidation)
	}
	if c.BackoffKind != "" && c.BackoffKind != job.BackoffFixed && c.BackoffKind != job.BackoffExponential {
		return fmt.Errorf("%w: unknown backoff kind %q", conveyor.ErrValidation, c.BackoffKind)
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("%w: negative rate limit", conveyor.ErrValidation)
	}
	return nil
}
