// Package retry provides pluggable backoff strategies for job execution.
// All policies are safe for concurrent use (they are stateless).
package retry

import (
	"math"
	"math/rand/v2"
	"time"
)

// Policy computes the delay before a retry attempt.
type Policy interface {
	// Delay returns how long to wait before the try following attempt n.
	// The argument is the attempt count so far, so the first failure
	// (attempt 1) schedules the second try with Delay(1).
	Delay(attempt int) time.Duration
}

// ShouldRetry reports whether another attempt is allowed after the given
// number of started attempts.
func ShouldRetry(attempt, maxAttempts int) bool {
	return attempt < maxAttempts
}

// ──────────────────────────────────────────────────
// Fixed
// ──────────────────────────────────────────────────

// Fixed always returns the same delay regardless of attempt number.
type Fixed struct {
	Interval time.Duration
}

// NewFixed creates a fixed backoff policy.
func NewFixed(interval time.Duration) *Fixed {
	return &Fixed{Interval: interval}
}

// Delay returns the fixed interval.
func (f *Fixed) Delay(_ int) time.Duration {
	return f.Interval
}

// ──────────────────────────────────────────────────
// Exponential
// ──────────────────────────────────────────────────

// Exponential doubles the delay each attempt.
// Delay = min(Base * 2^(attempt-1), Max).
type Exponential struct {
	Base time.Duration
	Max  time.Duration
}

// NewExponential creates an exponential backoff policy. A zero maxDelay
// leaves the delay uncapped.
func NewExponential(base, maxDelay time.Duration) *Exponential {
	return &Exponential{Base: base, Max: maxDelay}
}

// Delay returns Base * 2^(attempt-1), capped at Max.
func (e *Exponential) Delay(attempt int) time.Duration {
	d := time.Duration(float64(e.Base) * math.Pow(2, float64(attempt-1)))
	if e.Max > 0 && d > e.Max {
		return e.Max
	}
	return d
}

// ──────────────────────────────────────────────────
// ExponentialWithJitter (full jitter)
// ──────────────────────────────────────────────────

// ExponentialWithJitter applies full jitter to an exponential base.
// Delay = random value in [0, min(Base * 2^(attempt-1), Max)].
// This prevents thundering herd when many retries happen simultaneously.
type ExponentialWithJitter struct {
	Base time.Duration
	Max  time.Duration
}

// NewExponentialWithJitter creates an exponential backoff with full jitter.
func NewExponentialWithJitter(base, maxDelay time.Duration) *ExponentialWithJitter {
	return &ExponentialWithJitter{Base: base, Max: maxDelay}
}

// Delay returns a random duration in [0, min(Base * 2^(attempt-1), Max)].
func (e *ExponentialWithJitter) Delay(attempt int) time.Duration {
	base := float64(e.Base) * math.Pow(2, float64(attempt-1))
	if e.Max > 0 && base > float64(e.Max) {
		base = float64(e.Max)
	}
	return time.Duration(rand.Float64() * base) //nolint:gosec // jitter intentionally uses non-crypto rand
}

// ──────────────────────────────────────────────────
// Construction from persisted policy fields
// ──────────────────────────────────────────────────

// New builds a Policy from the kind/base/max triple persisted on a job
// record. Unknown kinds fall back to exponential.
func New(kind string, base, maxDelay time.Duration) Policy {
	if base <= 0 {
		base = time.Second
	}
	if kind == "fixed" {
		return NewFixed(base)
	}
	return NewExponential(base, maxDelay)
}

// Default returns the policy used when a queue does not configure one:
// exponential with 1s base and 1m cap.
func Default() Policy {
	return NewExponential(1*time.Second, 1*time.Minute)
}
