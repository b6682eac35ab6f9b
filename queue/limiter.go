package queue

import (
	"sync"

	"golang.org/x/time/rate"
)

// limiterState tracks runtime admission state for a single queue.
type limiterState struct {
	limiter        *rate.Limiter
	maxConcurrency int
	active         int
}

// Limiter controls per-queue rate limiting and concurrency admission.
// The worker pool calls Acquire before executing a claimed job and
// Release after execution completes. Safe for concurrent use.
type Limiter struct {
	mu     sync.Mutex
	queues map[string]*limiterState
}

// NewLimiter creates a Limiter from the given queue configurations.
// Queues not listed have no limits.
func NewLimiter(configs ...Config) *Limiter {
	l := &Limiter{queues: make(map[string]*limiterState, len(configs))}
	for _, cfg := range configs {
		l.queues[cfg.Name] = newLimiterState(cfg)
	}
	return l
}

func newLimiterState(cfg Config) *limiterState {
	st := &limiterState{maxConcurrency: cfg.Concurrency}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		st.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return st
}

// Acquire checks the rate limit and concurrency bound for the queue.
// If the job may proceed it increments the active counter and returns
// true. The caller MUST call Release when the job completes.
func (l *Limiter) Acquire(queue string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := l.queues[queue]
	if st == nil {
		return true
	}
	if st.limiter != nil && !st.limiter.Allow() {
		return false
	}
	if st.maxConcurrency > 0 && st.active >= st.maxConcurrency {
		return false
	}
	st.active++
	return true
}

// Release decrements the active job count for the queue.
func (l *Limiter) Release(queue string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if st := l.queues[queue]; st != nil && st.active > 0 {
		st.active--
	}
}

// SetConfig dynamically updates (or creates) a queue's admission
// configuration, preserving the current active count.
func (l *Limiter) SetConfig(cfg Config) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := newLimiterState(cfg)
	if existing := l.queues[cfg.Name]; existing != nil {
		st.active = existing.active
	}
	l.queues[cfg.Name] = st
}

// ActiveCount returns the current number of admitted jobs for a queue.
func (l *Limiter) ActiveCount(queue string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if st := l.queues[queue]; st != nil {
		return st.active
	}
	return 0
}
