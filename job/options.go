package job

import (
	"fmt"
	"time"

	conveyor "github.com/conveyorhq/conveyor"
)

var (
	errNegativeDelay  = fmt.Errorf("%w: delay must not be negative", conveyor.ErrValidation)
	errBadMaxAttempts = fmt.Errorf("%w: max attempts must be at least 1", conveyor.ErrValidation)
)

// Options captures per-enqueue overrides. Unset fields fall back to the
// queue's configured defaults.
type Options struct {
	priority       *int
	maxAttempts    *int
	delay          time.Duration
	idempotencyKey string
}

// Option is a functional option for a single enqueue call.
type Option func(*Options)

// WithPriority overrides the queue's default priority. Higher values
// dequeue first.
func WithPriority(p int) Option {
	return func(o *Options) { o.priority = &p }
}

// WithMaxAttempts overrides the queue's default attempt ceiling.
func WithMaxAttempts(n int) Option {
	return func(o *Options) { o.maxAttempts = &n }
}

// WithDelay schedules the job to become claimable after d.
func WithDelay(d time.Duration) Option {
	return func(o *Options) { o.delay = d }
}

// WithIdempotencyKey rejects the enqueue when another non-terminal job
// on the same queue holds the same key.
func WithIdempotencyKey(key string) Option {
	return func(o *Options) { o.idempotencyKey = key }
}

// CollectOptions folds a list of Option funcs into an Options value.
func CollectOptions(opts ...Option) Options {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Priority returns the override or the given default.
func (o Options) Priority(def int) int {
	if o.priority != nil {
		return *o.priority
	}
	return def
}

// MaxAttempts returns the override or the given default.
func (o Options) MaxAttempts(def int) int {
	if o.maxAttempts != nil {
		return *o.maxAttempts
	}
	return def
}

// Delay returns the requested initial delay.
func (o Options) Delay() time.Duration { return o.delay }

// IdempotencyKey returns the requested idempotency key, if any.
func (o Options) IdempotencyKey() string { return o.idempotencyKey }

// Validate reports whether the overrides are self-consistent.
func (o Options) Validate() error {
	if o.delay < 0 {
		return errNegativeDelay
	}
	if o.maxAttempts != nil && *o.maxAttempts < 1 {
		return errBadMaxAttempts
	}
	return nil
}
