package middleware

import (
	"context"
	"time"

	"github.com/conveyorhq/conveyor/job"
)

// Timeout returns middleware that enforces a per-attempt execution
// deadline via context.WithTimeout. When the deadline is exceeded the
// context is cancelled and the handler should return
// context.DeadlineExceeded. A non-positive limit disables the deadline.
func Timeout(limit time.Duration) Middleware {
	return func(ctx context.Context, _ *job.Job, next Handler) error {
		if limit > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, limit)
			defer cancel()
		}
		return next(ctx)
	}
}
