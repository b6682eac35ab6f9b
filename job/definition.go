package job

import "context"

// Definition is a typed processor definition for one queue.
// T is the payload type (must be JSON-serializable). The handler must be
// idempotent-safe: a job may be attempted more than once.
type Definition[T any] struct {
	// Queue is the queue this processor serves.
	Queue string

	// Handler processes one payload. The context is cancelled on pool
	// shutdown or explicit job cancellation; the handler is expected to
	// observe it cooperatively. A non-nil return value is recorded as
	// the job's result.
	Handler func(ctx context.Context, payload T, progress ProgressFunc) (any, error)
}

// NewDefinition creates a typed processor definition.
func NewDefinition[T any](queue string, handler func(ctx context.Context, payload T, progress ProgressFunc) (any, error)) *Definition[T] {
	return &Definition[T]{
		Queue:   queue,
		Handler: handler,
	}
}
