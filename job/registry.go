package job

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// ProgressFunc reports processor progress as a percentage (0-100).
// Reports are best effort; a lost report never fails the job.
type ProgressFunc func(percent int)

// HandlerFunc is a type-erased processor that accepts the raw job record.
// The typed Definition[T] is converted to a HandlerFunc at registration
// time by closing over JSON unmarshal + the typed handler. The returned
// bytes become the job's terminal result.
type HandlerFunc func(ctx context.Context, j *Job, progress ProgressFunc) ([]byte, error)

// Registry maps queue names to their processor. Dispatch is a map
// lookup; each queue owns exactly one processor. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewRegistry creates an empty processor registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]HandlerFunc),
	}
}

// Register binds the processor for a queue, replacing any previous one.
func (r *Registry) Register(queue string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[queue] = h
}

// RegisterDefinition registers a typed processor definition. The generic
// handler is wrapped in a closure that JSON-unmarshals the payload into T
// before calling the typed handler and JSON-marshals its result after.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func RegisterDefinition[T any](r *Registry, def *Definition[T]) {
	handler := func(ctx context.Context, j *Job, progress ProgressFunc) ([]byte, error) {
		var t T
		if len(j.Payload) > 0 {
			if err := json.Unmarshal(j.Payload, &t); err != nil {
				return nil, fmt.Errorf("unmarshal payload for queue %q: %w", def.Queue, err)
			}
		}

		out, err := def.Handler(ctx, t, progress)
		if err != nil {
			return nil, err
		}
		if out == nil {
			return nil, nil
		}

		result, err := json.Marshal(out)
		if err != nil {
			return nil, fmt.Errorf("marshal result for queue %q: %w", def.Queue, err)
		}
		return result, nil
	}

	r.Register(def.Queue, handler)
}

// Get returns the processor for the given queue.
// Returns false if none is registered.
func (r *Registry) Get(queue string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[queue]
	return h, ok
}

// Queues returns all queue names with a registered processor.
func (r *Registry) Queues() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}
