package queue

import (
	"fmt"
	"sync"

	conveyor "github.com/conveyorhq/conveyor"
)

// Registry maps queue names to their facade. Dispatch by name is a map
// lookup, never a chain of per-queue conditionals. Safe for concurrent
// use.
type Registry struct {
	mu     sync.RWMutex
	queues map[string]*Queue
}

// NewRegistry creates an empty queue registry.
func NewRegistry() *Registry {
	return &Registry{queues: make(map[string]*Queue)}
}

// Add registers a queue under its configured name. Re-registering a
// name replaces the previous facade.
func (r *Registry) Add(q *Queue) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queues[q.Name()] = q
}

// Get returns the queue registered under name.
func (r *Registry) Get(name string) (*Queue, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	q, ok := r.queues[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", conveyor.ErrQueueNotFound, name)
	}
	return q, nil
}

// Names returns all registered queue names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.queues))
	for name := range r.queues {
		names = append(names, name)
	}
	return names
}

// All returns every registered queue facade.
func (r *Registry) All() []*Queue {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := make([]*Queue, 0, len(r.queues))
	for _, q := range r.queues {
		all = append(all, q)
	}
	return all
}
