package hook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/conveyorhq/conveyor/job"
)

// Event names accepted by func-based subscriptions.
const (
	EventEnqueued  = "enqueued"
	EventStarted   = "started"
	EventCompleted = "completed"
	EventRetrying  = "retrying"
	EventFailed    = "failed"
	EventStalled   = "stalled"
)

// Callback receives the job that triggered a subscribed event. The error
// argument is non-nil only for failed events.
type Callback func(j *job.Job, err error)

// Funcs adapts a plain callback into an Extension, filtered by queue and
// event name. It backs the Subscribe surface on the engine so collaborators
// can react to completed/failed jobs without polling.
type Funcs struct {
	queue string
	event string
	fn    Callback
}

// Compile-time interface checks.
var (
	_ Extension    = (*Funcs)(nil)
	_ JobEnqueued  = (*Funcs)(nil)
	_ JobStarted   = (*Funcs)(nil)
	_ JobCompleted = (*Funcs)(nil)
	_ JobRetrying  = (*Funcs)(nil)
	_ JobFailed    = (*Funcs)(nil)
	_ JobStalled   = (*Funcs)(nil)
)

// NewFuncs creates a callback subscription for one event on one queue.
// An empty queue matches every queue. Returns an error for unknown
// event names.
func NewFuncs(queue, event string, fn Callback) (*Funcs, error) {
	switch event {
	case EventEnqueued, EventStarted, EventCompleted, EventRetrying, EventFailed, EventStalled:
	default:
		return nil, fmt.Errorf("hook: unknown event %q", event)
	}
	if fn == nil {
		return nil, errors.New("hook: nil callback")
	}
	return &Funcs{queue: queue, event: event, fn: fn}, nil
}

// Name implements Extension.
func (f *Funcs) Name() string {
	return fmt.Sprintf("subscribe(%s/%s)", f.queue, f.event)
}

func (f *Funcs) matches(queue, event string) bool {
	if f.event != event {
		return false
	}
	return f.queue == "" || f.queue == queue
}

// OnJobEnqueued implements JobEnqueued.
func (f *Funcs) OnJobEnqueued(_ context.Context, j *job.Job) error {
	if f.matches(j.Queue, EventEnqueued) {
		f.fn(j, nil)
	}
	return nil
}

// OnJobStarted implements JobStarted.
func (f *Funcs) OnJobStarted(_ context.Context, j *job.Job) error {
	if f.matches(j.Queue, EventStarted) {
		f.fn(j, nil)
	}
	return nil
}

// OnJobCompleted implements JobCompleted.
func (f *Funcs) OnJobCompleted(_ context.Context, j *job.Job, _ time.Duration) error {
	if f.matches(j.Queue, EventCompleted) {
		f.fn(j, nil)
	}
	return nil
}

// OnJobRetrying implements JobRetrying.
func (f *Funcs) OnJobRetrying(_ context.Context, j *job.Job, _ int, _ time.Time) error {
	if f.matches(j.Queue, EventRetrying) {
		f.fn(j, nil)
	}
	return nil
}

// OnJobFailed implements JobFailed.
func (f *Funcs) OnJobFailed(_ context.Context, j *job.Job, err error) error {
	if f.matches(j.Queue, EventFailed) {
		f.fn(j, err)
	}
	return nil
}

// OnJobStalled implements JobStalled.
func (f *Funcs) OnJobStalled(_ context.Context, j *job.Job) error {
	if f.matches(j.Queue, EventStalled) {
		f.fn(j, nil)
	}
	return nil
}
