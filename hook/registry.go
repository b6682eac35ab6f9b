package hook

import (
	"context"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/conveyorhq/conveyor/job"
)

// Named entry types pair a hook implementation with the extension name
// captured at registration time. This avoids type-asserting back to
// Extension inside the emit methods.
type jobEnqueuedEntry struct {
	name string
	hook JobEnqueued
}

type jobStartedEntry struct {
	name string
	hook JobStarted
}

type jobProgressEntry struct {
	name string
	hook JobProgress
}

type jobCompletedEntry struct {
	name string
	hook JobCompleted
}

type jobRetryingEntry struct {
	name string
	hook JobRetrying
}

type jobFailedEntry struct {
	name string
	hook JobFailed
}

type jobStalledEntry struct {
	name string
	hook JobStalled
}

type queuePausedEntry struct {
	name string
	hook QueuePaused
}

type queueResumedEntry struct {
	name string
	hook QueueResumed
}

type shutdownEntry struct {
	name string
	hook Shutdown
}

// Registry holds registered extensions and dispatches lifecycle events
// to them. It type-caches extensions at registration time so emit calls
// iterate only over extensions that implement the relevant hook.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	// Type-cached slices for each lifecycle hook.
	jobEnqueued  []jobEnqueuedEntry
	jobStarted   []jobStartedEntry
	jobProgress  []jobProgressEntry
	jobCompleted []jobCompletedEntry
	jobRetrying  []jobRetryingEntry
	jobFailed    []jobFailedEntry
	jobStalled   []jobStalledEntry
	queuePaused  []queuePausedEntry
	queueResumed []queueResumedEntry
	shutdown     []shutdownEntry
}

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{logger: logger}
}

// Register adds an extension and type-asserts it into all applicable
// hook caches. Extensions are notified in registration order.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	name := e.Name()

	if h, ok := e.(JobEnqueued); ok {
		r.jobEnqueued = append(r.jobEnqueued, jobEnqueuedEntry{name, h})
	}
	if h, ok := e.(JobStarted); ok {
		r.jobStarted = append(r.jobStarted, jobStartedEntry{name, h})
	}
	if h, ok := e.(JobProgress); ok {
		r.jobProgress = append(r.jobProgress, jobProgressEntry{name, h})
	}
	if h, ok := e.(JobCompleted); ok {
		r.jobCompleted = append(r.jobCompleted, jobCompletedEntry{name, h})
	}
	if h, ok := e.(JobRetrying); ok {
		r.jobRetrying = append(r.jobRetrying, jobRetryingEntry{name, h})
	}
	if h, ok := e.(JobFailed); ok {
		r.jobFailed = append(r.jobFailed, jobFailedEntry{name, h})
	}
	if h, ok := e.(JobStalled); ok {
		r.jobStalled = append(r.jobStalled, jobStalledEntry{name, h})
	}
	if h, ok := e.(QueuePaused); ok {
		r.queuePaused = append(r.queuePaused, queuePausedEntry{name, h})
	}
	if h, ok := e.(QueueResumed); ok {
		r.queueResumed = append(r.queueResumed, queueResumedEntry{name, h})
	}
	if h, ok := e.(Shutdown); ok {
		r.shutdown = append(r.shutdown, shutdownEntry{name, h})
	}
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension { return r.extensions }

// ──────────────────────────────────────────────────
// Job event emitters
// ──────────────────────────────────────────────────

// EmitJobEnqueued notifies all extensions that implement JobEnqueued.
func (r *Registry) EmitJobEnqueued(ctx context.Context, j *job.Job) {
	for _, e := range r.jobEnqueued {
		r.call("OnJobEnqueued", e.name, func() error { return e.hook.OnJobEnqueued(ctx, j) })
	}
}

// EmitJobStarted notifies all extensions that implement JobStarted.
func (r *Registry) EmitJobStarted(ctx context.Context, j *job.Job) {
	for _, e := range r.jobStarted {
		r.call("OnJobStarted", e.name, func() error { return e.hook.OnJobStarted(ctx, j) })
	}
}

// EmitJobProgress notifies all extensions that implement JobProgress.
func (r *Registry) EmitJobProgress(ctx context.Context, j *job.Job, percent int) {
	for _, e := range r.jobProgress {
		r.call("OnJobProgress", e.name, func() error { return e.hook.OnJobProgress(ctx, j, percent) })
	}
}

// EmitJobCompleted notifies all extensions that implement JobCompleted.
func (r *Registry) EmitJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) {
	for _, e := range r.jobCompleted {
		r.call("OnJobCompleted", e.name, func() error { return e.hook.OnJobCompleted(ctx, j, elapsed) })
	}
}

// EmitJobRetrying notifies all extensions that implement JobRetrying.
func (r *Registry) EmitJobRetrying(ctx context.Context, j *job.Job, attempt int, availableAt time.Time) {
	for _, e := range r.jobRetrying {
		r.call("OnJobRetrying", e.name, func() error { return e.hook.OnJobRetrying(ctx, j, attempt, availableAt) })
	}
}

// EmitJobFailed notifies all extensions that implement JobFailed.
func (r *Registry) EmitJobFailed(ctx context.Context, j *job.Job, jobErr error) {
	for _, e := range r.jobFailed {
		r.call("OnJobFailed", e.name, func() error { return e.hook.OnJobFailed(ctx, j, jobErr) })
	}
}

// EmitJobStalled notifies all extensions that implement JobStalled.
func (r *Registry) EmitJobStalled(ctx context.Context, j *job.Job) {
	for _, e := range r.jobStalled {
		r.call("OnJobStalled", e.name, func() error { return e.hook.OnJobStalled(ctx, j) })
	}
}

// ──────────────────────────────────────────────────
// Queue event emitters
// ──────────────────────────────────────────────────

// EmitQueuePaused notifies all extensions that implement QueuePaused.
func (r *Registry) EmitQueuePaused(ctx context.Context, queue string) {
	for _, e := range r.queuePaused {
		r.call("OnQueuePaused", e.name, func() error { return e.hook.OnQueuePaused(ctx, queue) })
	}
}

// EmitQueueResumed notifies all extensions that implement QueueResumed.
func (r *Registry) EmitQueueResumed(ctx context.Context, queue string) {
	for _, e := range r.queueResumed {
		r.call("OnQueueResumed", e.name, func() error { return e.hook.OnQueueResumed(ctx, queue) })
	}
}

// EmitShutdown notifies all extensions that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.shutdown {
		r.call("OnShutdown", e.name, func() error { return e.hook.OnShutdown(ctx) })
	}
}

// call invokes a single lifecycle hook, isolating the caller from both
// errors and panics. A misbehaving extension must never take down the
// worker that emitted the event.
func (r *Registry) call(hook, extName string, fn func() error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("extension hook panic",
				slog.String("hook", hook),
				slog.String("extension", extName),
				slog.Any("panic", rec),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()
	if err := fn(); err != nil {
		r.logHookError(hook, extName, err)
	}
}

// logHookError logs a warning when a lifecycle hook returns an error.
// Errors from hooks are never propagated — they must not block the pipeline.
func (r *Registry) logHookError(hook, extName string, err error) {
	r.logger.Warn("extension hook error",
		slog.String("hook", hook),
		slog.String("extension", extName),
		slog.String("error", err.Error()),
	)
}
