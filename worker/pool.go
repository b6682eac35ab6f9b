package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/conveyorhq/conveyor/hook"
	"github.com/conveyorhq/conveyor/id"
	"github.com/conveyorhq/conveyor/job"
)

// Admission controls per-queue rate limiting and concurrency. The pool
// calls Acquire before claiming a job and Release after execution
// completes.
type Admission interface {
	// Acquire checks rate limits and concurrency for the queue.
	// Returns true if a job may be claimed and executed.
	Acquire(queue string) bool
	// Release decrements the active count for the queue.
	Release(queue string)
}

// Pool manages a set of concurrent worker goroutines that claim jobs
// from a single queue and execute them through the Executor.
type Pool struct {
	store    job.Store
	executor *Executor
	hooks    *hook.Registry
	queue    string
	logger   *slog.Logger
	workerID id.WorkerID

	concurrency       int
	pollInterval      time.Duration
	heartbeatInterval time.Duration
	admission         Admission

	// stopCh ends the claim loops; hbStopCh ends the heartbeat loop.
	// They are separate so heartbeats keep renewing claims while
	// in-flight jobs drain during Stop. Both are recreated on Start so
	// a stopped pool can be started again.
	stopCh     chan struct{}
	hbStopCh   chan struct{}
	wg         sync.WaitGroup
	hbWG       sync.WaitGroup
	mu         sync.Mutex
	running    bool
	activeJobs map[string]context.CancelFunc
	activeMu   sync.Mutex
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithConcurrency sets the number of concurrent worker goroutines.
func WithConcurrency(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithPollInterval sets how long a worker sleeps after finding the
// queue empty.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

// WithHeartbeatInterval sets how often the pool renews heartbeats for
// jobs it is executing. It must be comfortably below the queue's
// stalled-job heartbeat timeout. A zero value disables heartbeats.
func WithHeartbeatInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.heartbeatInterval = d }
}

// WithAdmission sets the admission controller for rate limiting and
// concurrency control.
func WithAdmission(a Admission) PoolOption {
	return func(p *Pool) { p.admission = a }
}

// NewPool creates a worker pool for one queue.
func NewPool(
	store job.Store,
	executor *Executor,
	hooks *hook.Registry,
	queue string,
	logger *slog.Logger,
	opts ...PoolOption,
) *Pool {
	p := &Pool{
		store:             store,
		executor:          executor,
		hooks:             hooks,
		queue:             queue,
		logger:            logger,
		workerID:          id.NewWorkerID(),
		concurrency:       4,
		pollInterval:      time.Second,
		heartbeatInterval: 10 * time.Second,
		activeJobs:        make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WorkerID returns the pool's unique worker identifier. Every claim
// made by this pool carries it, and the store rejects outcome writes
// from any other ID.
func (p *Pool) WorkerID() id.WorkerID { return p.workerID }

// Queue returns the queue this pool serves.
func (p *Pool) Queue() string { return p.queue }

// ActiveCount returns the number of jobs currently executing.
func (p *Pool) ActiveCount() int {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	return len(p.activeJobs)
}

// Start launches the worker goroutines. It returns immediately.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.hbStopCh = make(chan struct{})

	p.logger.Info("worker pool starting",
		slog.String("worker_id", p.workerID.String()),
		slog.String("queue", p.queue),
		slog.Int("concurrency", p.concurrency),
	)

	for range p.concurrency {
		p.wg.Add(1)
		go p.claimLoop(p.stopCh)
	}

	if p.heartbeatInterval > 0 {
		p.hbWG.Add(1)
		go p.heartbeatLoop(p.hbStopCh)
	}

	return nil
}

// Stop signals all workers to stop and waits for in-flight jobs to
// finish. If the context has a deadline, active jobs are cancelled when
// time runs out; their claims are then recovered by the stalled-job
// reaper.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	stopCh, hbStopCh := p.stopCh, p.hbStopCh
	p.mu.Unlock()

	p.logger.Info("worker pool stopping",
		slog.String("worker_id", p.workerID.String()),
		slog.String("queue", p.queue),
	)

	close(stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully", slog.String("queue", p.queue))
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active jobs",
			slog.String("queue", p.queue),
		)
		p.cancelActiveJobs()
		p.wg.Wait()
	}

	// Heartbeats stop only after the claim loops drain, so a slow job
	// keeps renewing its claim and is not reclaimed mid-drain.
	close(hbStopCh)
	p.hbWG.Wait()

	return nil
}

// Cancel aborts a running job by cancelling its context. It returns
// false when the job is not executing on this pool.
func (p *Pool) Cancel(jobID id.JobID) bool {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()

	cancel, ok := p.activeJobs[jobID.String()]
	if !ok {
		return false
	}
	p.logger.Info("cancelling job",
		slog.String("job_id", jobID.String()),
		slog.String("queue", p.queue),
	)
	cancel()
	return true
}

// claimLoop is run by each worker goroutine.
func (p *Pool) claimLoop(stopCh <-chan struct{}) {
	defer p.wg.Done()

	for {
		select {
		case <-stopCh:
			return
		default:
		}

		// Admission is checked before claiming so a rate-limited job
		// is never pulled out of the queue only to be put back.
		if p.admission != nil && !p.admission.Acquire(p.queue) {
			p.sleep(stopCh)
			continue
		}

		j, err := p.store.ClaimNext(context.Background(), p.queue, p.workerID)
		if err != nil {
			p.release()
			p.logger.Error("claim error",
				slog.String("queue", p.queue),
				slog.String("error", err.Error()),
			)
			p.sleep(stopCh)
			continue
		}
		if j == nil {
			p.release()
			p.sleep(stopCh)
			continue
		}

		p.hooks.EmitJobStarted(context.Background(), j)

		ctx, cancel := context.WithCancel(context.Background())
		p.trackJob(j.ID.String(), cancel)

		if execErr := p.executor.Execute(ctx, j, p.workerID); execErr != nil {
			p.logger.Debug("job execution failed",
				slog.String("job_id", j.ID.String()),
				slog.String("queue", p.queue),
				slog.String("error", execErr.Error()),
			)
		}

		p.untrackJob(j.ID.String())
		cancel()
		p.release()
	}
}

func (p *Pool) release() {
	if p.admission != nil {
		p.admission.Release(p.queue)
	}
}

// heartbeatLoop periodically renews heartbeats for all active jobs. A
// rejected heartbeat means the claim was lost to the reaper; the job's
// context is cancelled so the handler stops burning work.
func (p *Pool) heartbeatLoop(stopCh <-chan struct{}) {
	defer p.hbWG.Done()

	ticker := time.NewTicker(p.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			p.sendHeartbeats()
		}
	}
}

func (p *Pool) sendHeartbeats() {
	p.activeMu.Lock()
	jobIDs := make([]string, 0, len(p.activeJobs))
	for jobID := range p.activeJobs {
		jobIDs = append(jobIDs, jobID)
	}
	p.activeMu.Unlock()

	for _, jobIDStr := range jobIDs {
		parsedID, parseErr := id.ParseJobID(jobIDStr)
		if parseErr != nil {
			p.logger.Warn("heartbeat: invalid job id", slog.String("job_id", jobIDStr))
			continue
		}

		owned, err := p.store.Heartbeat(context.Background(), parsedID, p.workerID)
		if err != nil {
			p.logger.Warn("heartbeat failed",
				slog.String("job_id", jobIDStr),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !owned {
			p.logger.Warn("heartbeat rejected, claim lost",
				slog.String("job_id", jobIDStr),
				slog.String("queue", p.queue),
			)
			p.Cancel(parsedID)
		}
	}
}

func (p *Pool) sleep(stopCh <-chan struct{}) {
	select {
	case <-time.After(p.pollInterval):
	case <-stopCh:
	}
}

func (p *Pool) trackJob(jobID string, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.activeJobs[jobID] = cancel
	p.activeMu.Unlock()
}

func (p *Pool) untrackJob(jobID string) {
	p.activeMu.Lock()
	delete(p.activeJobs, jobID)
	p.activeMu.Unlock()
}

func (p *Pool) cancelActiveJobs() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for jobID, cancel := range p.activeJobs {
		p.logger.Warn("cancelling active job", slog.String("job_id", jobID))
		cancel()
	}
}
