// Package reaper recovers jobs abandoned by crashed or partitioned
// workers. It runs independently of the worker pools: a queue with no
// local pool still gets its stalled jobs reclaimed, and a pool crash
// cannot take the reaper down with it.
package reaper

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	conveyor "github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/hook"
	"github.com/conveyorhq/conveyor/job"
)

// Reaper periodically sweeps one queue for active jobs whose worker
// stopped heartbeating and returns them to the retry cycle.
type Reaper struct {
	store            job.Store
	hooks            *hook.Registry
	queue            string
	heartbeatTimeout time.Duration
	interval         time.Duration
	logger           *slog.Logger

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// New creates a reaper for one queue. The heartbeat timeout decides
// when an active job counts as stalled; the interval decides how often
// the sweep runs.
func New(store job.Store, hooks *hook.Registry, queue string, heartbeatTimeout, interval time.Duration, logger *slog.Logger) *Reaper {
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = 30 * time.Second
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Reaper{
		store:            store,
		hooks:            hooks,
		queue:            queue,
		heartbeatTimeout: heartbeatTimeout,
		interval:         interval,
		logger:           logger,
	}
}

// Start launches the sweep loop. It returns immediately.
func (r *Reaper) Start(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return nil
	}
	r.running = true
	// Recreated on every start so the reaper can be stopped and
	// started again.
	r.stopCh = make(chan struct{})

	r.logger.Info("reaper starting",
		slog.String("queue", r.queue),
		slog.Duration("heartbeat_timeout", r.heartbeatTimeout),
		slog.Duration("interval", r.interval),
	)

	r.wg.Add(1)
	go r.loop(r.stopCh)
	return nil
}

// Stop halts the sweep loop and waits for an in-flight sweep to finish.
func (r *Reaper) Stop(_ context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	stopCh := r.stopCh
	r.mu.Unlock()

	close(stopCh)
	r.wg.Wait()
	return nil
}

func (r *Reaper) loop(stopCh <-chan struct{}) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			r.Sweep(context.Background())
		}
	}
}

// Sweep runs one stalled-job pass immediately. It is called on the
// ticker but exported so operators can force a sweep.
func (r *Reaper) Sweep(ctx context.Context) {
	res, err := r.store.RequeueStalled(ctx, r.queue, r.heartbeatTimeout)
	if err != nil {
		r.logger.Error("stalled sweep failed",
			slog.String("queue", r.queue),
			slog.String("error", err.Error()),
		)
		return
	}

	stalledErr := errors.New(conveyor.ErrJobStalled.Error())

	for _, j := range res.Requeued {
		r.hooks.EmitJobStalled(ctx, j)
		r.hooks.EmitJobRetrying(ctx, j, j.Attempts, j.AvailableAt)
		r.logger.Warn("requeued stalled job",
			slog.String("job_id", j.ID.String()),
			slog.String("queue", r.queue),
			slog.Int("attempt", j.Attempts),
		)
	}
	for _, j := range res.Failed {
		r.hooks.EmitJobStalled(ctx, j)
		r.hooks.EmitJobFailed(ctx, j, stalledErr)
		r.logger.Error("stalled job failed permanently",
			slog.String("job_id", j.ID.String()),
			slog.String("queue", r.queue),
			slog.Int("attempts", j.Attempts),
		)
	}
}
