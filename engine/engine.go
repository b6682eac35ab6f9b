// Package engine wires all Conveyor subsystems together. It creates the
// hook registry, job registry, middleware chain, per-queue worker pools
// and reapers, and provides the application-level Register/Enqueue API.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	conveyor "github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/health"
	"github.com/conveyorhq/conveyor/hook"
	"github.com/conveyorhq/conveyor/id"
	"github.com/conveyorhq/conveyor/job"
	mw "github.com/conveyorhq/conveyor/middleware"
	"github.com/conveyorhq/conveyor/queue"
	"github.com/conveyorhq/conveyor/reaper"
	"github.com/conveyorhq/conveyor/worker"
)

// instrumentationName is the OTel scope for engine-built middleware.
const instrumentationName = "github.com/conveyorhq/conveyor"

// Service is the assembled job system: queues, worker pools, reapers,
// health tracking, and the lifecycle hook registry, all over one store.
type Service struct {
	store     job.Store
	cfg       conveyor.Config
	logger    *slog.Logger
	hooks     *hook.Registry
	registry  *job.Registry
	queues    *queue.Registry
	queueCfgs []queue.Config
	limiter   *queue.Limiter
	collector *health.Collector
	monitor   *health.Monitor

	pools   []*worker.Pool
	reapers []*reaper.Reaper
	mws     []mw.Middleware

	thresholds health.Thresholds

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider

	mu      sync.Mutex
	running bool
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithConfig overrides the service-wide defaults (poll interval,
// shutdown timeout, stalled-job detection).
func WithConfig(cfg conveyor.Config) Option {
	return func(s *Service) { s.cfg = cfg }
}

// WithQueue declares a queue with its own concurrency, retry policy,
// and admission limits. A service with no declared queues gets a single
// "default" queue.
func WithQueue(cfg queue.Config) Option {
	return func(s *Service) { s.queueCfgs = append(s.queueCfgs, cfg) }
}

// WithExtension registers a lifecycle extension.
func WithExtension(e hook.Extension) Option {
	return func(s *Service) { s.hooks.Register(e) }
}

// WithMiddleware appends middleware to the execution chain, after the
// built-in recover/tracing/metrics/logging stack.
func WithMiddleware(m mw.Middleware) Option {
	return func(s *Service) { s.mws = append(s.mws, m) }
}

// WithHealthThresholds overrides the consecutive-failure boundaries
// used to classify queue health.
func WithHealthThresholds(t health.Thresholds) Option {
	return func(s *Service) { s.thresholds = t }
}

// WithTracerProvider sets a custom OTel TracerProvider. If not set, the
// global otel.GetTracerProvider() is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Service) { s.tracerProvider = tp }
}

// WithMeterProvider sets a custom OTel MeterProvider. If not set, the
// global otel.GetMeterProvider() is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(s *Service) { s.meterProvider = mp }
}

// New assembles a Service over the given store.
func New(store job.Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, conveyor.ErrNoStore
	}

	s := &Service{
		store:    store,
		cfg:      conveyor.DefaultConfig(),
		logger:   slog.Default(),
		registry: job.NewRegistry(),
		queues:   queue.NewRegistry(),
	}
	s.hooks = hook.NewRegistry(s.logger)

	for _, opt := range opts {
		opt(s)
	}

	if len(s.queueCfgs) == 0 {
		s.queueCfgs = []queue.Config{{Name: "default"}}
	}
	for i, cfg := range s.queueCfgs {
		if cfg.HeartbeatTimeout == 0 {
			cfg.HeartbeatTimeout = s.cfg.HeartbeatTimeout
		}
		if cfg.StalledInterval == 0 {
			cfg.StalledInterval = s.cfg.StalledInterval
		}
		s.queueCfgs[i] = cfg.Normalized()
	}

	// Health tracking rides on the hook registry like any extension.
	s.collector = health.NewCollector()
	s.monitor = health.NewMonitor(s.collector, s.thresholds)
	s.hooks.Register(s.collector)

	var tracingMw mw.Middleware
	if s.tracerProvider != nil {
		tracingMw = mw.TracingWithTracer(s.tracerProvider.Tracer(instrumentationName))
	} else {
		tracingMw = mw.Tracing()
	}
	var metricsMw mw.Middleware
	if s.meterProvider != nil {
		metricsMw = mw.MetricsWithMeter(s.meterProvider.Meter(instrumentationName))
	} else {
		metricsMw = mw.Metrics()
	}

	// Built-in stack: recover → tracing → metrics → logging, then
	// caller-supplied middleware closest to the handler.
	allMws := append([]mw.Middleware{
		mw.Recover(s.logger),
		tracingMw,
		metricsMw,
		mw.Logging(s.logger),
	}, s.mws...)

	s.limiter = queue.NewLimiter(s.queueCfgs...)
	executor := worker.NewExecutor(s.registry, s.hooks, s.store, s.logger, allMws...)

	for _, cfg := range s.queueCfgs {
		q, err := queue.New(cfg, s.store, s.hooks, s.logger)
		if err != nil {
			return nil, fmt.Errorf("queue %q: %w", cfg.Name, err)
		}
		s.queues.Add(q)

		pool := worker.NewPool(s.store, executor, s.hooks, cfg.Name, s.logger,
			worker.WithConcurrency(cfg.Concurrency),
			worker.WithPollInterval(s.cfg.PollInterval),
			worker.WithHeartbeatInterval(cfg.HeartbeatTimeout/3),
			worker.WithAdmission(s.limiter),
		)
		s.pools = append(s.pools, pool)

		s.reapers = append(s.reapers, reaper.New(
			s.store, s.hooks, cfg.Name,
			cfg.HeartbeatTimeout, cfg.StalledInterval, s.logger,
		))
	}

	return s, nil
}

// RegisterProcessor registers a typed processor for a queue. Payloads
// are decoded from JSON into T before the handler runs.
func RegisterProcessor[T any](s *Service, def *job.Definition[T]) {
	job.RegisterDefinition(s.registry, def)
}

// Enqueue marshals the payload and enqueues a job on the named queue.
func Enqueue[T any](ctx context.Context, s *Service, queueName string, payload T, opts ...job.Option) (*job.Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload for queue %q: %w", queueName, err)
	}
	q, err := s.queues.Get(queueName)
	if err != nil {
		return nil, err
	}
	return q.Add(ctx, data, opts...)
}

// EnqueueBulk marshals and enqueues multiple payloads on one queue,
// reporting per-item outcomes.
func EnqueueBulk[T any](ctx context.Context, s *Service, queueName string, payloads []T, opts ...job.Option) ([]queue.BulkResult, error) {
	q, err := s.queues.Get(queueName)
	if err != nil {
		return nil, err
	}

	raw := make([][]byte, len(payloads))
	for i, p := range payloads {
		data, mErr := json.Marshal(p)
		if mErr != nil {
			return nil, fmt.Errorf("marshal payload %d for queue %q: %w", i, queueName, mErr)
		}
		raw[i] = data
	}
	return q.AddBulk(ctx, raw, opts...), nil
}

// Queue returns the facade for a declared queue.
func (s *Service) Queue(name string) (*queue.Queue, error) {
	return s.queues.Get(name)
}

// Queues returns the names of all declared queues.
func (s *Service) Queues() []string {
	return s.queues.Names()
}

// Hooks returns the lifecycle hook registry.
func (s *Service) Hooks() *hook.Registry { return s.hooks }

// Registry returns the processor registry.
func (s *Service) Registry() *job.Registry { return s.registry }

// Store returns the underlying job store.
func (s *Service) Store() job.Store { return s.store }

// Subscribe attaches a callback to one lifecycle event, optionally
// filtered to a single queue (empty queue matches all). Event names are
// the hook.Event* constants.
func (s *Service) Subscribe(queueName, event string, fn hook.Callback) error {
	f, err := hook.NewFuncs(queueName, event, fn)
	if err != nil {
		return err
	}
	s.hooks.Register(f)
	return nil
}

// Start launches the worker pools and reapers. It returns immediately.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	s.running = true

	s.logger.Info("conveyor starting",
		slog.Int("queues", len(s.queueCfgs)),
		slog.Duration("poll_interval", s.cfg.PollInterval),
	)

	for _, r := range s.reapers {
		if err := r.Start(ctx); err != nil {
			return err
		}
	}
	for _, p := range s.pools {
		if err := p.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Stop gracefully shuts the service down: pools drain in-flight jobs
// within the shutdown timeout, reapers stop, and the Shutdown hook
// fires. The store is left open for the caller to close.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	s.logger.Info("conveyor stopping")

	if _, ok := ctx.Deadline(); !ok && s.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
		defer cancel()
	}

	var firstErr error
	for _, p := range s.pools {
		if err := p.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, r := range s.reapers {
		if err := r.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	s.hooks.EmitShutdown(context.WithoutCancel(ctx))
	return firstErr
}

// Cancel aborts a job currently executing on one of the service's
// pools. It returns false when no pool is running the job.
func (s *Service) Cancel(jobID id.JobID) bool {
	for _, p := range s.pools {
		if p.Cancel(jobID) {
			return true
		}
	}
	return false
}

// Pause stops claims on the named queue.
func (s *Service) Pause(ctx context.Context, queueName string) error {
	q, err := s.queues.Get(queueName)
	if err != nil {
		return err
	}
	return q.Pause(ctx)
}

// Resume re-enables claims on the named queue.
func (s *Service) Resume(ctx context.Context, queueName string) error {
	q, err := s.queues.Get(queueName)
	if err != nil {
		return err
	}
	return q.Resume(ctx)
}

// Clean removes terminal jobs older than the grace period from one queue.
func (s *Service) Clean(ctx context.Context, queueName string, state job.State, olderThan time.Duration) (int64, error) {
	q, err := s.queues.Get(queueName)
	if err != nil {
		return 0, err
	}
	return q.Clean(ctx, state, olderThan)
}

// Purge removes every job from one queue.
func (s *Service) Purge(ctx context.Context, queueName string) (int64, error) {
	q, err := s.queues.Get(queueName)
	if err != nil {
		return 0, err
	}
	return q.Purge(ctx)
}

// QueueStats pairs a queue's state counts with its paused flag.
type QueueStats struct {
	Queue  string     `json:"queue"`
	Counts job.Counts `json:"counts"`
	Paused bool       `json:"paused"`
}

// Stats returns per-state counts for every declared queue.
func (s *Service) Stats(ctx context.Context) ([]QueueStats, error) {
	stats := make([]QueueStats, 0, len(s.queueCfgs))
	for _, cfg := range s.queueCfgs {
		counts, err := s.store.StateCounts(ctx, cfg.Name)
		if err != nil {
			return nil, err
		}
		paused, err := s.store.QueuePaused(ctx, cfg.Name)
		if err != nil {
			return nil, err
		}
		stats = append(stats, QueueStats{Queue: cfg.Name, Counts: counts, Paused: paused})
	}
	return stats, nil
}

// Health returns the classified health report for every declared queue.
func (s *Service) Health() []health.Report {
	reports := make([]health.Report, 0, len(s.queueCfgs))
	for _, cfg := range s.queueCfgs {
		reports = append(reports, s.monitor.Check(cfg.Name))
	}
	return reports
}
