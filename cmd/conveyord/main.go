// Command conveyord runs the Conveyor admin daemon: the HTTP API plus
// stalled-job recovery for every declared queue. Worker pools live in
// the processes that register processors; conveyord only observes and
// repairs.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	goredis "github.com/redis/go-redis/v9"

	"github.com/conveyorhq/conveyor/api"
	"github.com/conveyorhq/conveyor/engine"
	"github.com/conveyorhq/conveyor/queue"
	"github.com/conveyorhq/conveyor/reaper"
	"github.com/conveyorhq/conveyor/store"
	"github.com/conveyorhq/conveyor/store/memory"
	"github.com/conveyorhq/conveyor/store/postgres"
	redisstore "github.com/conveyorhq/conveyor/store/redis"
	"github.com/conveyorhq/conveyor/store/sqlite"
)

type config struct {
	Addr             string        `env:"CONVEYOR_ADDR" envDefault:":8420"`
	StoreURL         string        `env:"CONVEYOR_STORE_URL" envDefault:"memory://"`
	Queues           []string      `env:"CONVEYOR_QUEUES" envDefault:"default" envSeparator:","`
	HeartbeatTimeout time.Duration `env:"CONVEYOR_HEARTBEAT_TIMEOUT" envDefault:"30s"`
	StalledInterval  time.Duration `env:"CONVEYOR_STALLED_INTERVAL" envDefault:"15s"`
	ShutdownTimeout  time.Duration `env:"CONVEYOR_SHUTDOWN_TIMEOUT" envDefault:"10s"`
	LogLevel         string        `env:"CONVEYOR_LOG_LEVEL" envDefault:"info"`
	LogFormat        string        `env:"CONVEYOR_LOG_FORMAT" envDefault:"text"`
}

func main() {
	if err := run(); err != nil {
		slog.Error("conveyord exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer s.Close() //nolint:errcheck // best-effort close on shutdown

	if err := s.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if err := s.Ping(ctx); err != nil {
		return fmt.Errorf("ping store: %w", err)
	}

	opts := []engine.Option{engine.WithLogger(logger)}
	for _, name := range cfg.Queues {
		opts = append(opts, engine.WithQueue(queue.Config{
			Name:             strings.TrimSpace(name),
			HeartbeatTimeout: cfg.HeartbeatTimeout,
			StalledInterval:  cfg.StalledInterval,
		}))
	}
	svc, err := engine.New(s, opts...)
	if err != nil {
		return fmt.Errorf("assemble service: %w", err)
	}

	// The daemon registers no processors, so the service is never
	// started; reapers run standalone to recover jobs abandoned by
	// crashed workers.
	var reapers []*reaper.Reaper
	for _, name := range cfg.Queues {
		r := reaper.New(s, svc.Hooks(), strings.TrimSpace(name),
			cfg.HeartbeatTimeout, cfg.StalledInterval, logger)
		if err := r.Start(ctx); err != nil {
			return fmt.Errorf("start reaper for %q: %w", name, err)
		}
		reapers = append(reapers, r)
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.New(svc, api.WithLogger(logger)).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("conveyord listening", "addr", cfg.Addr, "queues", cfg.Queues)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown", "error", err)
	}
	for _, r := range reapers {
		_ = r.Stop(shutdownCtx) //nolint:errcheck // stop is idempotent
	}
	return nil
}

func newLogger(cfg config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	ho := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, ho))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, ho))
}

// openStore selects a backend from the store URL scheme:
// memory://, redis://host:port/db, postgres://..., sqlite://path.
func openStore(ctx context.Context, cfg config, logger *slog.Logger) (store.Store, error) {
	u, err := url.Parse(cfg.StoreURL)
	if err != nil {
		return nil, fmt.Errorf("parse store url: %w", err)
	}

	switch u.Scheme {
	case "", "memory":
		return memory.New(), nil
	case "redis", "rediss":
		ropts, rErr := goredis.ParseURL(cfg.StoreURL)
		if rErr != nil {
			return nil, fmt.Errorf("parse redis url: %w", rErr)
		}
		return redisstore.New(goredis.NewClient(ropts), redisstore.WithLogger(logger)), nil
	case "postgres", "postgresql":
		return postgres.New(ctx, cfg.StoreURL, postgres.WithLogger(logger))
	case "sqlite":
		dsn := u.Opaque
		if dsn == "" {
			dsn = strings.TrimPrefix(u.Path, "/")
		}
		if dsn == "" {
			dsn = "conveyor.db"
		}
		return sqlite.New(dsn, sqlite.WithLogger(logger))
	default:
		return nil, fmt.Errorf("unsupported store scheme %q", u.Scheme)
	}
}
