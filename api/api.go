// Package api exposes the admin HTTP surface: job inspection and
// lifecycle actions, queue controls, stats, and health, mounted on a
// chi router.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	conveyor "github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/engine"
)

// API wires the admin HTTP handlers for a running engine.Service.
type API struct {
	svc    *engine.Service
	logger *slog.Logger
}

// Option configures the API.
type Option func(*API)

// WithLogger sets the logger for request-level errors.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.logger = logger
	}
}

// New creates an API over the given service.
func New(svc *engine.Service, opts ...Option) *API {
	a := &API{
		svc:    svc,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Handler returns the fully assembled http.Handler with all routes.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Get("/stats", a.stats)
		r.Get("/health", a.health)

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/{jobID}", a.getJob)
			r.Delete("/{jobID}", a.removeJob)
			r.Post("/{jobID}/retry", a.retryJob)
			r.Post("/{jobID}/cancel", a.cancelJob)
		})

		r.Route("/queues/{queue}", func(r chi.Router) {
			r.Get("/jobs", a.listJobs)
			r.Post("/jobs", a.enqueueJob)
			r.Delete("/jobs", a.purgeQueue)
			r.Post("/pause", a.pauseQueue)
			r.Post("/resume", a.resumeQueue)
			r.Post("/clean", a.cleanQueue)
		})
	})

	return r
}

// errorResponse is the JSON body for all non-2xx responses.
type errorResponse struct {
	Error string `json:"error"`
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Error("encode response", "error", err)
	}
}

// writeError maps domain errors to HTTP status codes.
func (a *API) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, conveyor.ErrJobNotFound),
		errors.Is(err, conveyor.ErrQueueNotFound):
		status = http.StatusNotFound
	case errors.Is(err, conveyor.ErrDuplicateJob):
		status = http.StatusConflict
	case errors.Is(err, conveyor.ErrValidation),
		errors.Is(err, conveyor.ErrPayloadTooLarge):
		status = http.StatusBadRequest
	case errors.Is(err, conveyor.ErrInvalidState),
		errors.Is(err, conveyor.ErrJobActive):
		status = http.StatusConflict
	}
	a.writeJSON(w, status, errorResponse{Error: err.Error()})
}
