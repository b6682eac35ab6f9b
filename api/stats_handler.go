package api

import (
	"net/http"

	"github.com/conveyorhq/conveyor/health"
)

// stats returns per-state job counts for every declared queue.
func (a *API) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.svc.Stats(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, stats)
}

// healthResponse aggregates per-queue reports under an overall status:
// the worst status across queues.
type healthResponse struct {
	Status health.Status   `json:"status"`
	Queues []health.Report `json:"queues"`
}

// health returns failure-streak based health for every declared queue.
// An unhealthy queue yields 503 so load balancers can act on it.
func (a *API) health(w http.ResponseWriter, _ *http.Request) {
	reports := a.svc.Health()

	overall := health.StatusHealthy
	for _, rep := range reports {
		switch rep.Status {
		case health.StatusUnhealthy:
			overall = health.StatusUnhealthy
		case health.StatusDegraded:
			if overall == health.StatusHealthy {
				overall = health.StatusDegraded
			}
		}
	}

	status := http.StatusOK
	if overall == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	a.writeJSON(w, status, healthResponse{Status: overall, Queues: reports})
}
