package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/conveyorhq/conveyor/job"
)

// pauseQueue stops claims on the queue; enqueues are still accepted.
func (a *API) pauseQueue(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.Pause(r.Context(), chi.URLParam(r, "queue")); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// resumeQueue re-enables claims on the queue.
func (a *API) resumeQueue(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.Resume(r.Context(), chi.URLParam(r, "queue")); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// cleanRequest is the POST /queues/{queue}/clean body.
type cleanRequest struct {
	State       string `json:"state"`
	OlderThanMs int64  `json:"older_than_ms"`
}

// cleanResponse reports how many jobs were removed.
type cleanResponse struct {
	Removed int64 `json:"removed"`
}

// cleanQueue removes terminal jobs older than the grace period.
func (a *API) cleanQueue(w http.ResponseWriter, r *http.Request) {
	var req cleanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bad json"})
		return
	}

	removed, err := a.svc.Clean(r.Context(), chi.URLParam(r, "queue"),
		job.State(req.State), time.Duration(req.OlderThanMs)*time.Millisecond)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, cleanResponse{Removed: removed})
}

// purgeQueue removes every job on the queue regardless of state.
func (a *API) purgeQueue(w http.ResponseWriter, r *http.Request) {
	removed, err := a.svc.Purge(r.Context(), chi.URLParam(r, "queue"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, cleanResponse{Removed: removed})
}
