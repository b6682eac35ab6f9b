package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/conveyorhq/conveyor/id"
	"github.com/conveyorhq/conveyor/job"
)

// getJob returns a single job by ID.
func (a *API) getJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := id.ParseJobID(chi.URLParam(r, "jobID"))
	if err != nil {
		a.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid job id"})
		return
	}

	j, err := a.svc.Store().GetJob(r.Context(), jobID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, j)
}

// removeJob deletes a job that is not currently being processed.
func (a *API) removeJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := id.ParseJobID(chi.URLParam(r, "jobID"))
	if err != nil {
		a.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid job id"})
		return
	}

	if err := a.svc.Store().DeleteJob(r.Context(), jobID); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// retryJob resets a failed job for another run.
func (a *API) retryJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := id.ParseJobID(chi.URLParam(r, "jobID"))
	if err != nil {
		a.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid job id"})
		return
	}

	if err := a.svc.Store().RetryJob(r.Context(), jobID); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// cancelJob aborts a job currently running in this process.
func (a *API) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := id.ParseJobID(chi.URLParam(r, "jobID"))
	if err != nil {
		a.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid job id"})
		return
	}

	if !a.svc.Cancel(jobID) {
		a.writeJSON(w, http.StatusNotFound, errorResponse{Error: "job is not active on this instance"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// listJobs returns the queue's jobs filtered by state.
func (a *API) listJobs(w http.ResponseWriter, r *http.Request) {
	q, err := a.svc.Queue(chi.URLParam(r, "queue"))
	if err != nil {
		a.writeError(w, err)
		return
	}

	state := job.State(r.URL.Query().Get("state"))
	if state == "" {
		state = job.StateWaiting
	}
	if !state.Valid() {
		a.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid state"})
		return
	}

	opts := job.ListOpts{}
	if v := r.URL.Query().Get("limit"); v != "" {
		opts.Limit, _ = strconv.Atoi(v) //nolint:errcheck // zero on parse failure means no limit
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		opts.Offset, _ = strconv.Atoi(v) //nolint:errcheck // zero on parse failure means no offset
	}

	jobs, err := q.List(r.Context(), state, opts)
	if err != nil {
		a.writeError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*job.Job{}
	}
	a.writeJSON(w, http.StatusOK, jobs)
}

// enqueueRequest is the POST /queues/{queue}/jobs body.
type enqueueRequest struct {
	Payload        json.RawMessage `json:"payload"`
	Priority       int             `json:"priority"`
	MaxAttempts    int             `json:"max_attempts"`
	DelayMs        int64           `json:"delay_ms"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// enqueueJob adds a job with a raw JSON payload.
func (a *API) enqueueJob(w http.ResponseWriter, r *http.Request) {
	q, err := a.svc.Queue(chi.URLParam(r, "queue"))
	if err != nil {
		a.writeError(w, err)
		return
	}

	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bad json"})
		return
	}
	if len(req.Payload) == 0 {
		a.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "payload required"})
		return
	}

	var opts []job.Option
	if req.Priority != 0 {
		opts = append(opts, job.WithPriority(req.Priority))
	}
	if req.MaxAttempts != 0 {
		opts = append(opts, job.WithMaxAttempts(req.MaxAttempts))
	}
	if req.DelayMs > 0 {
		opts = append(opts, job.WithDelay(time.Duration(req.DelayMs)*time.Millisecond))
	}
	if req.IdempotencyKey != "" {
		opts = append(opts, job.WithIdempotencyKey(req.IdempotencyKey))
	}

	j, err := q.Add(r.Context(), req.Payload, opts...)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, j)
}
