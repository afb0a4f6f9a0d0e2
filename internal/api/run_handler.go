package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/crawlodeployer/fleet/internal/core"
	"github.com/crawlodeployer/fleet/internal/store"
)

// Dispatcher starts and stops runs.
type Dispatcher interface {
	RunNow(ctx context.Context, jobID int64) ([]*core.Run, error)
	Stop(ctx context.Context, runID int64) (*core.Run, error)
}

// RunReader reads run history.
type RunReader interface {
	GetRun(ctx context.Context, id int64) (*core.Run, error)
	ListRuns(ctx context.Context, filter store.RunFilter) ([]*core.Run, error)
}

// RunHandler serves manual triggers and run inspection.
type RunHandler struct {
	dispatcher Dispatcher
	runs       RunReader
}

// NewRunHandler creates a RunHandler.
func NewRunHandler(d Dispatcher, runs RunReader) *RunHandler {
	return &RunHandler{dispatcher: d, runs: runs}
}

// RunNow handles POST /api/v1/jobs/{id}/run.
func (h *RunHandler) RunNow(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		HandleError(w, err)
		return
	}
	runs, err := h.dispatcher.RunNow(r.Context(), id)
	if err != nil {
		HandleError(w, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, map[string]any{"runs": runs})
}

// Stop handles POST /api/v1/runs/{id}/stop.
func (h *RunHandler) Stop(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		HandleError(w, err)
		return
	}
	run, err := h.dispatcher.Stop(r.Context(), id)
	if err != nil {
		HandleError(w, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, map[string]any{"run": run, "stop_requested": true})
}

// Get handles GET /api/v1/runs/{id}.
func (h *RunHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		HandleError(w, err)
		return
	}
	run, err := h.runs.GetRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		HandleError(w, core.NewNotFoundError("Run", id))
		return
	}
	if err != nil {
		HandleError(w, core.NewInfrastructureError("loading run", err))
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"run": run})
}

// List handles GET /api/v1/runs with optional job_id, node, status and
// limit filters.
func (h *RunHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RunFilter{Node: q.Get("node"), Limit: 100}
	if v := q.Get("job_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			HandleError(w, core.NewInvalidRequestError("invalid job_id", map[string]any{"job_id": v}))
			return
		}
		filter.JobID = id
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			HandleError(w, core.NewInvalidRequestError("invalid limit", map[string]any{"limit": v}))
			return
		}
		filter.Limit = n
	}
	for _, s := range q["status"] {
		for _, part := range strings.Split(s, ",") {
			if part = strings.ToUpper(strings.TrimSpace(part)); part != "" {
				filter.Statuses = append(filter.Statuses, core.RunStatus(part))
			}
		}
	}
	runs, err := h.runs.ListRuns(r.Context(), filter)
	if err != nil {
		HandleError(w, core.NewInfrastructureError("listing runs", err))
		return
	}
	if runs == nil {
		runs = []*core.Run{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

func pathID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, core.NewInvalidRequestError("invalid id", map[string]any{"id": raw})
	}
	return id, nil
}
