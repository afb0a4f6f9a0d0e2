package api

import (
	"context"
	"net/http"

	"github.com/crawlodeployer/fleet/internal/core"
	"github.com/crawlodeployer/fleet/internal/scheduler"
)

// Scheduler is the cron scheduler surface exposed over HTTP.
type Scheduler interface {
	SyncFromStore(ctx context.Context) (scheduler.SyncResult, error)
	Reschedule(ctx context.Context, jobID int64) error
	Entries() []scheduler.EntryStatus
}

// SchedulerHandler serves /api/v1/scheduler.
type SchedulerHandler struct {
	scheduler Scheduler
}

// NewSchedulerHandler creates a SchedulerHandler.
func NewSchedulerHandler(s Scheduler) *SchedulerHandler {
	return &SchedulerHandler{scheduler: s}
}

// Status handles GET /api/v1/scheduler.
func (h *SchedulerHandler) Status(w http.ResponseWriter, _ *http.Request) {
	entries := h.scheduler.Entries()
	WriteJSON(w, http.StatusOK, map[string]any{"jobs": entries, "count": len(entries)})
}

// Sync handles POST /api/v1/scheduler/sync.
func (h *SchedulerHandler) Sync(w http.ResponseWriter, r *http.Request) {
	res, err := h.scheduler.SyncFromStore(r.Context())
	if err != nil {
		HandleError(w, core.NewInfrastructureError("syncing scheduler", err))
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

// Reschedule handles POST /api/v1/scheduler/jobs/{id}, re-reading one job
// after it was edited or toggled.
func (h *SchedulerHandler) Reschedule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		HandleError(w, err)
		return
	}
	if err := h.scheduler.Reschedule(r.Context(), id); err != nil {
		HandleError(w, err)
		return
	}
	for _, e := range h.scheduler.Entries() {
		if e.JobID == id {
			WriteJSON(w, http.StatusOK, map[string]any{"scheduled": true, "job": e})
			return
		}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"scheduled": false, "job_id": id})
}
