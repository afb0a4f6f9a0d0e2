package api

import (
	"context"
	"net/http"

	"github.com/crawlodeployer/fleet/internal/core"
	"github.com/crawlodeployer/fleet/internal/heartbeat"
)

// Reconciler runs a heartbeat reconcile pass on demand.
type Reconciler interface {
	ReconcileOnce(ctx context.Context) (heartbeat.Result, error)
}

// HeartbeatHandler exposes the heartbeat monitor.
type HeartbeatHandler struct {
	reconciler Reconciler
}

// NewHeartbeatHandler creates a HeartbeatHandler.
func NewHeartbeatHandler(r Reconciler) *HeartbeatHandler {
	return &HeartbeatHandler{reconciler: r}
}

// Reconcile handles POST /api/v1/nodes/reconcile.
func (h *HeartbeatHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	res, err := h.reconciler.ReconcileOnce(r.Context())
	if err != nil {
		HandleError(w, core.NewInfrastructureError("reconciling node liveness", err))
		return
	}
	WriteJSON(w, http.StatusOK, res)
}
