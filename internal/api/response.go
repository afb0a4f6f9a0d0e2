// Package api implements the HTTP boundary of the fleet server: the node
// heartbeat endpoints and the admin endpoints for runs and the scheduler.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/crawlodeployer/fleet/internal/core"
)

// ErrorResponse is the JSON body of every non-2xx response.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody carries a FleetError over the wire.
type ErrorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// WriteJSON writes data as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

// WriteError writes fleetErr as an ErrorResponse with the given status.
func WriteError(w http.ResponseWriter, status int, fleetErr *core.FleetError) {
	WriteJSON(w, status, ErrorResponse{Error: ErrorBody{
		Code:      fleetErr.Code,
		Message:   fleetErr.Message,
		Retryable: fleetErr.Retryable,
		Details:   fleetErr.Details,
		RequestID: w.Header().Get("X-Request-Id"),
	}})
}

// StatusFor maps an error code onto an HTTP status.
func StatusFor(code string) int {
	switch code {
	case core.ErrCodeValidation, core.ErrCodeInvalidRequest:
		return http.StatusBadRequest
	case core.ErrCodeNotFound:
		return http.StatusNotFound
	case core.ErrCodeConflict:
		return http.StatusConflict
	case core.ErrCodePlacement:
		return http.StatusUnprocessableEntity
	case core.ErrCodeInfrastructure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// HandleError writes err, mapping FleetErrors by code. Anything else is an
// internal error whose text is logged, not returned.
func HandleError(w http.ResponseWriter, err error) {
	var fe *core.FleetError
	if errors.As(err, &fe) {
		WriteError(w, StatusFor(fe.Code), fe)
		return
	}
	slog.Error("internal error", "error", err, "request_id", w.Header().Get("X-Request-Id"))
	WriteError(w, http.StatusInternalServerError, &core.FleetError{
		Code:      "internal_error",
		Message:   "internal server error",
		Retryable: true,
	})
}
