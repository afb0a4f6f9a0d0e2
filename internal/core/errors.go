package core

import (
	"errors"
	"fmt"
)

// Error codes. They follow the error taxonomy of the scheduler: validation
// failures are rejected before side effects, placement failures are skipped,
// infrastructure failures wait for the next cycle, and execution failures end
// as FAILURE runs.
const (
	ErrCodeValidation     = "validation_error"
	ErrCodePlacement      = "placement_error"
	ErrCodeInfrastructure = "infrastructure_error"
	ErrCodeExecution      = "execution_error"
	ErrCodeNotFound       = "not_found"
	ErrCodeConflict       = "conflict"
	ErrCodeInvalidRequest = "invalid_request"
)

// FleetError is the structured error returned across component boundaries.
type FleetError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
	Err       error          `json:"-"`
}

func (e *FleetError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FleetError) Unwrap() error { return e.Err }

// NewValidationError reports input that can never succeed as given.
func NewValidationError(message string, details map[string]any) *FleetError {
	return &FleetError{Code: ErrCodeValidation, Message: message, Details: details}
}

// NewInvalidRequestError reports a malformed API request.
func NewInvalidRequestError(message string, details map[string]any) *FleetError {
	return &FleetError{Code: ErrCodeInvalidRequest, Message: message, Details: details}
}

// NewPlacementError reports that no node is eligible for a job right now.
func NewPlacementError(jobID int64, mode DistributionMode) *FleetError {
	return &FleetError{
		Code:      ErrCodePlacement,
		Message:   fmt.Sprintf("No eligible node for job %d.", jobID),
		Retryable: true,
		Details: map[string]any{
			"job_id":            jobID,
			"distribution_mode": mode,
		},
	}
}

// NewInfrastructureError wraps a failure of the queue, store or liveness channel.
func NewInfrastructureError(message string, err error) *FleetError {
	return &FleetError{Code: ErrCodeInfrastructure, Message: message, Retryable: true, Err: err}
}

// NewExecutionError wraps a failure to launch or complete a script.
func NewExecutionError(message string, err error) *FleetError {
	return &FleetError{Code: ErrCodeExecution, Message: message, Err: err}
}

// NewNotFoundError reports a missing resource.
func NewNotFoundError(resourceType string, resourceID any) *FleetError {
	return &FleetError{
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("%s '%v' not found.", resourceType, resourceID),
		Details: map[string]any{
			"resource_type": resourceType,
			"resource_id":   resourceID,
		},
	}
}

// NewConflictError reports a state transition that is no longer allowed.
func NewConflictError(message string, details map[string]any) *FleetError {
	return &FleetError{Code: ErrCodeConflict, Message: message, Details: details}
}

// HasCode reports whether err is, or wraps, a FleetError with the given code.
func HasCode(err error, code string) bool {
	var fe *FleetError
	if errors.As(err, &fe) {
		return fe.Code == code
	}
	return false
}
