package core

import "github.com/google/uuid"

// NewCorrelationID returns a time-ordered UUIDv7 string used as the queue
// message id of a dispatched run.
func NewCorrelationID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
