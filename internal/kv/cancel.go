package kv

import (
	"context"
	"errors"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// CancelRequest is a stop request for one run, keyed by correlation id.
type CancelRequest struct {
	CorrelationID string     `json:"correlation_id"`
	RequestedAt   time.Time  `json:"requested_at"`
	Reason        string     `json:"reason,omitempty"`
	ObservedBy    string     `json:"observed_by,omitempty"`
	ObservedAt    *time.Time `json:"observed_at,omitempty"`
}

// CancelStore holds cancellation flags that workers poll while a run executes.
type CancelStore struct {
	store *Store
}

// NewCancelStore creates a new CancelStore.
func NewCancelStore(kv jetstream.KeyValue) *CancelStore {
	return &CancelStore{store: NewStore(kv)}
}

// Request sets the cancellation flag. Requesting twice keeps the first request.
func (c *CancelStore) Request(ctx context.Context, correlationID, reason string) error {
	req := CancelRequest{CorrelationID: correlationID, RequestedAt: time.Now().UTC(), Reason: reason}
	_, err := c.store.CreateJSON(ctx, correlationID, req)
	if errors.Is(err, jetstream.ErrKeyExists) {
		return nil
	}
	return err
}

// IsRequested reports whether a stop was requested for the run.
func (c *CancelStore) IsRequested(ctx context.Context, correlationID string) (bool, error) {
	var req CancelRequest
	if _, err := c.store.GetJSON(ctx, correlationID, &req); err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Acknowledge records that a worker observed the request and is stopping the process.
func (c *CancelStore) Acknowledge(ctx context.Context, correlationID, hostname string) error {
	var req CancelRequest
	return c.store.UpdateJSON(ctx, correlationID, &req, func() {
		now := time.Now().UTC()
		req.ObservedBy = hostname
		req.ObservedAt = &now
	})
}

// Get returns the request for a run.
func (c *CancelStore) Get(ctx context.Context, correlationID string) (*CancelRequest, error) {
	var req CancelRequest
	if _, err := c.store.GetJSON(ctx, correlationID, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// Clear removes the flag once the run is terminal.
func (c *CancelStore) Clear(ctx context.Context, correlationID string) error {
	err := c.store.Delete(ctx, correlationID)
	if IsNotFound(err) {
		return nil
	}
	return err
}
