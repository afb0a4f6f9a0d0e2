package kv

import (
	"context"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// Beat is the value a node writes into the liveness bucket. The bucket TTL
// expires it when the node stops writing.
type Beat struct {
	Hostname string    `json:"hostname"`
	SeenAt   time.Time `json:"seen_at"`
}

// LivenessStore records node heartbeats in a TTL'd KV bucket.
type LivenessStore struct {
	store *Store
}

// NewLivenessStore creates a new LivenessStore.
func NewLivenessStore(kv jetstream.KeyValue) *LivenessStore {
	return &LivenessStore{store: NewStore(kv)}
}

// Touch refreshes the heartbeat of hostname.
func (l *LivenessStore) Touch(ctx context.Context, hostname string, at time.Time) error {
	_, err := l.store.PutJSON(ctx, hostname, Beat{Hostname: hostname, SeenAt: at.UTC()})
	return err
}

// LastSeen returns the last heartbeat of hostname. ok is false when the key
// has expired or was never written.
func (l *LivenessStore) LastSeen(ctx context.Context, hostname string) (time.Time, bool, error) {
	var b Beat
	if _, err := l.store.GetJSON(ctx, hostname, &b); err != nil {
		if IsNotFound(err) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	return b.SeenAt, true, nil
}

// Remove deletes the heartbeat of hostname, used on graceful shutdown.
func (l *LivenessStore) Remove(ctx context.Context, hostname string) error {
	err := l.store.Delete(ctx, hostname)
	if IsNotFound(err) {
		return nil
	}
	return err
}

