// Package kv provides typed JSON access to the NATS KV buckets the fleet
// uses for node liveness and run cancellation.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go/jetstream"
)

// Store provides typed access to a NATS KV bucket.
type Store struct {
	kv jetstream.KeyValue
}

// NewStore wraps a NATS KV bucket.
func NewStore(kv jetstream.KeyValue) *Store {
	return &Store{kv: kv}
}

// Get retrieves a value by key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, uint64, error) {
	entry, err := s.kv.Get(ctx, Key(key))
	if err != nil {
		return nil, 0, err
	}
	return entry.Value(), entry.Revision(), nil
}

// Put stores a value at key.
func (s *Store) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	return s.kv.Put(ctx, Key(key), value)
}

// Create stores a value at key only if it doesn't already exist.
// Returns jetstream.ErrKeyExists if the key already exists.
func (s *Store) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	return s.kv.Create(ctx, Key(key), value)
}

// Update stores a value at key only if the revision matches.
func (s *Store) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	return s.kv.Update(ctx, Key(key), value, revision)
}

// Delete removes a key.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.kv.Delete(ctx, Key(key))
}

// GetJSON retrieves and unmarshals a JSON value.
func (s *Store) GetJSON(ctx context.Context, key string, v any) (uint64, error) {
	data, rev, err := s.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return 0, fmt.Errorf("unmarshal key %s: %w", key, err)
	}
	return rev, nil
}

// PutJSON marshals and stores a JSON value.
func (s *Store) PutJSON(ctx context.Context, key string, v any) (uint64, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("marshal key %s: %w", key, err)
	}
	return s.Put(ctx, key, data)
}

// CreateJSON marshals and stores a JSON value only if key is absent.
func (s *Store) CreateJSON(ctx context.Context, key string, v any) (uint64, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("marshal key %s: %w", key, err)
	}
	return s.Create(ctx, key, data)
}

// UpdateJSON performs a CAS update on an existing JSON value. mutate receives
// the decoded value in target and should modify it in place. Revision
// conflicts are retried up to 3 times; a missing key is returned as is.
func (s *Store) UpdateJSON(ctx context.Context, key string, target any, mutate func()) error {
	var lastErr error
	for i := 0; i < 3; i++ {
		rev, err := s.GetJSON(ctx, key, target)
		if err != nil {
			return err
		}
		mutate()
		data, err := json.Marshal(target)
		if err != nil {
			return fmt.Errorf("marshal key %s: %w", key, err)
		}
		if _, err := s.Update(ctx, key, data, rev); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("update key %s: %w", key, lastErr)
}

// IsNotFound reports whether err means the key is absent, expired or deleted.
func IsNotFound(err error) bool {
	return errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted)
}

// Key maps an arbitrary identifier (hostname, correlation id) onto the NATS
// KV key alphabet. Characters outside [-/_=.a-zA-Z0-9] become '_'.
func Key(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-', r == '/', r == '_', r == '=', r == '.':
			return r
		default:
			return '_'
		}
	}, s)
}
