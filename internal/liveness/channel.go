// Package liveness defines the channel nodes use to prove they are alive
// and to announce themselves, with in-memory and etcd implementations. The
// NATS implementation lives in internal/nats.
package liveness

import (
	"context"
	"time"
)

// Channel is the node liveness and registration transport.
type Channel interface {
	// Publish records a heartbeat of hostname. The entry expires on its own
	// after the channel's TTL.
	Publish(ctx context.Context, hostname string) error
	// LastSeen returns the newest unexpired heartbeat. ok is false when
	// there is none.
	LastSeen(ctx context.Context, hostname string) (t time.Time, ok bool, err error)
	// Remove drops the heartbeat of hostname.
	Remove(ctx context.Context, hostname string) error
	// Announce broadcasts hostname on the registration topic.
	Announce(ctx context.Context, hostname string) error
	// SubscribeAnnouncements streams announced hostnames. The channel is
	// closed when ctx is done or the subscription is lost.
	SubscribeAnnouncements(ctx context.Context) (<-chan string, error)
	// Ping checks the transport is reachable.
	Ping(ctx context.Context) error
}
