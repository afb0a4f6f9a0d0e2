// Package nats carries fleet traffic over NATS: work items and run events
// through JetStream, liveness and cancellation flags through KV buckets, and
// node announcements through core pub/sub.
package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/crawlodeployer/fleet/internal/core"
	"github.com/crawlodeployer/fleet/internal/kv"
)

// Backend bundles the NATS connection and the stores built on it.
type Backend struct {
	nc *nats.Conn
	js jetstream.JetStream

	liveness  *kv.LivenessStore
	cancel    *kv.CancelStore
	producer  *Producer
	announcer *Announcer
}

// Connect dials NATS, creates the stream and buckets, and opens the buckets.
// livenessTTL is the bucket TTL of node heartbeats.
func Connect(natsURL, name string, livenessTTL time.Duration) (*Backend, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := SetupJetStream(ctx, js, livenessTTL); err != nil {
		nc.Close()
		return nil, fmt.Errorf("setting up JetStream: %w", err)
	}

	openKV := func(name string) (jetstream.KeyValue, error) {
		bucket, err := js.KeyValue(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("opening KV bucket %s: %w", name, err)
		}
		return bucket, nil
	}

	livenessKV, err := openKV(BucketLiveness)
	if err != nil {
		nc.Close()
		return nil, err
	}
	cancelKV, err := openKV(BucketCancel)
	if err != nil {
		nc.Close()
		return nil, err
	}

	return &Backend{
		nc:        nc,
		js:        js,
		liveness:  kv.NewLivenessStore(livenessKV),
		cancel:    kv.NewCancelStore(cancelKV),
		producer:  NewProducer(js),
		announcer: NewAnnouncer(nc),
	}, nil
}

// Close drains and closes the connection.
func (b *Backend) Close() error {
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
		return err
	}
	return nil
}

// Ping round-trips to the server.
func (b *Backend) Ping(ctx context.Context) error {
	if b.nc.IsClosed() {
		return fmt.Errorf("nats connection closed")
	}
	if err := b.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("pinging NATS: %w", err)
	}
	return nil
}

// Publish refreshes the liveness key of hostname.
func (b *Backend) Publish(ctx context.Context, hostname string) error {
	return b.liveness.Touch(ctx, hostname, time.Now())
}

// LastSeen returns the newest heartbeat of hostname still held by the bucket.
func (b *Backend) LastSeen(ctx context.Context, hostname string) (time.Time, bool, error) {
	return b.liveness.LastSeen(ctx, hostname)
}

// Remove deletes the liveness key of hostname.
func (b *Backend) Remove(ctx context.Context, hostname string) error {
	return b.liveness.Remove(ctx, hostname)
}

// Announce publishes a registration announcement for hostname.
func (b *Backend) Announce(ctx context.Context, hostname string) error {
	return b.announcer.Announce(ctx, hostname)
}

// SubscribeAnnouncements streams announced hostnames; see Announcer.Subscribe.
func (b *Backend) SubscribeAnnouncements(ctx context.Context) (<-chan string, error) {
	return b.announcer.Subscribe(ctx)
}

// Enqueue publishes a work item to its node.
func (b *Backend) Enqueue(ctx context.Context, item *core.WorkItem) error {
	return b.producer.Enqueue(ctx, item)
}

// PublishEvent reports a run event to the master.
func (b *Backend) PublishEvent(ctx context.Context, ev *core.RunEvent) error {
	return b.producer.PublishEvent(ctx, ev)
}

// ConsumeResults applies run events until ctx is done.
func (b *Backend) ConsumeResults(ctx context.Context, handle EventHandler) error {
	return ConsumeResults(ctx, b.js, handle)
}

// NewWorkConsumer returns the work consumer of hostname.
func (b *Backend) NewWorkConsumer(hostname string) *WorkConsumer {
	return NewWorkConsumer(b.js, hostname)
}

// RequestCancel sets the cancellation flag of a run.
func (b *Backend) RequestCancel(ctx context.Context, correlationID, reason string) error {
	return b.cancel.Request(ctx, correlationID, reason)
}

// CancelRequested reports whether a stop was requested for a run.
func (b *Backend) CancelRequested(ctx context.Context, correlationID string) (bool, error) {
	return b.cancel.IsRequested(ctx, correlationID)
}

// AcknowledgeCancel records that hostname is stopping the run.
func (b *Backend) AcknowledgeCancel(ctx context.Context, correlationID, hostname string) error {
	return b.cancel.Acknowledge(ctx, correlationID, hostname)
}

// ClearCancel removes the cancellation flag of a finished run.
func (b *Backend) ClearCancel(ctx context.Context, correlationID string) error {
	return b.cancel.Clear(ctx, correlationID)
}
