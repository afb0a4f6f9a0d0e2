package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// SetupJetStream creates the FLEET stream and the KV buckets. livenessTTL
// becomes the bucket TTL of the liveness bucket so a node that stops
// writing disappears on its own.
func SetupJetStream(ctx context.Context, js jetstream.JetStream, livenessTTL time.Duration) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{WorkAllSubject(), ResultsSubject()},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.WorkQueuePolicy,
		MaxAge:    7 * 24 * time.Hour,
		Discard:   jetstream.DiscardOld,
		// Dispatch retries reuse the correlation id as message id.
		Duplicates: 10 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("creating stream %s: %w", StreamName, err)
	}

	buckets := []struct {
		name string
		ttl  time.Duration
	}{
		{BucketLiveness, livenessTTL},
		{BucketCancel, 24 * time.Hour},
	}

	for _, b := range buckets {
		cfg := jetstream.KeyValueConfig{
			Bucket:  b.name,
			Storage: jetstream.FileStorage,
		}
		if b.ttl > 0 {
			cfg.TTL = b.ttl
		}
		if _, err := js.CreateOrUpdateKeyValue(ctx, cfg); err != nil {
			return fmt.Errorf("creating KV bucket %s: %w", b.name, err)
		}
	}

	return nil
}

// EnsureWorkConsumer creates or updates the durable pull consumer of one node.
func EnsureWorkConsumer(ctx context.Context, js jetstream.JetStream, hostname string) (jetstream.Consumer, error) {
	consumer, err := js.CreateOrUpdateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		Durable:       ConsumerName(hostname),
		FilterSubject: WorkSubject(hostname),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       60 * time.Second,
		MaxDeliver:    1, // redelivery would run a script twice; the reaper handles lost runs
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("creating consumer for node %s: %w", hostname, err)
	}
	return consumer, nil
}

// EnsureResultsConsumer creates or updates the master's results consumer.
func EnsureResultsConsumer(ctx context.Context, js jetstream.JetStream) (jetstream.Consumer, error) {
	consumer, err := js.CreateOrUpdateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		Durable:       resultsConsumer,
		FilterSubject: ResultsSubject(),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("creating results consumer: %w", err)
	}
	return consumer, nil
}
