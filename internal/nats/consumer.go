package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/crawlodeployer/fleet/internal/core"
)

// WorkConsumer pulls work items for one node and tracks in-flight messages
// until the worker acks or terminates them.
type WorkConsumer struct {
	js       jetstream.JetStream
	hostname string

	mu       sync.Mutex
	consumer jetstream.Consumer
	inflight sync.Map // correlation id -> jetstream.Msg
}

// NewWorkConsumer creates a WorkConsumer for hostname.
func NewWorkConsumer(js jetstream.JetStream, hostname string) *WorkConsumer {
	return &WorkConsumer{js: js, hostname: hostname}
}

func (wc *WorkConsumer) getConsumer(ctx context.Context) (jetstream.Consumer, error) {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	if wc.consumer != nil {
		return wc.consumer, nil
	}
	c, err := EnsureWorkConsumer(ctx, wc.js, wc.hostname)
	if err != nil {
		return nil, err
	}
	wc.consumer = c
	return c, nil
}

// Fetch pulls up to count work items, waiting at most maxWait.
// Undecodable messages are terminated and skipped.
func (wc *WorkConsumer) Fetch(ctx context.Context, count int, maxWait time.Duration) ([]*core.WorkItem, error) {
	consumer, err := wc.getConsumer(ctx)
	if err != nil {
		return nil, err
	}

	msgs, err := consumer.Fetch(count, jetstream.FetchMaxWait(maxWait))
	if err != nil {
		return nil, fmt.Errorf("fetching work for %s: %w", wc.hostname, err)
	}

	var items []*core.WorkItem
	for msg := range msgs.Messages() {
		item, err := decodeWorkItem(msg.Data())
		if err != nil {
			slog.Warn("dropping malformed work item", "hostname", wc.hostname, "error", err)
			_ = msg.Term()
			continue
		}
		wc.inflight.Store(item.CorrelationID, msg)
		items = append(items, item)
	}
	if err := msgs.Error(); err != nil && !errors.Is(err, jetstream.ErrNoMessages) && !errors.Is(err, context.DeadlineExceeded) {
		slog.Debug("fetch ended with error", "hostname", wc.hostname, "error", err)
	}
	return items, nil
}

// Ack acknowledges the message of a work item.
func (wc *WorkConsumer) Ack(correlationID string) error {
	v, ok := wc.inflight.LoadAndDelete(correlationID)
	if !ok {
		return nil
	}
	return v.(jetstream.Msg).Ack()
}

// Term terminates the message so it is never redelivered.
func (wc *WorkConsumer) Term(correlationID string) error {
	v, ok := wc.inflight.LoadAndDelete(correlationID)
	if !ok {
		return nil
	}
	return v.(jetstream.Msg).Term()
}

// EventHandler applies one run event. Returning an error leaves the event
// for redelivery.
type EventHandler func(ctx context.Context, ev *core.RunEvent) error

// ConsumeResults pulls run events and hands them to handle until ctx is done.
func ConsumeResults(ctx context.Context, js jetstream.JetStream, handle EventHandler) error {
	consumer, err := EnsureResultsConsumer(ctx, js)
	if err != nil {
		return err
	}
	logger := slog.Default().With("component", "results")

	for {
		if ctx.Err() != nil {
			return nil
		}
		msgs, err := consumer.Fetch(32, jetstream.FetchMaxWait(time.Second))
		if err != nil {
			logger.Warn("fetching results", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		for msg := range msgs.Messages() {
			ev, err := decodeRunEvent(msg.Data())
			if err != nil {
				logger.Warn("dropping malformed run event", "error", err)
				_ = msg.Term()
				continue
			}
			if err := handle(ctx, ev); err != nil {
				logger.Error("applying run event", "correlation_id", ev.CorrelationID,
					"status", ev.Status, "error", err)
				_ = msg.NakWithDelay(5 * time.Second)
				continue
			}
			_ = msg.Ack()
		}
	}
}
