package nats

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/crawlodeployer/fleet/internal/core"
)

// Producer publishes work items and run events through JetStream.
type Producer struct {
	js jetstream.JetStream
}

// NewProducer creates a Producer on js.
func NewProducer(js jetstream.JetStream) *Producer {
	return &Producer{js: js}
}

// Enqueue publishes item to the work subject of its node hint. The
// correlation id is the JetStream message id, so a re-publish of the same
// item inside the duplicate window is dropped by the server.
func (p *Producer) Enqueue(ctx context.Context, item *core.WorkItem) error {
	data, err := encodeWorkItem(item)
	if err != nil {
		return err
	}
	subject := WorkSubject(item.NodeHint)
	if _, err := p.js.Publish(ctx, subject, data, jetstream.WithMsgID(item.CorrelationID)); err != nil {
		return fmt.Errorf("publish work %s to %s: %w", item.CorrelationID, subject, err)
	}
	return nil
}

// PublishEvent reports a run event to the master.
func (p *Producer) PublishEvent(ctx context.Context, ev *core.RunEvent) error {
	data, err := encodeRunEvent(ev)
	if err != nil {
		return err
	}
	msgID := ev.CorrelationID + "." + string(ev.Status)
	if _, err := p.js.Publish(ctx, ResultsSubject(), data, jetstream.WithMsgID(msgID)); err != nil {
		return fmt.Errorf("publish event %s for %s: %w", ev.Status, ev.CorrelationID, err)
	}
	return nil
}
