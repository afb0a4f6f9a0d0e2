package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Announcer publishes and receives node announcements over core NATS.
type Announcer struct {
	nc *nats.Conn
}

// NewAnnouncer creates an Announcer on nc.
func NewAnnouncer(nc *nats.Conn) *Announcer {
	return &Announcer{nc: nc}
}

// Announce publishes hostname on the registration subject.
func (a *Announcer) Announce(_ context.Context, hostname string) error {
	data, err := json.Marshal(announcement{Hostname: hostname})
	if err != nil {
		return fmt.Errorf("marshal announcement: %w", err)
	}
	if err := a.nc.Publish(AnnounceSubject, data); err != nil {
		return fmt.Errorf("publish announcement: %w", err)
	}
	return nil
}

// Subscribe delivers announced hostnames until ctx is done or the
// subscription becomes invalid, then closes the channel. Callers that want
// to keep listening resubscribe.
func (a *Announcer) Subscribe(ctx context.Context) (<-chan string, error) {
	ch := make(chan string, 64)
	var (
		mu     sync.Mutex
		closed bool
	)
	closeCh := func() {
		mu.Lock()
		defer mu.Unlock()
		if !closed {
			closed = true
			close(ch)
		}
	}

	sub, err := a.nc.Subscribe(AnnounceSubject, func(msg *nats.Msg) {
		hostname := string(msg.Data)
		var ann announcement
		if err := json.Unmarshal(msg.Data, &ann); err == nil {
			hostname = ann.Hostname
		}
		if hostname == "" {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- hostname:
		default:
			slog.Warn("dropping announcement, subscriber channel full", "hostname", hostname)
		}
	})
	if err != nil {
		closeCh()
		return nil, fmt.Errorf("subscribe to %s: %w", AnnounceSubject, err)
	}

	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Unsubscribe()
				closeCh()
				return
			case <-ticker.C:
				if !sub.IsValid() || a.nc.IsClosed() {
					closeCh()
					return
				}
			}
		}
	}()

	return ch, nil
}
