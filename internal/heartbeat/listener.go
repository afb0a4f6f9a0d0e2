package heartbeat

import (
	"context"
	"log/slog"
	"time"

	"github.com/crawlodeployer/fleet/internal/core"
)

// AnnouncementSource streams hostnames announced on the registration topic.
type AnnouncementSource interface {
	SubscribeAnnouncements(ctx context.Context) (<-chan string, error)
}

// Registrar registers announced nodes.
type Registrar interface {
	Register(ctx context.Context, hostname string, info core.ResourceInfo) (*core.Node, error)
}

const (
	minBackoff = time.Second
	maxBackoff = 30 * time.Second
)

// Listener registers every announced hostname. When the subscription is
// lost it resubscribes with exponential backoff; it never exits on its own.
type Listener struct {
	source    AnnouncementSource
	registrar Registrar
	logger    *slog.Logger

	minBackoff time.Duration
	maxBackoff time.Duration
}

// NewListener creates a Listener.
func NewListener(source AnnouncementSource, registrar Registrar) *Listener {
	return &Listener{
		source:     source,
		registrar:  registrar,
		logger:     slog.Default().With("component", "registration-listener"),
		minBackoff: minBackoff,
		maxBackoff: maxBackoff,
	}
}

// Run blocks until ctx is done.
func (l *Listener) Run(ctx context.Context) {
	backoff := l.minBackoff
	for {
		ch, err := l.source.SubscribeAnnouncements(ctx)
		if err != nil {
			l.logger.Warn("subscribing to announcements", "error", err, "retry_in", backoff)
		} else {
			l.logger.Info("listening for node announcements")
			if l.drain(ctx, ch) {
				backoff = l.minBackoff
			}
		}
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = nextBackoff(backoff, l.maxBackoff)
	}
}

// drain registers hostnames until ch closes. It reports whether anything
// was received, which resets the backoff.
func (l *Listener) drain(ctx context.Context, ch <-chan string) bool {
	received := false
	for hostname := range ch {
		received = true
		if _, err := l.registrar.Register(ctx, hostname, core.ResourceInfo{}); err != nil {
			l.logger.Error("registering announced node", "hostname", hostname, "error", err)
		}
	}
	if ctx.Err() == nil {
		l.logger.Warn("announcement subscription lost, reconnecting")
	}
	return received
}

func nextBackoff(cur, limit time.Duration) time.Duration {
	next := cur * 2
	if next > limit {
		return limit
	}
	return next
}
