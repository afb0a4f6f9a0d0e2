package liveness

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// Key prefixes in etcd.
const (
	LivenessPrefix = "/fleet/liveness/"
	AnnouncePrefix = "/fleet/announce/"
)

type beat struct {
	Hostname string    `json:"hostname"`
	SeenAt   time.Time `json:"seen_at"`
}

// Etcd is a Channel backed by etcd. Each host's heartbeat key is attached
// to a lease of the channel TTL; every Publish rewrites the key and renews
// the lease once, so the key vanishes when publishing stops.
type Etcd struct {
	client *clientv3.Client
	ttl    int64

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID
}

// NewEtcd dials the etcd cluster at endpoints.
func NewEtcd(endpoints []string, ttl time.Duration) (*Etcd, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to etcd: %w", err)
	}
	return NewEtcdFromClient(cli, ttl), nil
}

// NewEtcdFromClient wraps an existing client.
func NewEtcdFromClient(cli *clientv3.Client, ttl time.Duration) *Etcd {
	secs := int64(ttl / time.Second)
	if secs < 1 {
		secs = 1
	}
	return &Etcd{client: cli, ttl: secs, leases: make(map[string]clientv3.LeaseID)}
}

// Close closes the client. Leases expire on their own.
func (e *Etcd) Close() error {
	return e.client.Close()
}

func (e *Etcd) Publish(ctx context.Context, hostname string) error {
	lease, err := e.lease(ctx, hostname)
	if err != nil {
		return err
	}
	data, err := json.Marshal(beat{Hostname: hostname, SeenAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal heartbeat: %w", err)
	}
	if _, err := e.client.Put(ctx, LivenessPrefix+hostname, string(data), clientv3.WithLease(lease)); err != nil {
		e.forget(hostname)
		return fmt.Errorf("writing heartbeat of %s: %w", hostname, err)
	}
	return nil
}

// lease returns a live lease for hostname, renewing the cached one or
// granting a fresh one when it has expired.
func (e *Etcd) lease(ctx context.Context, hostname string) (clientv3.LeaseID, error) {
	e.mu.Lock()
	id, ok := e.leases[hostname]
	e.mu.Unlock()

	if ok {
		if _, err := e.client.KeepAliveOnce(ctx, id); err == nil {
			return id, nil
		}
	}

	resp, err := e.client.Grant(ctx, e.ttl)
	if err != nil {
		return 0, fmt.Errorf("granting lease for %s: %w", hostname, err)
	}
	e.mu.Lock()
	e.leases[hostname] = resp.ID
	e.mu.Unlock()
	return resp.ID, nil
}

func (e *Etcd) forget(hostname string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.leases, hostname)
}

func (e *Etcd) LastSeen(ctx context.Context, hostname string) (time.Time, bool, error) {
	resp, err := e.client.Get(ctx, LivenessPrefix+hostname)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("reading heartbeat of %s: %w", hostname, err)
	}
	if len(resp.Kvs) == 0 {
		return time.Time{}, false, nil
	}
	var b beat
	if err := json.Unmarshal(resp.Kvs[0].Value, &b); err != nil {
		return time.Time{}, false, fmt.Errorf("decoding heartbeat of %s: %w", hostname, err)
	}
	return b.SeenAt, true, nil
}

func (e *Etcd) Remove(ctx context.Context, hostname string) error {
	if _, err := e.client.Delete(ctx, LivenessPrefix+hostname); err != nil {
		return fmt.Errorf("deleting heartbeat of %s: %w", hostname, err)
	}
	e.mu.Lock()
	id, ok := e.leases[hostname]
	delete(e.leases, hostname)
	e.mu.Unlock()
	if ok {
		if _, err := e.client.Revoke(ctx, id); err != nil {
			slog.Debug("revoking lease", "hostname", hostname, "error", err)
		}
	}
	return nil
}

func (e *Etcd) Announce(ctx context.Context, hostname string) error {
	resp, err := e.client.Grant(ctx, e.ttl)
	if err != nil {
		return fmt.Errorf("granting announce lease: %w", err)
	}
	stamp := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := e.client.Put(ctx, AnnouncePrefix+hostname, stamp, clientv3.WithLease(resp.ID)); err != nil {
		return fmt.Errorf("announcing %s: %w", hostname, err)
	}
	return nil
}

func (e *Etcd) SubscribeAnnouncements(ctx context.Context) (<-chan string, error) {
	out := make(chan string, 64)
	watchCh := e.client.Watch(clientv3.WithRequireLeader(ctx), AnnouncePrefix, clientv3.WithPrefix())

	go func() {
		defer close(out)
		for resp := range watchCh {
			if err := resp.Err(); err != nil {
				slog.Warn("announcement watch failed", "error", err)
				return
			}
			for _, ev := range resp.Events {
				if ev.Type != clientv3.EventTypePut {
					continue
				}
				hostname := strings.TrimPrefix(string(ev.Kv.Key), AnnouncePrefix)
				if hostname == "" {
					continue
				}
				select {
				case out <- hostname:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (e *Etcd) Ping(ctx context.Context) error {
	if _, err := e.client.Get(ctx, LivenessPrefix, clientv3.WithPrefix(), clientv3.WithCountOnly()); err != nil {
		return fmt.Errorf("pinging etcd: %w", err)
	}
	return nil
}

var _ Channel = (*Etcd)(nil)
