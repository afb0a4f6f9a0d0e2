// Package registry is the authoritative view of worker nodes: their
// metadata, liveness status and physical-host capacity.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/crawlodeployer/fleet/internal/core"
	"github.com/crawlodeployer/fleet/internal/store"
)

// Filter narrows ListOnline. Zero values match everything.
type Filter struct {
	Tag string
	OS  core.NodeOS
}

func (f Filter) matches(n *core.Node) bool {
	if f.Tag != "" && !n.HasTag(f.Tag) {
		return false
	}
	if f.OS != "" && n.OS != f.OS {
		return false
	}
	return true
}

// StatusObserver is told about every ONLINE/OFFLINE transition.
type StatusObserver func(hostname string, from, to core.NodeStatus)

// Option configures a Registry.
type Option func(*Registry)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithObserver registers a transition observer.
func WithObserver(o StatusObserver) Option {
	return func(r *Registry) { r.observers = append(r.observers, o) }
}

// Registry serialises writes per hostname so concurrent heartbeats, monitor
// passes and registrations for the same node never interleave.
type Registry struct {
	store     store.Store
	now       func() time.Time
	observers []StatusObserver
	logger    *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a Registry over st.
func New(st store.Store, opts ...Option) *Registry {
	r := &Registry{
		store:  st,
		now:    time.Now,
		logger: slog.Default().With("component", "registry"),
		locks:  make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) lock(hostname string) func() {
	r.mu.Lock()
	l, ok := r.locks[hostname]
	if !ok {
		l = &sync.Mutex{}
		r.locks[hostname] = l
	}
	r.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// load returns the node of hostname, or a fresh OFFLINE node when unknown.
func (r *Registry) load(ctx context.Context, hostname string) (*core.Node, error) {
	n, err := r.store.GetNodeByHostname(ctx, hostname)
	if err == nil {
		return n, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("loading node %s: %w", hostname, err)
	}
	return &core.Node{
		Hostname:     hostname,
		OS:           core.OSUnknown,
		Status:       core.NodeOffline,
		RegisteredAt: r.now().UTC(),
	}, nil
}

func (r *Registry) save(ctx context.Context, n *core.Node, from core.NodeStatus) error {
	if err := r.store.SaveNode(ctx, n); err != nil {
		return fmt.Errorf("saving node %s: %w", n.Hostname, err)
	}
	if from != n.Status {
		for _, o := range r.observers {
			o(n.Hostname, from, n.Status)
		}
	}
	return nil
}

// Register creates or updates the node of hostname. New nodes start
// OFFLINE and go ONLINE with their first liveness signal.
func (r *Registry) Register(ctx context.Context, hostname string, info core.ResourceInfo) (*core.Node, error) {
	if hostname == "" {
		return nil, core.NewValidationError("hostname is required", nil)
	}
	defer r.lock(hostname)()

	n, err := r.load(ctx, hostname)
	if err != nil {
		return nil, err
	}
	from := n.Status
	if n.ID == 0 {
		from = ""
	}
	n.Apply(info)
	if err := r.save(ctx, n, from); err != nil {
		return nil, err
	}
	if from == "" {
		r.logger.Info("node registered", "hostname", hostname, "os", n.OS)
	}
	return n, nil
}

// Heartbeat applies info and marks the node ONLINE in one step. It is the
// push side of liveness: the node's own HTTP heartbeat.
func (r *Registry) Heartbeat(ctx context.Context, hostname string, info core.ResourceInfo) (*core.Node, error) {
	if hostname == "" {
		return nil, core.NewValidationError("hostname is required", nil)
	}
	defer r.lock(hostname)()

	n, err := r.load(ctx, hostname)
	if err != nil {
		return nil, err
	}
	from := n.Status
	if n.ID == 0 {
		from = ""
	}
	n.Apply(info)
	n.Status = core.NodeOnline
	n.LastHeartbeat = r.now().UTC()
	if err := r.save(ctx, n, from); err != nil {
		return nil, err
	}
	if from != core.NodeOnline {
		r.logger.Info("node online", "hostname", hostname)
	}
	return n, nil
}

// MarkOnline sets the node ONLINE with a fresh heartbeat, creating it if
// it has never been seen.
func (r *Registry) MarkOnline(ctx context.Context, hostname string) (*core.Node, error) {
	return r.Heartbeat(ctx, hostname, core.ResourceInfo{})
}

// MarkOffline sets the node OFFLINE unconditionally.
func (r *Registry) MarkOffline(ctx context.Context, hostname string) (*core.Node, error) {
	defer r.lock(hostname)()

	n, err := r.store.GetNodeByHostname(ctx, hostname)
	if errors.Is(err, store.ErrNotFound) {
		return nil, core.NewNotFoundError("Node", hostname)
	}
	if err != nil {
		return nil, fmt.Errorf("loading node %s: %w", hostname, err)
	}
	from := n.Status
	n.Status = core.NodeOffline
	if err := r.save(ctx, n, from); err != nil {
		return nil, err
	}
	if from != core.NodeOffline {
		r.logger.Info("node offline", "hostname", hostname)
	}
	return n, nil
}

// MarkOfflineIfStale marks the node OFFLINE only if it is ONLINE and its
// recorded heartbeat is not newer than cutoff. The check runs under the
// node's lock, so a heartbeat that lands during a monitor pass wins.
func (r *Registry) MarkOfflineIfStale(ctx context.Context, hostname string, cutoff time.Time) (bool, error) {
	defer r.lock(hostname)()

	n, err := r.store.GetNodeByHostname(ctx, hostname)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("loading node %s: %w", hostname, err)
	}
	if n.Status != core.NodeOnline || n.LastHeartbeat.After(cutoff) {
		return false, nil
	}
	n.Status = core.NodeOffline
	if err := r.save(ctx, n, core.NodeOnline); err != nil {
		return false, err
	}
	r.logger.Info("node offline", "hostname", hostname, "last_heartbeat", n.LastHeartbeat)
	return true, nil
}

// List returns all nodes ordered by hostname.
func (r *Registry) List(ctx context.Context) ([]*core.Node, error) {
	return r.store.ListNodes(ctx)
}

// ListOnline returns the ONLINE nodes matching f, ordered by hostname.
func (r *Registry) ListOnline(ctx context.Context, f Filter) ([]*core.Node, error) {
	all, err := r.store.ListNodes(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*core.Node, 0, len(all))
	for _, n := range all {
		if n.Online() && f.matches(n) {
			out = append(out, n)
		}
	}
	return out, nil
}

// Get returns a node by id.
func (r *Registry) Get(ctx context.Context, id int64) (*core.Node, error) {
	n, err := r.store.GetNode(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, core.NewNotFoundError("Node", id)
	}
	return n, err
}

// GetByHostname returns a node by hostname.
func (r *Registry) GetByHostname(ctx context.Context, hostname string) (*core.Node, error) {
	n, err := r.store.GetNodeByHostname(ctx, hostname)
	if errors.Is(err, store.ErrNotFound) {
		return nil, core.NewNotFoundError("Node", hostname)
	}
	return n, err
}
