// Package heartbeat keeps the node registry in step with the liveness
// channel: a periodic level-triggered reconcile, and a listener that
// registers nodes as they announce themselves.
package heartbeat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/crawlodeployer/fleet/internal/core"
)

// LivenessSource reports when a node last proved it was alive.
type LivenessSource interface {
	LastSeen(ctx context.Context, hostname string) (time.Time, bool, error)
}

// NodeRegistry is the part of the registry the monitor drives.
type NodeRegistry interface {
	List(ctx context.Context) ([]*core.Node, error)
	MarkOnline(ctx context.Context, hostname string) (*core.Node, error)
	MarkOfflineIfStale(ctx context.Context, hostname string, cutoff time.Time) (bool, error)
}

// Result summarises one reconcile pass.
type Result struct {
	Checked     int `json:"checked"`
	WentOnline  int `json:"went_online"`
	WentOffline int `json:"went_offline"`
	Skipped     int `json:"skipped"`
}

// Monitor periodically reconciles node status against the liveness channel.
//
// A node is alive when the newest of its channel heartbeat and its recorded
// heartbeat is within the timeout. Only a channel heartbeat promotes an
// OFFLINE node; pushed heartbeats already mark nodes ONLINE when they arrive,
// and an explicit offline notice must not be undone by the heartbeat that
// preceded it.
type Monitor struct {
	source   LivenessSource
	registry NodeRegistry
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time
	observe  func(Result, time.Duration)
	logger   *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) MonitorOption {
	return func(m *Monitor) { m.now = now }
}

// WithPassObserver is called after every reconcile pass.
func WithPassObserver(fn func(Result, time.Duration)) MonitorOption {
	return func(m *Monitor) { m.observe = fn }
}

// NewMonitor creates a Monitor that runs every interval and treats nodes
// silent for longer than timeout as offline.
func NewMonitor(source LivenessSource, registry NodeRegistry, interval, timeout time.Duration, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		source:   source,
		registry: registry,
		interval: interval,
		timeout:  timeout,
		now:      time.Now,
		logger:   slog.Default().With("component", "heartbeat-monitor"),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ReconcileOnce runs a single pass over every known node. A failed liveness
// lookup leaves that node untouched.
func (m *Monitor) ReconcileOnce(ctx context.Context) (Result, error) {
	started := time.Now()
	var res Result

	nodes, err := m.registry.List(ctx)
	if err != nil {
		return res, err
	}
	now := m.now()
	cutoff := now.Add(-m.timeout)

	for _, n := range nodes {
		res.Checked++
		seen, ok, err := m.source.LastSeen(ctx, n.Hostname)
		if err != nil {
			m.logger.Warn("liveness lookup failed, leaving node as is", "hostname", n.Hostname, "error", err)
			res.Skipped++
			continue
		}

		channelAlive := ok && !seen.Before(cutoff)
		latest := n.LastHeartbeat
		if ok && seen.After(latest) {
			latest = seen
		}
		alive := !latest.IsZero() && !latest.Before(cutoff)

		switch {
		case n.Status == core.NodeOffline && channelAlive:
			if _, err := m.registry.MarkOnline(ctx, n.Hostname); err != nil {
				m.logger.Error("marking node online", "hostname", n.Hostname, "error", err)
				continue
			}
			res.WentOnline++
		case n.Status == core.NodeOnline && !alive:
			changed, err := m.registry.MarkOfflineIfStale(ctx, n.Hostname, cutoff)
			if err != nil {
				m.logger.Error("marking node offline", "hostname", n.Hostname, "error", err)
				continue
			}
			if changed {
				res.WentOffline++
			}
		}
	}

	if m.observe != nil {
		m.observe(res, time.Since(started))
	}
	if res.WentOnline > 0 || res.WentOffline > 0 {
		m.logger.Info("heartbeat reconcile", "checked", res.Checked, "online", res.WentOnline,
			"offline", res.WentOffline, "skipped", res.Skipped)
	}
	return res, nil
}

// Start runs ReconcileOnce every interval in the background.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), m.interval)
				if _, err := m.ReconcileOnce(ctx); err != nil {
					m.logger.Error("heartbeat reconcile failed", "error", err)
				}
				cancel()
			}
		}
	}()
}

// Stop halts the background loop and waits for it. Safe to call more than once.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()
}
