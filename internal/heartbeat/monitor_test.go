package heartbeat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/crawlodeployer/fleet/internal/core"
	"github.com/crawlodeployer/fleet/internal/liveness"
	"github.com/crawlodeployer/fleet/internal/registry"
	"github.com/crawlodeployer/fleet/internal/store"
)

type mockSource struct {
	lastSeenFn func(ctx context.Context, hostname string) (time.Time, bool, error)
}

func (m *mockSource) LastSeen(ctx context.Context, hostname string) (time.Time, bool, error) {
	return m.lastSeenFn(ctx, hostname)
}

type harness struct {
	now  time.Time
	live *liveness.Memory
	reg  *registry.Registry
	mon  *Monitor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{now: time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return h.now }
	h.live = liveness.NewMemory(0)
	h.live.SetClock(clock)
	h.reg = registry.New(store.NewMemory(), registry.WithClock(clock))
	h.mon = NewMonitor(h.live, h.reg, time.Second, 120*time.Second, WithClock(clock))
	return h
}

func (h *harness) status(t *testing.T, hostname string) core.NodeStatus {
	t.Helper()
	n, err := h.reg.GetByHostname(context.Background(), hostname)
	if err != nil {
		t.Fatalf("GetByHostname(%s) error = %v", hostname, err)
	}
	return n.Status
}

func TestReconcile_StaleNodeGoesOffline(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.reg.MarkOnline(ctx, "w1"); err != nil {
		t.Fatalf("MarkOnline() error = %v", err)
	}
	h.live.PublishAt("w1", h.now)

	h.now = h.now.Add(130 * time.Second)
	res, err := h.mon.ReconcileOnce(ctx)
	if err != nil {
		t.Fatalf("ReconcileOnce() error = %v", err)
	}
	if res.WentOffline != 1 {
		t.Errorf("WentOffline = %d, want 1", res.WentOffline)
	}
	if got := h.status(t, "w1"); got != core.NodeOffline {
		t.Errorf("status = %q, want %q", got, core.NodeOffline)
	}
}

func TestReconcile_FreshNodeGoesOnline(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.reg.Register(ctx, "w1", core.ResourceInfo{}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	h.live.PublishAt("w1", h.now.Add(-5*time.Second))

	res, err := h.mon.ReconcileOnce(ctx)
	if err != nil {
		t.Fatalf("ReconcileOnce() error = %v", err)
	}
	if res.WentOnline != 1 {
		t.Errorf("WentOnline = %d, want 1", res.WentOnline)
	}
	if got := h.status(t, "w1"); got != core.NodeOnline {
		t.Errorf("status = %q, want %q", got, core.NodeOnline)
	}
}

func TestReconcile_RecordedHeartbeatKeepsNodeOnline(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, _ = h.reg.MarkOnline(ctx, "w1")

	// No channel heartbeat at all, but the pushed one is 60s old.
	h.now = h.now.Add(60 * time.Second)
	if _, err := h.mon.ReconcileOnce(ctx); err != nil {
		t.Fatalf("ReconcileOnce() error = %v", err)
	}
	if got := h.status(t, "w1"); got != core.NodeOnline {
		t.Errorf("status = %q, want %q", got, core.NodeOnline)
	}
}

func TestReconcile_ExplicitOfflineIsNotUndone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, _ = h.reg.MarkOnline(ctx, "w1")
	_, _ = h.reg.MarkOffline(ctx, "w1")

	if _, err := h.mon.ReconcileOnce(ctx); err != nil {
		t.Fatalf("ReconcileOnce() error = %v", err)
	}
	if got := h.status(t, "w1"); got != core.NodeOffline {
		t.Errorf("status = %q, want %q", got, core.NodeOffline)
	}
}

func TestReconcile_LookupFailureLeavesNode(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, _ = h.reg.MarkOnline(ctx, "w1")
	h.now = h.now.Add(10 * time.Minute)

	src := &mockSource{lastSeenFn: func(context.Context, string) (time.Time, bool, error) {
		return time.Time{}, false, errors.New("connection reset")
	}}
	mon := NewMonitor(src, h.reg, time.Second, 120*time.Second, WithClock(func() time.Time { return h.now }))

	res, err := mon.ReconcileOnce(ctx)
	if err != nil {
		t.Fatalf("ReconcileOnce() error = %v", err)
	}
	if res.Skipped != 1 {
		t.Errorf("Skipped = %d, want 1", res.Skipped)
	}
	if got := h.status(t, "w1"); got != core.NodeOnline {
		t.Errorf("status = %q, want %q (no flap on lookup failure)", got, core.NodeOnline)
	}
}

func TestReconcile_Idempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, _ = h.reg.Register(ctx, "w1", core.ResourceInfo{})
	h.live.PublishAt("w1", h.now)

	first, _ := h.mon.ReconcileOnce(ctx)
	second, _ := h.mon.ReconcileOnce(ctx)
	if first.WentOnline != 1 || second.WentOnline != 0 {
		t.Errorf("WentOnline = %d then %d, want 1 then 0", first.WentOnline, second.WentOnline)
	}
}

func TestMonitor_PassObserver(t *testing.T) {
	h := newHarness(t)
	var got Result
	mon := NewMonitor(h.live, h.reg, time.Second, time.Minute,
		WithPassObserver(func(r Result, _ time.Duration) { got = r }))
	_, _ = h.reg.Register(context.Background(), "w1", core.ResourceInfo{})
	if _, err := mon.ReconcileOnce(context.Background()); err != nil {
		t.Fatalf("ReconcileOnce() error = %v", err)
	}
	if got.Checked != 1 {
		t.Errorf("observed Checked = %d, want 1", got.Checked)
	}
}

func TestMonitorStop_Idempotent(t *testing.T) {
	h := newHarness(t)
	h.mon.Start()
	h.mon.Stop()

	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("Stop should be idempotent, panicked on second call: %v", r)
		}
	}()

	h.mon.Stop()
}
