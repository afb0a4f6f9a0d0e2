package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/crawlodeployer/fleet/internal/api"
	"github.com/crawlodeployer/fleet/internal/core"
	"github.com/crawlodeployer/fleet/internal/dispatch"
	"github.com/crawlodeployer/fleet/internal/heartbeat"
	"github.com/crawlodeployer/fleet/internal/liveness"
	"github.com/crawlodeployer/fleet/internal/metrics"
	"github.com/crawlodeployer/fleet/internal/placement"
	"github.com/crawlodeployer/fleet/internal/registry"
	"github.com/crawlodeployer/fleet/internal/scheduler"
	"github.com/crawlodeployer/fleet/internal/store"
)

type memQueue struct {
	mu    sync.Mutex
	items []*core.WorkItem
}

func (q *memQueue) Enqueue(_ context.Context, item *core.WorkItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, item)
	return nil
}

type memCancel struct {
	mu        sync.Mutex
	requested map[string]bool
}

func (c *memCancel) RequestCancel(_ context.Context, corr, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requested[corr] = true
	return nil
}

func (c *memCancel) ClearCancel(_ context.Context, corr string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.requested, corr)
	return nil
}

func newTestServer(t *testing.T) (*httptest.Server, store.Store, *dispatch.Dispatcher, *memCancel) {
	t.Helper()
	st := store.NewMemory()
	m := metrics.New()
	reg := registry.New(st, registry.WithObserver(m.NodeTransition))
	cancel := &memCancel{requested: map[string]bool{}}
	d := dispatch.New(st, placement.NewResolver(reg), &memQueue{}, cancel,
		dispatch.WithDispatchObserver(m.Dispatched), dispatch.WithRunObserver(m.RunFinished))
	sched := scheduler.New(st, d, scheduler.WithTriggerObserver(m.SetTriggers))
	t.Cleanup(sched.Stop)

	router := NewRouter(RouterDeps{
		Registry:   reg,
		Dispatcher: d,
		Runs:       st,
		Scheduler:  sched,
		Checks:     map[string]api.HealthCheck{"store": func(context.Context) error { return nil }},
		Metrics:    m.Handler(),
	})
	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)
	return ts, st, d, cancel
}

func post(t *testing.T, target, contentType string, body io.Reader) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(target, contentType, body)
	if err != nil {
		t.Fatalf("POST %s error: %v", target, err)
	}
	return resp, decodeJSONBody(t, resp.Body)
}

func decodeJSONBody(t *testing.T, body io.ReadCloser) map[string]any {
	t.Helper()
	defer body.Close()
	var out map[string]any
	if err := json.NewDecoder(body).Decode(&out); err != nil {
		t.Fatalf("decode response body: %v", err)
	}
	return out
}

func TestRouter_ManualRunLifecycle(t *testing.T) {
	ts, st, d, cancel := newTestServer(t)
	ctx := context.Background()

	resp, body := post(t, ts.URL+"/api/v1/nodes/heartbeat", "application/x-www-form-urlencoded",
		strings.NewReader(url.Values{"hostname": {"crawler-01"}, "tags": {"gpu"}}.Encode()))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("heartbeat status = %d, want %d: %v", resp.StatusCode, http.StatusOK, body)
	}

	job := &core.Job{Name: "news", Project: "spider", Enabled: true, Mode: core.DistributionTagBased, TargetTag: "gpu"}
	if err := st.SaveJob(ctx, job); err != nil {
		t.Fatalf("SaveJob() error = %v", err)
	}
	jobPath := ts.URL + "/api/v1/jobs/" + strconv.FormatInt(job.ID, 10) + "/run"

	resp, body = post(t, jobPath, "application/json", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("run status = %d, want %d: %v", resp.StatusCode, http.StatusAccepted, body)
	}
	runs := body["runs"].([]any)
	run := runs[0].(map[string]any)
	if run["worker_node"] != "crawler-01" || run["status"] != "PENDING" || run["trigger"] != "manual" {
		t.Fatalf("run = %v", run)
	}
	runID := strconv.FormatInt(int64(run["id"].(float64)), 10)
	corr := run["correlation_id"].(string)

	resp, _ = post(t, ts.URL+"/api/v1/runs/"+runID+"/stop", "application/json", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("stop status = %d, want %d", resp.StatusCode, http.StatusAccepted)
	}
	if !cancel.requested[corr] {
		t.Fatal("expected cancel flag for run")
	}

	if err := d.ApplyEvent(ctx, &core.RunEvent{CorrelationID: corr, Status: core.RunFailure, ManuallyStopped: true}); err != nil {
		t.Fatalf("ApplyEvent() error = %v", err)
	}

	getResp, err := http.Get(ts.URL + "/api/v1/runs/" + runID)
	if err != nil {
		t.Fatalf("GET run error: %v", err)
	}
	got := decodeJSONBody(t, getResp.Body)["run"].(map[string]any)
	if got["status"] != "FAILURE" || got["manually_stopped"] != true {
		t.Errorf("run = %v, want FAILURE manually stopped", got)
	}

	resp, _ = post(t, ts.URL+"/api/v1/runs/"+runID+"/stop", "application/json", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second stop status = %d, want %d", resp.StatusCode, http.StatusConflict)
	}

	resp, _ = post(t, ts.URL+"/api/v1/nodes/offline", "application/x-www-form-urlencoded",
		strings.NewReader("hostname=crawler-01"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("offline status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	resp, body = post(t, jobPath, "application/json", nil)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("run on offline fleet status = %d, want %d: %v", resp.StatusCode, http.StatusUnprocessableEntity, body)
	}
}

func TestRouter_SchedulerSyncAndMetrics(t *testing.T) {
	ts, st, _, _ := newTestServer(t)
	ctx := context.Background()

	for _, j := range []*core.Job{
		{Name: "a", Project: "p", Enabled: true, CronExpression: "*/5 * * * *"},
		{Name: "b", Project: "p", Enabled: true, CronExpression: "0 3 * * *"},
		{Name: "c", Project: "p", Enabled: false, CronExpression: "0 4 * * *"},
	} {
		if err := st.SaveJob(ctx, j); err != nil {
			t.Fatalf("SaveJob() error = %v", err)
		}
	}

	resp, body := post(t, ts.URL+"/api/v1/scheduler/sync", "application/json", bytes.NewReader(nil))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sync status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if body["added"] != float64(2) {
		t.Errorf("added = %v, want 2", body["added"])
	}

	getResp, err := http.Get(ts.URL + "/api/v1/scheduler")
	if err != nil {
		t.Fatalf("GET scheduler error: %v", err)
	}
	if got := decodeJSONBody(t, getResp.Body)["count"]; got != float64(2) {
		t.Errorf("count = %v, want 2", got)
	}

	metricsResp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET metrics error: %v", err)
	}
	defer metricsResp.Body.Close()
	text, _ := io.ReadAll(metricsResp.Body)
	if !strings.Contains(string(text), "fleet_scheduler_triggers 2") {
		t.Error("metrics missing fleet_scheduler_triggers 2")
	}

	healthResp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET healthz error: %v", err)
	}
	healthResp.Body.Close()
	if healthResp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d, want %d", healthResp.StatusCode, http.StatusOK)
	}
}

func TestRouter_ReconcileNodes(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	reg := registry.New(st)
	live := liveness.NewMemory(time.Minute)
	monitor := heartbeat.NewMonitor(live, reg, time.Hour, 2*time.Minute)
	d := dispatch.New(st, placement.NewResolver(reg), &memQueue{}, &memCancel{requested: map[string]bool{}})
	sched := scheduler.New(st, d)
	t.Cleanup(sched.Stop)

	ts := httptest.NewServer(NewRouter(RouterDeps{
		Registry:   reg,
		Dispatcher: d,
		Runs:       st,
		Scheduler:  sched,
		Reconciler: monitor,
	}))
	t.Cleanup(ts.Close)

	if _, err := reg.Register(ctx, "worker-1", core.ResourceInfo{}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := live.Publish(ctx, "worker-1"); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	resp, body := post(t, ts.URL+"/api/v1/nodes/reconcile", "application/json", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reconcile status = %d: %v", resp.StatusCode, body)
	}
	if body["went_online"] != float64(1) {
		t.Errorf("went_online = %v, want 1", body["went_online"])
	}
	n, err := reg.GetByHostname(ctx, "worker-1")
	if err != nil {
		t.Fatalf("GetByHostname() error = %v", err)
	}
	if n.Status != core.NodeOnline {
		t.Errorf("Status = %q, want %q", n.Status, core.NodeOnline)
	}
}

func TestRouter_RejectsUnsupportedContentType(t *testing.T) {
	ts, _, _, _ := newTestServer(t)
	resp, body := post(t, ts.URL+"/api/v1/nodes/heartbeat", "text/plain", strings.NewReader("hostname=x"))
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
	if errBody, ok := body["error"].(map[string]any); !ok || errBody["request_id"] == "" {
		t.Errorf("error body = %v, want request id", body)
	}
}
