package worker

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/crawlodeployer/fleet/internal/core"
)

// Queue is the node's work subscription.
type Queue interface {
	Fetch(ctx context.Context, count int, maxWait time.Duration) ([]*core.WorkItem, error)
	Ack(correlationID string) error
	Term(correlationID string) error
}

// Liveness is the part of the liveness channel a node writes to.
type Liveness interface {
	Publish(ctx context.Context, hostname string) error
	Announce(ctx context.Context, hostname string) error
	Remove(ctx context.Context, hostname string) error
}

// AgentConfig configures an Agent.
type AgentConfig struct {
	Hostname          string
	MasterURL         string
	Info              core.ResourceInfo
	Concurrency       int
	HeartbeatInterval time.Duration
	FetchWait         time.Duration
}

// Agent is the node-side loop: it keeps the node alive in the registry and
// executes the work items addressed to it.
type Agent struct {
	cfg      AgentConfig
	live     Liveness
	queue    Queue
	executor *Executor
	reporter Reporter
	client   *http.Client
	logger   *slog.Logger

	wg sync.WaitGroup
}

// NewAgent creates an Agent. An empty MasterURL disables HTTP heartbeats.
func NewAgent(cfg AgentConfig, live Liveness, queue Queue, executor *Executor, reporter Reporter) *Agent {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if cfg.FetchWait <= 0 {
		cfg.FetchWait = 5 * time.Second
	}
	return &Agent{
		cfg:      cfg,
		live:     live,
		queue:    queue,
		executor: executor,
		reporter: reporter,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   slog.Default().With("component", "agent", "hostname", cfg.Hostname),
	}
}

// Run blocks until ctx is done, then waits for in-flight runs and reports
// the node offline.
func (a *Agent) Run(ctx context.Context) error {
	if a.cfg.Hostname == "" {
		return core.NewValidationError("hostname is required", nil)
	}
	a.beat(ctx)
	if err := a.live.Announce(ctx, a.cfg.Hostname); err != nil {
		a.logger.Warn("announcing node", "error", err)
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.heartbeatLoop(ctx)
	}()

	a.logger.Info("agent started", "concurrency", a.cfg.Concurrency)
	a.consume(ctx)

	a.wg.Wait()
	a.shutdown()
	return nil
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.beat(ctx)
		}
	}
}

// beat refreshes the liveness entry and pushes a heartbeat to the master.
func (a *Agent) beat(ctx context.Context) {
	if err := a.live.Publish(ctx, a.cfg.Hostname); err != nil && ctx.Err() == nil {
		a.logger.Warn("publishing liveness", "error", err)
	}
	if a.cfg.MasterURL == "" {
		return
	}
	if err := a.post(ctx, "/api/v1/nodes/heartbeat", a.heartbeatForm()); err != nil && ctx.Err() == nil {
		a.logger.Warn("heartbeat to master failed", "error", err)
	}
}

func (a *Agent) consume(ctx context.Context) {
	slots := make(chan struct{}, a.cfg.Concurrency)
	for {
		select {
		case <-ctx.Done():
			return
		case slots <- struct{}{}:
		}

		items, err := a.queue.Fetch(ctx, 1, a.cfg.FetchWait)
		if err != nil {
			<-slots
			if ctx.Err() != nil {
				return
			}
			a.logger.Warn("fetching work", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if len(items) == 0 {
			<-slots
			continue
		}
		for _, item := range items {
			a.start(ctx, item, slots)
		}
	}
}

// start acknowledges item and runs it on its own goroutine, releasing the
// slot when done.
func (a *Agent) start(ctx context.Context, item *core.WorkItem, slots <-chan struct{}) {
	log := a.logger.With("correlation_id", item.CorrelationID)
	if item.NodeHint != "" && item.NodeHint != a.cfg.Hostname {
		log.Warn("work item addressed to another node", "node_hint", item.NodeHint)
		_ = a.queue.Term(item.CorrelationID)
		<-slots
		return
	}
	if err := a.queue.Ack(item.CorrelationID); err != nil {
		log.Warn("acknowledging work item", "error", err)
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer func() { <-slots }()
		a.executor.Execute(ctx, item, a.reporter)
	}()
}

func (a *Agent) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// The liveness entry goes first: a monitor pass that sees it after the
	// offline call would mark the node ONLINE again.
	if err := a.live.Remove(ctx, a.cfg.Hostname); err != nil {
		a.logger.Warn("removing liveness entry", "error", err)
	}
	if a.cfg.MasterURL != "" {
		form := url.Values{"hostname": {a.cfg.Hostname}}
		if err := a.post(ctx, "/api/v1/nodes/offline", form); err != nil {
			a.logger.Warn("offline notification failed", "error", err)
		}
	}
	a.logger.Info("agent stopped")
}

func (a *Agent) heartbeatForm() url.Values {
	info := a.cfg.Info
	form := url.Values{
		"hostname":  {a.cfg.Hostname},
		"cpu_cores": {strconv.Itoa(info.Capacity.CPUCores)},
		"memory_gb": {strconv.FormatFloat(info.Capacity.MemoryGB, 'f', -1, 64)},
		"disk_gb":   {strconv.FormatFloat(info.Capacity.DiskGB, 'f', -1, 64)},
	}
	set := func(k, v string) {
		if v != "" {
			form.Set(k, v)
		}
	}
	set("ip", info.IP)
	set("os", string(info.OS))
	set("version", info.Version)
	set("tags", strings.Join(info.Tags, ","))
	set("physical_host_id", info.PhysicalHostID)
	set("container_id", info.ContainerID)
	if info.IsPhysicalHost {
		form.Set("is_physical_host", "true")
	}
	if info.MaxConcurrency > 0 {
		form.Set("max_concurrency", strconv.Itoa(info.MaxConcurrency))
	}
	return form
}

func (a *Agent) post(ctx context.Context, path string, form url.Values) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(a.cfg.MasterURL, "/")+path, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s: unexpected status %d", path, resp.StatusCode)
	}
	return nil
}
