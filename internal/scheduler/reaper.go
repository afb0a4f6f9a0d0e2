package scheduler

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

// RunSource lists active runs and their jobs.
type RunSource interface {
	GetJob(ctx context.Context, id int64) (*core.Job, error)
	ListRuns(ctx context.Context, filter store.RunFilter) ([]*core.Run, error)
}

// NodeLookup finds the node a run was sent to.
type NodeLookup interface {
	GetByHostname(ctx context.Context, hostname string) (*core.Node, error)
}

// RunFailer finalizes an abandoned run as FAILURE.
type RunFailer interface {
	Fail(ctx context.Context, correlationID, reason string) error
}

// Reaper finalizes PENDING or RUNNING runs that can no longer finish: their
// node has been OFFLINE for longer than the node timeout, or the job's own
// timeout plus a grace period has elapsed without a terminal event.
type Reaper struct {
	runs        RunSource
	nodes       NodeLookup
	failer      RunFailer
	interval    time.Duration
	nodeTimeout time.Duration
	grace       time.Duration
	now         func() time.Time
	logger      *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewReaper creates a Reaper that runs every interval.
func NewReaper(runs RunSource, nodes NodeLookup, failer RunFailer, interval, nodeTimeout, grace time.Duration) *Reaper {
	return &Reaper{
		runs:        runs,
		nodes:       nodes,
		failer:      failer,
		interval:    interval,
		nodeTimeout: nodeTimeout,
		grace:       grace,
		now:         time.Now,
		logger:      slog.Default().With("component", "reaper"),
		stop:        make(chan struct{}),
	}
}

// ReapOnce scans active runs once and returns how many it finalized.
func (r *Reaper) ReapOnce(ctx context.Context) (int, error) {
	active, err := r.runs.ListRuns(ctx, store.RunFilter{
		Statuses: []core.RunStatus{core.RunPending, core.RunRunning},
	})
	if err != nil {
		return 0, fmt.Errorf("listing active runs: %w", err)
	}

	now := r.now()
	reaped := 0
	for _, run := range active {
		reason := r.reason(ctx, run, now)
		if reason == "" {
			continue
		}
		err := r.failer.Fail(ctx, run.CorrelationID, reason)
		if errors.Is(err, store.ErrRunFinalized) || core.HasCode(err, core.ErrCodeConflict) {
			continue
		}
		if err != nil {
			r.logger.Error("reaping run", "run_id", run.ID, "error", err)
			continue
		}
		r.logger.Warn("reaped abandoned run", "run_id", run.ID, "job_id", run.JobID,
			"worker_node", run.NodeHostname, "reason", reason)
		reaped++
	}
	return reaped, nil
}

func (r *Reaper) reason(ctx context.Context, run *core.Run, now time.Time) string {
	if run.NodeHostname != "" {
		node, err := r.nodes.GetByHostname(ctx, run.NodeHostname)
		if err == nil && node.Status == core.NodeOffline && now.Sub(node.LastHeartbeat) > r.nodeTimeout {
			return fmt.Sprintf("worker node %s went offline", run.NodeHostname)
		}
	}

	timeout := time.Duration(core.DefaultTimeoutSeconds) * time.Second
	if job, err := r.runs.GetJob(ctx, run.JobID); err == nil {
		timeout = job.Timeout()
	}
	started := run.CreatedAt
	if run.StartTime != nil {
		started = *run.StartTime
	}
	if now.Sub(started) > timeout+r.grace {
		return fmt.Sprintf("no result within %s of %s", timeout+r.grace, started.Format(time.RFC3339))
	}
	return ""
}

// Start runs ReapOnce every interval in the background.
func (r *Reaper) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), r.interval)
				if _, err := r.ReapOnce(ctx); err != nil {
					r.logger.Error("reaper pass failed", "error", err)
				}
				cancel()
			}
		}
	}()
}

// Stop halts the background loop. Safe to call more than once.
func (r *Reaper) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	r.wg.Wait()
}
