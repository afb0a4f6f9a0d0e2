// Package dispatch turns a job trigger into PENDING runs on chosen nodes,
// enqueues their work items, and applies the run events workers report.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/crawlodeployer/fleet/internal/core"
	"github.com/crawlodeployer/fleet/internal/store"
)

// FanOut selects how many eligible nodes receive a run.
type FanOut string

const (
	// FanOutFirst sends one run to the first eligible node by hostname.
	FanOutFirst FanOut = "first"
	// FanOutAll sends one run to every eligible node.
	FanOutAll FanOut = "all"
)

// ParseFanOut maps a config value onto a FanOut, defaulting to first.
func ParseFanOut(s string) FanOut {
	if FanOut(s) == FanOutAll {
		return FanOutAll
	}
	return FanOutFirst
}

// Placer picks the eligible nodes for a job at dispatch time.
type Placer interface {
	Resolve(ctx context.Context, job *core.Job) ([]*core.Node, error)
}

// Queue delivers work items to nodes.
type Queue interface {
	Enqueue(ctx context.Context, item *core.WorkItem) error
}

// CancelFlags stores per-run stop requests.
type CancelFlags interface {
	RequestCancel(ctx context.Context, correlationID, reason string) error
	ClearCancel(ctx context.Context, correlationID string) error
}

// Dispatch outcomes reported to the observer.
const (
	OutcomeEnqueued      = "enqueued"
	OutcomeEnqueueFailed = "enqueue_failed"
	OutcomeNoNode        = "no_eligible_node"
	OutcomeSkipped       = "skipped"
)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithFanOut sets the fan-out policy.
func WithFanOut(f FanOut) Option {
	return func(d *Dispatcher) { d.fanOut = f }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithDispatchObserver is told the outcome of every dispatch attempt.
func WithDispatchObserver(fn func(outcome string)) Option {
	return func(d *Dispatcher) { d.onDispatch = fn }
}

// WithRunObserver is told about every run that reaches a terminal state.
func WithRunObserver(fn func(run *core.Run)) Option {
	return func(d *Dispatcher) { d.onFinish = fn }
}

// Dispatcher is the execution dispatcher.
type Dispatcher struct {
	store  store.Store
	placer Placer
	queue  Queue
	cancel CancelFlags

	fanOut     FanOut
	now        func() time.Time
	onDispatch func(string)
	onFinish   func(*core.Run)
	logger     *slog.Logger
}

// New creates a Dispatcher.
func New(st store.Store, placer Placer, queue Queue, cancel CancelFlags, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:  st,
		placer: placer,
		queue:  queue,
		cancel: cancel,
		fanOut: FanOutFirst,
		now:    time.Now,
		logger: slog.Default().With("component", "dispatcher"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch starts runs of jobID. A disabled job fired by its schedule is
// skipped. When no node is eligible no run is created and a placement error
// is returned; an enqueue failure finalizes that run as FAILURE.
func (d *Dispatcher) Dispatch(ctx context.Context, jobID int64, trigger core.Trigger) ([]*core.Run, error) {
	job, err := d.loadJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if trigger == core.TriggerScheduled && !job.Enabled {
		d.logger.Info("job disabled, skipping scheduled run", "job_id", jobID)
		d.observe(OutcomeSkipped)
		return nil, nil
	}
	return d.dispatchJob(ctx, job, trigger, 0)
}

// RunNow dispatches jobID immediately as a manual run.
func (d *Dispatcher) RunNow(ctx context.Context, jobID int64) ([]*core.Run, error) {
	return d.Dispatch(ctx, jobID, core.TriggerManual)
}

func (d *Dispatcher) loadJob(ctx context.Context, jobID int64) (*core.Job, error) {
	job, err := d.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, core.NewNotFoundError("Job", jobID)
	}
	if err != nil {
		return nil, core.NewInfrastructureError("loading job", err)
	}
	return job, nil
}

func (d *Dispatcher) dispatchJob(ctx context.Context, job *core.Job, trigger core.Trigger, attempt int) ([]*core.Run, error) {
	nodes, err := d.placer.Resolve(ctx, job)
	if err != nil {
		return nil, core.NewInfrastructureError("resolving nodes", err)
	}
	if len(nodes) == 0 {
		d.logger.Warn("no eligible node for job", "job_id", job.ID, "distribution_mode", job.Mode,
			"trigger", trigger)
		d.observe(OutcomeNoNode)
		return nil, core.NewPlacementError(job.ID, job.Mode)
	}
	if d.fanOut == FanOutFirst {
		nodes = nodes[:1]
	}

	var (
		runs     []*core.Run
		firstErr error
	)
	for _, node := range nodes {
		run, err := d.dispatchTo(ctx, job, node, trigger, attempt)
		if run != nil {
			runs = append(runs, run)
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return runs, firstErr
}

func (d *Dispatcher) dispatchTo(ctx context.Context, job *core.Job, node *core.Node, trigger core.Trigger, attempt int) (*core.Run, error) {
	run := &core.Run{
		JobID:         job.ID,
		CorrelationID: core.NewCorrelationID(),
		Status:        core.RunPending,
		Trigger:       trigger,
		Attempt:       attempt,
		NodeHostname:  node.Hostname,
		CreatedAt:     d.now().UTC(),
	}
	if err := d.store.CreateRun(ctx, run); err != nil {
		return nil, core.NewInfrastructureError("creating run", err)
	}

	item := &core.WorkItem{
		CorrelationID:  run.CorrelationID,
		RunID:          run.ID,
		JobID:          job.ID,
		Project:        job.Project,
		Entrypoint:     job.EffectiveEntrypoint(),
		Args:           job.Args,
		Env:            map[string]string{"RUN_MODE": string(trigger)},
		NodeHint:       node.Hostname,
		TimeoutSeconds: int(job.Timeout() / time.Second),
		Priority:       job.Priority,
		Attempt:        attempt,
	}
	if err := d.queue.Enqueue(ctx, item); err != nil {
		d.logger.Error("enqueue failed", "job_id", job.ID, "run_id", run.ID, "node", node.Hostname, "error", err)
		d.observe(OutcomeEnqueueFailed)
		msg := fmt.Sprintf("dispatch failed: %v", err)
		if ferr := d.store.FinalizeRun(ctx, run.CorrelationID, core.Outcome{
			Status:  core.RunFailure,
			EndTime: d.now().UTC(),
			Message: msg,
			LogTail: msg,
		}); ferr != nil {
			d.logger.Error("finalizing undelivered run", "run_id", run.ID, "error", ferr)
		} else {
			d.reload(ctx, run)
		}
		return run, core.NewInfrastructureError("enqueueing work", err)
	}

	d.observe(OutcomeEnqueued)
	d.logger.Info("run dispatched", "job_id", job.ID, "run_id", run.ID, "node", node.Hostname,
		"trigger", trigger, "attempt", attempt, "correlation_id", run.CorrelationID)
	return run, nil
}

// Stop requests cancellation of a PENDING or RUNNING run. The worker polls
// the flag and terminates the process; the run is finalized by the
// resulting event.
func (d *Dispatcher) Stop(ctx context.Context, runID int64) (*core.Run, error) {
	run, err := d.store.GetRun(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, core.NewNotFoundError("Run", runID)
	}
	if err != nil {
		return nil, core.NewInfrastructureError("loading run", err)
	}
	if run.Status.IsTerminal() {
		return run, core.NewConflictError(fmt.Sprintf("run %d is already %s", runID, run.Status),
			map[string]any{"run_id": runID, "status": run.Status})
	}
	if err := d.cancel.RequestCancel(ctx, run.CorrelationID, "stopped by user"); err != nil {
		return nil, core.NewInfrastructureError("requesting cancellation", err)
	}
	d.logger.Info("run stop requested", "run_id", runID, "correlation_id", run.CorrelationID)
	return run, nil
}

// ApplyEvent applies a worker's run event. Transitions are conditional, so
// duplicate and late events are dropped without error. Returning an error
// means the event could not be applied and should be redelivered.
func (d *Dispatcher) ApplyEvent(ctx context.Context, ev *core.RunEvent) error {
	switch ev.Status {
	case core.RunRunning:
		started := d.now().UTC()
		if ev.StartedAt != nil {
			started = *ev.StartedAt
		}
		err := d.store.MarkRunRunning(ctx, ev.CorrelationID, ev.WorkerNode, started)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, store.ErrRunFinalized):
			d.logger.Debug("ignoring RUNNING event", "correlation_id", ev.CorrelationID,
				"error", core.NewConflictError(err.Error(), nil))
			return nil
		case errors.Is(err, store.ErrNotFound):
			d.logger.Warn("event for unknown run", "correlation_id", ev.CorrelationID)
			return nil
		default:
			return err
		}
	case core.RunSuccess, core.RunFailure:
		return d.finalize(ctx, ev.CorrelationID, ev.Outcome(d.now().UTC()))
	default:
		return core.NewValidationError(fmt.Sprintf("unexpected event status %q", ev.Status), nil)
	}
}

// Fail finalizes a run as FAILURE with reason, as the reaper does for runs
// whose worker is gone.
func (d *Dispatcher) Fail(ctx context.Context, correlationID, reason string) error {
	err := d.finalize(ctx, correlationID, core.Outcome{
		Status:  core.RunFailure,
		EndTime: d.now().UTC(),
		Message: reason,
		LogTail: reason,
	})
	return err
}

func (d *Dispatcher) finalize(ctx context.Context, correlationID string, outcome core.Outcome) error {
	err := d.store.FinalizeRun(ctx, correlationID, outcome)
	switch {
	case errors.Is(err, store.ErrRunFinalized):
		d.logger.Debug("ignoring late terminal event", "correlation_id", correlationID,
			"error", core.NewConflictError(err.Error(), nil))
		return nil
	case errors.Is(err, store.ErrNotFound):
		d.logger.Warn("event for unknown run", "correlation_id", correlationID)
		return nil
	case err != nil:
		return err
	}

	if err := d.cancel.ClearCancel(ctx, correlationID); err != nil {
		d.logger.Debug("clearing cancel flag", "correlation_id", correlationID, "error", err)
	}

	run, err := d.store.GetRunByCorrelation(ctx, correlationID)
	if err != nil {
		d.logger.Error("reloading finalized run", "correlation_id", correlationID, "error", err)
		return nil
	}
	d.logger.Info("run finished", "run_id", run.ID, "job_id", run.JobID, "status", run.Status,
		"exit_code", run.ExitCode, "manually_stopped", run.ManuallyStopped, "worker_node", run.NodeHostname)
	if d.onFinish != nil {
		d.onFinish(run)
	}
	if run.Status == core.RunFailure && !run.ManuallyStopped {
		d.maybeRetry(ctx, run)
	}
	return nil
}

// maybeRetry dispatches one more attempt of a failed run while the job's
// retry budget lasts. A retry replaces that run only; it keeps the run's
// trigger, so RUN_MODE and the disabled-job guard still see how the chain
// started.
func (d *Dispatcher) maybeRetry(ctx context.Context, run *core.Run) {
	job, err := d.store.GetJob(ctx, run.JobID)
	if err != nil {
		return
	}
	if run.Attempt >= job.MaxRetries {
		return
	}
	if !job.Enabled && run.Trigger != core.TriggerManual {
		d.logger.Info("job disabled, not retrying", "job_id", job.ID, "run_id", run.ID)
		return
	}
	nodes, err := d.placer.Resolve(ctx, job)
	if err != nil {
		d.logger.Warn("resolving retry node", "job_id", job.ID, "error", err)
		return
	}
	node := retryTarget(nodes, run.NodeHostname, d.fanOut)
	if node == nil {
		d.logger.Warn("no eligible node for retry", "job_id", job.ID, "run_id", run.ID,
			"failed_node", run.NodeHostname)
		d.observe(OutcomeNoNode)
		return
	}
	retry, err := d.dispatchTo(ctx, job, node, run.Trigger, run.Attempt+1)
	if err != nil {
		d.logger.Warn("retry dispatch failed", "job_id", job.ID, "attempt", run.Attempt+1, "error", err)
		return
	}
	d.logger.Info("run retried", "job_id", job.ID, "run_id", retry.ID, "retry_of", run.ID,
		"attempt", retry.Attempt, "node", node.Hostname)
}

// retryTarget picks the node for a retry: the failed run's own node while it
// is still eligible. Under fan-out first another eligible node may take
// over. Under fan-out all every other node already has a run of its own.
func retryTarget(nodes []*core.Node, hostname string, fanOut FanOut) *core.Node {
	for _, n := range nodes {
		if n.Hostname == hostname {
			return n
		}
	}
	if fanOut == FanOutFirst && len(nodes) > 0 {
		return nodes[0]
	}
	return nil
}

func (d *Dispatcher) reload(ctx context.Context, run *core.Run) {
	if fresh, err := d.store.GetRunByCorrelation(ctx, run.CorrelationID); err == nil {
		*run = *fresh
	}
}

func (d *Dispatcher) observe(outcome string) {
	if d.onDispatch != nil {
		d.onDispatch(outcome)
	}
}
