package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/crawlodeployer/fleet/internal/core"
	"github.com/crawlodeployer/fleet/internal/placement"
	"github.com/crawlodeployer/fleet/internal/registry"
	"github.com/crawlodeployer/fleet/internal/store"
)

type mockQueue struct {
	mu        sync.Mutex
	items     []*core.WorkItem
	enqueueFn func(item *core.WorkItem) error
}

func (q *mockQueue) Enqueue(_ context.Context, item *core.WorkItem) error {
	if q.enqueueFn != nil {
		if err := q.enqueueFn(item); err != nil {
			return err
		}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, item)
	return nil
}

func (q *mockQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

type mockCancel struct {
	mu        sync.Mutex
	requested map[string]string
	cleared   []string
	requestFn func(corr string) error
}

func newMockCancel() *mockCancel {
	return &mockCancel{requested: make(map[string]string)}
}

func (c *mockCancel) RequestCancel(_ context.Context, corr, reason string) error {
	if c.requestFn != nil {
		if err := c.requestFn(corr); err != nil {
			return err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requested[corr] = reason
	return nil
}

func (c *mockCancel) ClearCancel(_ context.Context, corr string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleared = append(c.cleared, corr)
	return nil
}

type fixture struct {
	ctx    context.Context
	store  *store.Memory
	reg    *registry.Registry
	queue  *mockQueue
	cancel *mockCancel
	d      *Dispatcher
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	st := store.NewMemory()
	reg := registry.New(st)
	f := &fixture{
		ctx:    context.Background(),
		store:  st,
		reg:    reg,
		queue:  &mockQueue{},
		cancel: newMockCancel(),
	}
	f.d = New(st, placement.NewResolver(reg), f.queue, f.cancel, opts...)
	return f
}

func (f *fixture) online(t *testing.T, hosts ...string) {
	t.Helper()
	for _, h := range hosts {
		if _, err := f.reg.MarkOnline(f.ctx, h); err != nil {
			t.Fatalf("MarkOnline(%q) error = %v", h, err)
		}
	}
}

func (f *fixture) job(t *testing.T, job *core.Job) *core.Job {
	t.Helper()
	if job.Project == "" {
		job.Project = "spider"
	}
	if err := f.store.SaveJob(f.ctx, job); err != nil {
		t.Fatalf("SaveJob() error = %v", err)
	}
	return job
}

func TestDispatch_FirstEligibleNode(t *testing.T) {
	f := newFixture(t)
	f.online(t, "node-b", "node-a")
	job := f.job(t, &core.Job{Enabled: true, Mode: core.DistributionAny, TimeoutSeconds: 120,
		Args: map[string]any{"pages": 3}})

	runs, err := f.d.Dispatch(f.ctx, job.ID, core.TriggerScheduled)
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("len(runs) = %d, want 1", len(runs))
	}
	run := runs[0]
	if run.Status != core.RunPending {
		t.Errorf("Status = %q, want %q", run.Status, core.RunPending)
	}
	if run.NodeHostname != "node-a" {
		t.Errorf("NodeHostname = %q, want %q", run.NodeHostname, "node-a")
	}
	if run.CorrelationID == "" {
		t.Error("expected a correlation id")
	}

	if f.queue.count() != 1 {
		t.Fatalf("enqueued = %d, want 1", f.queue.count())
	}
	item := f.queue.items[0]
	if item.CorrelationID != run.CorrelationID {
		t.Errorf("item.CorrelationID = %q, want %q", item.CorrelationID, run.CorrelationID)
	}
	if item.NodeHint != "node-a" {
		t.Errorf("item.NodeHint = %q, want %q", item.NodeHint, "node-a")
	}
	if item.Entrypoint != core.DefaultEntrypoint {
		t.Errorf("item.Entrypoint = %q, want %q", item.Entrypoint, core.DefaultEntrypoint)
	}
	if item.TimeoutSeconds != 120 {
		t.Errorf("item.TimeoutSeconds = %d, want 120", item.TimeoutSeconds)
	}
	if item.Env["RUN_MODE"] != "scheduled" {
		t.Errorf("RUN_MODE = %q, want %q", item.Env["RUN_MODE"], "scheduled")
	}

	stored, err := f.store.GetRunByCorrelation(f.ctx, run.CorrelationID)
	if err != nil {
		t.Fatalf("GetRunByCorrelation() error = %v", err)
	}
	if stored.Status != core.RunPending {
		t.Errorf("stored Status = %q, want %q", stored.Status, core.RunPending)
	}
}

func TestDispatch_FanOutAll(t *testing.T) {
	f := newFixture(t, WithFanOut(FanOutAll))
	f.online(t, "a", "b", "c")
	job := f.job(t, &core.Job{Enabled: true, Mode: core.DistributionAny})

	runs, err := f.d.Dispatch(f.ctx, job.ID, core.TriggerManual)
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("len(runs) = %d, want 3", len(runs))
	}
	seen := map[string]bool{}
	for _, r := range runs {
		if seen[r.CorrelationID] {
			t.Errorf("duplicate correlation id %q", r.CorrelationID)
		}
		seen[r.CorrelationID] = true
	}
	if f.queue.count() != 3 {
		t.Errorf("enqueued = %d, want 3", f.queue.count())
	}
}

func TestDispatch_NoEligibleNode(t *testing.T) {
	var outcomes []string
	f := newFixture(t, WithDispatchObserver(func(o string) { outcomes = append(outcomes, o) }))
	f.online(t, "a")
	_, _ = f.reg.MarkOffline(f.ctx, "a")
	job := f.job(t, &core.Job{Enabled: true})

	runs, err := f.d.Dispatch(f.ctx, job.ID, core.TriggerScheduled)
	if !core.HasCode(err, core.ErrCodePlacement) {
		t.Fatalf("Dispatch() error = %v, want placement error", err)
	}
	if len(runs) != 0 {
		t.Errorf("len(runs) = %d, want 0", len(runs))
	}
	all, _ := f.store.ListRuns(f.ctx, store.RunFilter{})
	if len(all) != 0 {
		t.Errorf("stored runs = %d, want 0", len(all))
	}
	if len(outcomes) != 1 || outcomes[0] != OutcomeNoNode {
		t.Errorf("outcomes = %v, want [%s]", outcomes, OutcomeNoNode)
	}
}

func TestDispatch_DisabledScheduledJobSkipped(t *testing.T) {
	f := newFixture(t)
	f.online(t, "a")
	job := f.job(t, &core.Job{Enabled: false})

	runs, err := f.d.Dispatch(f.ctx, job.ID, core.TriggerScheduled)
	if err != nil || runs != nil {
		t.Fatalf("Dispatch() = %v, %v; want nil, nil", runs, err)
	}

	runs, err = f.d.RunNow(f.ctx, job.ID)
	if err != nil {
		t.Fatalf("RunNow() error = %v", err)
	}
	if len(runs) != 1 || runs[0].Trigger != core.TriggerManual {
		t.Errorf("RunNow() = %+v, want one manual run", runs)
	}
}

func TestDispatch_UnknownJob(t *testing.T) {
	f := newFixture(t)
	_, err := f.d.Dispatch(f.ctx, 42, core.TriggerManual)
	if !core.HasCode(err, core.ErrCodeNotFound) {
		t.Errorf("Dispatch() error = %v, want not_found", err)
	}
}

func TestDispatch_EnqueueFailureFinalizesRun(t *testing.T) {
	f := newFixture(t)
	f.queue.enqueueFn = func(*core.WorkItem) error { return errors.New("stream unavailable") }
	f.online(t, "a")
	job := f.job(t, &core.Job{Enabled: true})

	runs, err := f.d.Dispatch(f.ctx, job.ID, core.TriggerScheduled)
	if !core.HasCode(err, core.ErrCodeInfrastructure) {
		t.Fatalf("Dispatch() error = %v, want infrastructure error", err)
	}
	if len(runs) != 1 {
		t.Fatalf("len(runs) = %d, want 1", len(runs))
	}
	if runs[0].Status != core.RunFailure {
		t.Errorf("Status = %q, want %q", runs[0].Status, core.RunFailure)
	}
	if runs[0].EndTime == nil {
		t.Error("expected EndTime on failed dispatch")
	}
}

func TestApplyEvent_Lifecycle(t *testing.T) {
	var finished []*core.Run
	f := newFixture(t, WithRunObserver(func(r *core.Run) { finished = append(finished, r) }))
	f.online(t, "a")
	job := f.job(t, &core.Job{Enabled: true})
	runs, _ := f.d.Dispatch(f.ctx, job.ID, core.TriggerScheduled)
	corr := runs[0].CorrelationID

	start := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(90 * time.Second)
	code := 0

	if err := f.d.ApplyEvent(f.ctx, &core.RunEvent{CorrelationID: corr, Status: core.RunRunning,
		WorkerNode: "a", StartedAt: &start}); err != nil {
		t.Fatalf("ApplyEvent(RUNNING) error = %v", err)
	}
	got, _ := f.store.GetRunByCorrelation(f.ctx, corr)
	if got.Status != core.RunRunning {
		t.Errorf("Status = %q, want %q", got.Status, core.RunRunning)
	}

	if err := f.d.ApplyEvent(f.ctx, &core.RunEvent{CorrelationID: corr, Status: core.RunSuccess,
		ExitCode: &code, WorkerNode: "a", StartedAt: &start, EndedAt: &end, LogTail: "done"}); err != nil {
		t.Fatalf("ApplyEvent(SUCCESS) error = %v", err)
	}
	got, _ = f.store.GetRunByCorrelation(f.ctx, corr)
	if got.Status != core.RunSuccess {
		t.Errorf("Status = %q, want %q", got.Status, core.RunSuccess)
	}
	if got.Duration() != 90*time.Second {
		t.Errorf("Duration() = %v, want 90s", got.Duration())
	}
	if len(finished) != 1 {
		t.Errorf("finished = %d, want 1", len(finished))
	}
	if len(f.cancel.cleared) != 1 || f.cancel.cleared[0] != corr {
		t.Errorf("cleared = %v, want [%s]", f.cancel.cleared, corr)
	}

	// Duplicate and late events are no-ops.
	one := 1
	if err := f.d.ApplyEvent(f.ctx, &core.RunEvent{CorrelationID: corr, Status: core.RunFailure,
		ExitCode: &one}); err != nil {
		t.Fatalf("ApplyEvent(late FAILURE) error = %v", err)
	}
	if err := f.d.ApplyEvent(f.ctx, &core.RunEvent{CorrelationID: corr, Status: core.RunRunning}); err != nil {
		t.Fatalf("ApplyEvent(late RUNNING) error = %v", err)
	}
	got, _ = f.store.GetRunByCorrelation(f.ctx, corr)
	if got.Status != core.RunSuccess {
		t.Errorf("Status after late events = %q, want %q", got.Status, core.RunSuccess)
	}
	if len(finished) != 1 {
		t.Errorf("finished after late events = %d, want 1", len(finished))
	}
}

func TestApplyEvent_ConcurrentTerminalEvents(t *testing.T) {
	var (
		mu       sync.Mutex
		finished []*core.Run
	)
	f := newFixture(t, WithRunObserver(func(r *core.Run) {
		mu.Lock()
		defer mu.Unlock()
		finished = append(finished, r)
	}))
	f.online(t, "a")
	job := f.job(t, &core.Job{Enabled: true})
	runs, _ := f.d.Dispatch(f.ctx, job.ID, core.TriggerManual)
	corr := runs[0].CorrelationID
	if _, err := f.d.Stop(f.ctx, runs[0].ID); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	// Normal completions race the worker's stop report.
	const workers = 12
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		ev := &core.RunEvent{CorrelationID: corr, Status: core.RunSuccess, WorkerNode: "a"}
		code := 0
		ev.ExitCode = &code
		if i%2 == 1 {
			code := -15
			ev = &core.RunEvent{CorrelationID: corr, Status: core.RunFailure, WorkerNode: "a",
				ExitCode: &code, ManuallyStopped: true}
		}
		wg.Add(1)
		go func(ev *core.RunEvent) {
			defer wg.Done()
			<-start
			errs <- f.d.ApplyEvent(f.ctx, ev)
		}(ev)
	}
	close(start)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("ApplyEvent() error = %v", err)
		}
	}

	if len(finished) != 1 {
		t.Fatalf("run observer calls = %d, want 1", len(finished))
	}
	got, _ := f.store.GetRunByCorrelation(f.ctx, corr)
	if got.Status != finished[0].Status || got.ManuallyStopped != finished[0].ManuallyStopped {
		t.Errorf("stored run = %q stopped=%v, observer saw %q stopped=%v",
			got.Status, got.ManuallyStopped, finished[0].Status, finished[0].ManuallyStopped)
	}
	f.cancel.mu.Lock()
	cleared := len(f.cancel.cleared)
	f.cancel.mu.Unlock()
	if cleared != 1 {
		t.Errorf("cancel flag cleared %d times, want 1", cleared)
	}
}

func TestApplyEvent_UnknownRunIgnored(t *testing.T) {
	f := newFixture(t)
	if err := f.d.ApplyEvent(f.ctx, &core.RunEvent{CorrelationID: "nope", Status: core.RunSuccess}); err != nil {
		t.Errorf("ApplyEvent() error = %v, want nil", err)
	}
}

func TestApplyEvent_InvalidStatus(t *testing.T) {
	f := newFixture(t)
	err := f.d.ApplyEvent(f.ctx, &core.RunEvent{CorrelationID: "x", Status: core.RunPending})
	if !core.HasCode(err, core.ErrCodeValidation) {
		t.Errorf("ApplyEvent(PENDING) error = %v, want validation error", err)
	}
}

func TestApplyEvent_RetriesFailedRun(t *testing.T) {
	f := newFixture(t)
	f.online(t, "a")
	job := f.job(t, &core.Job{Enabled: true, MaxRetries: 1})
	runs, _ := f.d.Dispatch(f.ctx, job.ID, core.TriggerScheduled)

	one := 1
	_ = f.d.ApplyEvent(f.ctx, &core.RunEvent{CorrelationID: runs[0].CorrelationID, Status: core.RunFailure, ExitCode: &one})

	all, _ := f.store.ListRuns(f.ctx, store.RunFilter{JobID: job.ID})
	if len(all) != 2 {
		t.Fatalf("runs = %d, want 2", len(all))
	}
	retry := all[0]
	if retry.Trigger != core.TriggerScheduled || retry.Attempt != 1 {
		t.Errorf("retry = trigger %q attempt %d, want scheduled attempt 1", retry.Trigger, retry.Attempt)
	}
	if retry.NodeHostname != "a" {
		t.Errorf("retry node = %q, want %q", retry.NodeHostname, "a")
	}

	// The retry's own failure exhausts the budget.
	_ = f.d.ApplyEvent(f.ctx, &core.RunEvent{CorrelationID: retry.CorrelationID, Status: core.RunFailure, ExitCode: &one})
	all, _ = f.store.ListRuns(f.ctx, store.RunFilter{JobID: job.ID})
	if len(all) != 2 {
		t.Errorf("runs after exhausted retries = %d, want 2", len(all))
	}
}

// failQueued fails every queued item from index from onwards, including
// the retries those failures enqueue, and returns the new queue length.
func (f *fixture) failQueued(t *testing.T, from int) int {
	t.Helper()
	one := 1
	for i := from; i < f.queue.count(); i++ {
		f.queue.mu.Lock()
		item := f.queue.items[i]
		f.queue.mu.Unlock()
		err := f.d.ApplyEvent(f.ctx, &core.RunEvent{CorrelationID: item.CorrelationID,
			Status: core.RunFailure, ExitCode: &one, WorkerNode: item.NodeHint})
		if err != nil {
			t.Fatalf("ApplyEvent(FAILURE) error = %v", err)
		}
	}
	return f.queue.count()
}

func TestRetry_FanOutAllRetriesEachNodeOnce(t *testing.T) {
	f := newFixture(t, WithFanOut(FanOutAll))
	f.online(t, "a", "b", "c")
	job := f.job(t, &core.Job{Enabled: true, MaxRetries: 2})

	runs, err := f.d.Dispatch(f.ctx, job.ID, core.TriggerScheduled)
	if err != nil || len(runs) != 3 {
		t.Fatalf("Dispatch() = %d runs, %v; want 3 runs", len(runs), err)
	}
	f.failQueued(t, 0)

	all, _ := f.store.ListRuns(f.ctx, store.RunFilter{JobID: job.ID})
	if len(all) != 9 {
		t.Fatalf("runs = %d, want 9 (3 nodes x 3 attempts)", len(all))
	}
	perNode := map[string][]int{}
	for _, r := range all {
		perNode[r.NodeHostname] = append(perNode[r.NodeHostname], r.Attempt)
		if r.Trigger != core.TriggerScheduled {
			t.Errorf("run %d trigger = %q, want scheduled", r.ID, r.Trigger)
		}
	}
	for _, host := range []string{"a", "b", "c"} {
		if len(perNode[host]) != 3 {
			t.Errorf("node %s attempts = %v, want 3 runs", host, perNode[host])
		}
	}
}

func TestRetry_FanOutAllSkipsLostNode(t *testing.T) {
	f := newFixture(t, WithFanOut(FanOutAll))
	f.online(t, "a", "b")
	job := f.job(t, &core.Job{Enabled: true, MaxRetries: 1})
	if _, err := f.d.Dispatch(f.ctx, job.ID, core.TriggerScheduled); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if _, err := f.reg.MarkOffline(f.ctx, "a"); err != nil {
		t.Fatalf("MarkOffline() error = %v", err)
	}

	one := 1
	f.queue.mu.Lock()
	first := f.queue.items[0]
	f.queue.mu.Unlock()
	if first.NodeHint != "a" {
		t.Fatalf("first item node = %q, want a", first.NodeHint)
	}
	_ = f.d.ApplyEvent(f.ctx, &core.RunEvent{CorrelationID: first.CorrelationID, Status: core.RunFailure, ExitCode: &one})

	if got := f.queue.count(); got != 2 {
		t.Errorf("enqueued = %d, want 2 (no retry while a is offline)", got)
	}
}

func TestRetry_FanOutFirstMovesToEligibleNode(t *testing.T) {
	f := newFixture(t)
	f.online(t, "a", "b")
	job := f.job(t, &core.Job{Enabled: true, MaxRetries: 1})
	runs, _ := f.d.Dispatch(f.ctx, job.ID, core.TriggerScheduled)
	if runs[0].NodeHostname != "a" {
		t.Fatalf("first run node = %q, want a", runs[0].NodeHostname)
	}
	_, _ = f.reg.MarkOffline(f.ctx, "a")

	one := 1
	_ = f.d.ApplyEvent(f.ctx, &core.RunEvent{CorrelationID: runs[0].CorrelationID, Status: core.RunFailure, ExitCode: &one})

	all, _ := f.store.ListRuns(f.ctx, store.RunFilter{JobID: job.ID})
	if len(all) != 2 {
		t.Fatalf("runs = %d, want 2", len(all))
	}
	if all[0].NodeHostname != "b" {
		t.Errorf("retry node = %q, want b", all[0].NodeHostname)
	}
}

func TestRetry_KeepsTrigger(t *testing.T) {
	tests := []struct {
		name        string
		trigger     core.Trigger
		disable     bool
		wantRuns    int
		wantRunMode string
	}{
		{"manual retried as manual", core.TriggerManual, false, 3, "manual"},
		{"scheduled retried as scheduled", core.TriggerScheduled, false, 3, "scheduled"},
		{"manual of disabled job still retried", core.TriggerManual, true, 3, "manual"},
		{"scheduled chain stops once disabled", core.TriggerScheduled, true, 2, "scheduled"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.online(t, "a")
			job := f.job(t, &core.Job{Enabled: true, MaxRetries: 2})
			if _, err := f.d.Dispatch(f.ctx, job.ID, tt.trigger); err != nil {
				t.Fatalf("Dispatch() error = %v", err)
			}

			// First failure yields attempt 1; then the job may be disabled.
			n := f.failQueuedOnce(t, 0)
			if tt.disable {
				job.Enabled = false
				if err := f.store.SaveJob(f.ctx, job); err != nil {
					t.Fatalf("SaveJob() error = %v", err)
				}
			}
			f.failQueued(t, n-1)

			if got := f.queue.count(); got != tt.wantRuns {
				t.Errorf("enqueued = %d, want %d", got, tt.wantRuns)
			}
			f.queue.mu.Lock()
			defer f.queue.mu.Unlock()
			for _, item := range f.queue.items {
				if item.Env["RUN_MODE"] != tt.wantRunMode {
					t.Errorf("attempt %d RUN_MODE = %q, want %q", item.Attempt, item.Env["RUN_MODE"], tt.wantRunMode)
				}
			}
		})
	}
}

// failQueuedOnce fails only the item at index i and returns the new queue
// length.
func (f *fixture) failQueuedOnce(t *testing.T, i int) int {
	t.Helper()
	one := 1
	f.queue.mu.Lock()
	item := f.queue.items[i]
	f.queue.mu.Unlock()
	if err := f.d.ApplyEvent(f.ctx, &core.RunEvent{CorrelationID: item.CorrelationID,
		Status: core.RunFailure, ExitCode: &one}); err != nil {
		t.Fatalf("ApplyEvent(FAILURE) error = %v", err)
	}
	return f.queue.count()
}

func TestApplyEvent_ManualStopNotRetried(t *testing.T) {
	f := newFixture(t)
	f.online(t, "a")
	job := f.job(t, &core.Job{Enabled: true, MaxRetries: 3})
	runs, _ := f.d.Dispatch(f.ctx, job.ID, core.TriggerScheduled)

	_ = f.d.ApplyEvent(f.ctx, &core.RunEvent{CorrelationID: runs[0].CorrelationID, Status: core.RunFailure,
		ManuallyStopped: true})

	all, _ := f.store.ListRuns(f.ctx, store.RunFilter{JobID: job.ID})
	if len(all) != 1 {
		t.Errorf("runs = %d, want 1", len(all))
	}
	if !all[0].ManuallyStopped {
		t.Error("expected ManuallyStopped")
	}
}

func TestStop(t *testing.T) {
	f := newFixture(t)
	f.online(t, "a")
	job := f.job(t, &core.Job{Enabled: true})
	runs, _ := f.d.Dispatch(f.ctx, job.ID, core.TriggerManual)
	run := runs[0]

	if _, err := f.d.Stop(f.ctx, run.ID); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if _, ok := f.cancel.requested[run.CorrelationID]; !ok {
		t.Error("expected cancel request for run")
	}

	code := 0
	_ = f.d.ApplyEvent(f.ctx, &core.RunEvent{CorrelationID: run.CorrelationID, Status: core.RunSuccess, ExitCode: &code})
	if _, err := f.d.Stop(f.ctx, run.ID); !core.HasCode(err, core.ErrCodeConflict) {
		t.Errorf("Stop(finished) error = %v, want conflict", err)
	}
	if _, err := f.d.Stop(f.ctx, 999); !core.HasCode(err, core.ErrCodeNotFound) {
		t.Errorf("Stop(unknown) error = %v, want not_found", err)
	}
}

func TestFail(t *testing.T) {
	f := newFixture(t)
	f.online(t, "a")
	job := f.job(t, &core.Job{Enabled: true})
	runs, _ := f.d.Dispatch(f.ctx, job.ID, core.TriggerScheduled)

	if err := f.d.Fail(f.ctx, runs[0].CorrelationID, "worker node a went offline"); err != nil {
		t.Fatalf("Fail() error = %v", err)
	}
	got, _ := f.store.GetRun(f.ctx, runs[0].ID)
	if got.Status != core.RunFailure {
		t.Errorf("Status = %q, want %q", got.Status, core.RunFailure)
	}
	if got.Message != "worker node a went offline" {
		t.Errorf("Message = %q, want %q", got.Message, "worker node a went offline")
	}
	if err := f.d.Fail(f.ctx, runs[0].CorrelationID, "again"); err != nil {
		t.Errorf("Fail(finalized) error = %v, want nil", err)
	}
}

func TestParseFanOut(t *testing.T) {
	tests := map[string]FanOut{"": FanOutFirst, "first": FanOutFirst, "all": FanOutAll, "bogus": FanOutFirst}
	for in, want := range tests {
		if got := ParseFanOut(in); got != want {
			t.Errorf("ParseFanOut(%q) = %q, want %q", in, got, want)
		}
	}
}
