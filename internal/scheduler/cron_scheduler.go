// Package scheduler owns the cron triggers of enabled jobs and the reaper
// that finalizes runs abandoned by their worker.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/crawlodeployer/fleet/internal/core"
	"github.com/crawlodeployer/fleet/internal/store"
)

// Dispatcher starts runs of a job.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID int64, trigger core.Trigger) ([]*core.Run, error)
}

// JobSource is the persistence the scheduler reconciles against.
type JobSource interface {
	GetJob(ctx context.Context, id int64) (*core.Job, error)
	ListEnabledCronJobs(ctx context.Context) ([]*core.Job, error)
}

// Five-field cron only (minute hour dom month dow). Every trigger is
// evaluated in the scheduler's location.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseExpression validates a cron expression.
func ParseExpression(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, core.NewValidationError("cron expression is empty", nil)
	}
	if strings.HasPrefix(expr, "TZ=") || strings.HasPrefix(expr, "CRON_TZ=") {
		return nil, core.NewValidationError(fmt.Sprintf("invalid cron expression %q: timezone prefixes are not supported", expr),
			map[string]any{"cron_expression": expr})
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, core.NewValidationError(fmt.Sprintf("invalid cron expression %q: %v", expr, err),
			map[string]any{"cron_expression": expr})
	}
	return sched, nil
}

type entry struct {
	id       cron.EntryID
	expr     string
	schedule cron.Schedule
}

// EntryStatus describes one active trigger.
type EntryStatus struct {
	JobID      int64     `json:"job_id"`
	Expression string    `json:"cron_expression"`
	Next       time.Time `json:"next_run_at"`
}

// SyncResult summarises a SyncFromStore pass.
type SyncResult struct {
	Added     int `json:"added"`
	Updated   int `json:"updated"`
	Removed   int `json:"removed"`
	Unchanged int `json:"unchanged"`
	Invalid   int `json:"invalid"`
}

// Option configures a CronScheduler.
type Option func(*CronScheduler)

// WithLocation sets the timezone cron expressions are evaluated in.
func WithLocation(loc *time.Location) Option {
	return func(s *CronScheduler) { s.loc = loc }
}

// WithSyncInterval enables a periodic SyncFromStore. Zero disables it.
func WithSyncInterval(d time.Duration) Option {
	return func(s *CronScheduler) { s.syncInterval = d }
}

// WithDispatchTimeout bounds each fired dispatch.
func WithDispatchTimeout(d time.Duration) Option {
	return func(s *CronScheduler) { s.dispatchTimeout = d }
}

// WithTriggerObserver is told the trigger count after every change.
func WithTriggerObserver(fn func(count int)) Option {
	return func(s *CronScheduler) { s.observeCount = fn }
}

// CronScheduler holds exactly one trigger per enabled job with a cron
// expression. The trigger table is a cache of the job store and can always
// be rebuilt with SyncFromStore.
type CronScheduler struct {
	jobs       JobSource
	dispatcher Dispatcher

	loc             *time.Location
	syncInterval    time.Duration
	dispatchTimeout time.Duration
	observeCount    func(int)
	logger          *slog.Logger

	cron    *cron.Cron
	mu      sync.Mutex
	entries map[int64]entry

	// reconcileMu serializes SyncFromStore and Reschedule, so a sync cannot
	// apply a job list read before a concurrent Reschedule.
	reconcileMu sync.Mutex

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	fires    sync.WaitGroup
}

// New creates a CronScheduler. Triggers do not fire until Start.
func New(jobs JobSource, dispatcher Dispatcher, opts ...Option) *CronScheduler {
	s := &CronScheduler{
		jobs:            jobs,
		dispatcher:      dispatcher,
		loc:             time.Local,
		dispatchTimeout: 30 * time.Second,
		logger:          slog.Default().With("component", "scheduler"),
		entries:         make(map[int64]entry),
		stop:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cron = cron.New(
		cron.WithParser(parser),
		cron.WithLocation(s.loc),
		cron.WithLogger(cronLogger{l: s.logger}),
		cron.WithChain(cron.Recover(cronLogger{l: s.logger})),
	)
	return s
}

// AddJob installs the trigger of job, replacing any trigger it already
// had. A malformed expression is rejected before anything changes.
func (s *CronScheduler) AddJob(job *core.Job) error {
	sched, err := ParseExpression(job.CronExpression)
	if err != nil {
		return err
	}
	jobID := job.ID

	s.mu.Lock()
	if old, ok := s.entries[jobID]; ok {
		s.cron.Remove(old.id)
	}
	id := s.cron.Schedule(sched, cron.FuncJob(func() { s.fire(jobID) }))
	s.entries[jobID] = entry{id: id, expr: strings.TrimSpace(job.CronExpression), schedule: sched}
	count := len(s.entries)
	s.mu.Unlock()

	s.logger.Info("job scheduled", "job_id", jobID, "cron", job.CronExpression)
	s.notifyCount(count)
	return nil
}

// RemoveJob drops the trigger of jobID. Unknown ids are ignored.
func (s *CronScheduler) RemoveJob(jobID int64) {
	s.mu.Lock()
	old, ok := s.entries[jobID]
	if ok {
		s.cron.Remove(old.id)
		delete(s.entries, jobID)
	}
	count := len(s.entries)
	s.mu.Unlock()

	if ok {
		s.logger.Info("job unscheduled", "job_id", jobID)
		s.notifyCount(count)
	}
}

// HasJob reports whether jobID has an active trigger.
func (s *CronScheduler) HasJob(jobID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[jobID]
	return ok
}

// JobCount returns the number of active triggers.
func (s *CronScheduler) JobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Next returns the next fire time of jobID in the scheduler's location.
func (s *CronScheduler) Next(jobID int64) (time.Time, bool) {
	s.mu.Lock()
	e, ok := s.entries[jobID]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return e.schedule.Next(time.Now().In(s.loc)), true
}

// Entries lists the active triggers ordered by job id.
func (s *CronScheduler) Entries() []EntryStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().In(s.loc)
	out := make([]EntryStatus, 0, len(s.entries))
	for id, e := range s.entries {
		out = append(out, EntryStatus{JobID: id, Expression: e.expr, Next: e.schedule.Next(now)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	return out
}

// SyncFromStore makes the trigger table match the store's enabled cron
// jobs: missing triggers are added, changed expressions replaced, and
// triggers of disabled or deleted jobs removed. Running it twice in a row
// changes nothing the second time.
func (s *CronScheduler) SyncFromStore(ctx context.Context) (SyncResult, error) {
	s.reconcileMu.Lock()
	defer s.reconcileMu.Unlock()

	var res SyncResult
	jobs, err := s.jobs.ListEnabledCronJobs(ctx)
	if err != nil {
		return res, fmt.Errorf("listing enabled cron jobs: %w", err)
	}

	desired := make(map[int64]struct{}, len(jobs))
	for _, job := range jobs {
		desired[job.ID] = struct{}{}

		s.mu.Lock()
		cur, exists := s.entries[job.ID]
		s.mu.Unlock()
		if exists && cur.expr == strings.TrimSpace(job.CronExpression) {
			res.Unchanged++
			continue
		}
		if err := s.AddJob(job); err != nil {
			s.logger.Warn("skipping job with invalid cron expression", "job_id", job.ID,
				"cron", job.CronExpression, "error", err)
			if exists {
				s.RemoveJob(job.ID)
				res.Removed++
			}
			res.Invalid++
			continue
		}
		if exists {
			res.Updated++
		} else {
			res.Added++
		}
	}

	s.mu.Lock()
	var stale []int64
	for id := range s.entries {
		if _, ok := desired[id]; !ok {
			stale = append(stale, id)
		}
	}
	s.mu.Unlock()
	for _, id := range stale {
		s.RemoveJob(id)
		res.Removed++
	}

	s.logger.Info("scheduler synced", "added", res.Added, "updated", res.Updated,
		"removed", res.Removed, "unchanged", res.Unchanged, "invalid", res.Invalid)
	return res, nil
}

// Reschedule re-reads one job after an edit: its trigger is removed and,
// if the job is still enabled with an expression, added back.
func (s *CronScheduler) Reschedule(ctx context.Context, jobID int64) error {
	s.reconcileMu.Lock()
	defer s.reconcileMu.Unlock()

	s.RemoveJob(jobID)
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		if core.HasCode(err, core.ErrCodeNotFound) || errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("loading job %d: %w", jobID, err)
	}
	if !job.IsScheduled() {
		return nil
	}
	return s.AddJob(job)
}

// Start begins firing triggers and, if configured, the periodic resync.
func (s *CronScheduler) Start() {
	s.cron.Start()
	if s.syncInterval <= 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.syncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), s.syncInterval)
				if _, err := s.SyncFromStore(ctx); err != nil {
					s.logger.Error("periodic scheduler sync failed", "error", err)
				}
				cancel()
			}
		}
	}()
}

// Stop halts triggers and waits for in-flight dispatches. Safe to call
// more than once.
func (s *CronScheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		<-s.cron.Stop().Done()
	})
	s.wg.Wait()
	s.fires.Wait()
}

// fire runs on the cron goroutine; dispatch is handed off so a slow queue
// never delays other triggers.
func (s *CronScheduler) fire(jobID int64) {
	select {
	case <-s.stop:
		return
	default:
	}
	s.fires.Add(1)
	go func() {
		defer s.fires.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.dispatchTimeout)
		defer cancel()
		runs, err := s.dispatcher.Dispatch(ctx, jobID, core.TriggerScheduled)
		switch {
		case err == nil:
			s.logger.Debug("scheduled dispatch", "job_id", jobID, "runs", len(runs))
		case core.HasCode(err, core.ErrCodePlacement):
			s.logger.Warn("no eligible node, skipping scheduled run", "job_id", jobID)
		default:
			s.logger.Error("scheduled dispatch failed", "job_id", jobID, "error", err)
		}
	}()
}

func (s *CronScheduler) notifyCount(n int) {
	if s.observeCount != nil {
		s.observeCount(n)
	}
}
