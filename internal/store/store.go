// Package store defines the persistence contract for jobs, nodes and runs,
// with an in-memory implementation and a SQLite implementation.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/crawlodeployer/fleet/internal/core"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicate is returned when a unique key (hostname, correlation id) is taken.
	ErrDuplicate = errors.New("store: duplicate key")
	// ErrRunFinalized is returned when a transition targets a run that has
	// already left the state the transition requires.
	ErrRunFinalized = errors.New("store: run already finalized")
)

// RunFilter narrows ListRuns. Zero values mean "any".
type RunFilter struct {
	JobID    int64
	Node     string
	Statuses []core.RunStatus
	Limit    int
}

func (f RunFilter) matches(r *core.Run) bool {
	if f.JobID != 0 && r.JobID != f.JobID {
		return false
	}
	if f.Node != "" && r.NodeHostname != f.Node {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if r.Status == s {
			return true
		}
	}
	return false
}

// Store is the persistence contract the scheduler core depends on.
//
// MarkRunRunning and FinalizeRun are conditional: they only apply when the
// run is still in a state that allows the transition, so a late or
// duplicate event can never overwrite a terminal run.
type Store interface {
	GetJob(ctx context.Context, id int64) (*core.Job, error)
	ListJobs(ctx context.Context) ([]*core.Job, error)
	ListEnabledCronJobs(ctx context.Context) ([]*core.Job, error)
	SaveJob(ctx context.Context, job *core.Job) error
	DeleteJob(ctx context.Context, id int64) error

	GetNode(ctx context.Context, id int64) (*core.Node, error)
	GetNodeByHostname(ctx context.Context, hostname string) (*core.Node, error)
	ListNodes(ctx context.Context) ([]*core.Node, error)
	SaveNode(ctx context.Context, node *core.Node) error

	CreateRun(ctx context.Context, run *core.Run) error
	GetRun(ctx context.Context, id int64) (*core.Run, error)
	GetRunByCorrelation(ctx context.Context, correlationID string) (*core.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*core.Run, error)
	MarkRunRunning(ctx context.Context, correlationID, node string, startedAt time.Time) error
	FinalizeRun(ctx context.Context, correlationID string, outcome core.Outcome) error

	Close() error
}
