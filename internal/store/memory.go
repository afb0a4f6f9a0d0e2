package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/crawlodeployer/fleet/internal/core"
)

// Memory is a goroutine-safe in-memory Store. Records are copied on the way
// in and out so callers never share state with the store.
type Memory struct {
	mu sync.RWMutex

	jobs      map[int64]*core.Job
	nodes     map[int64]*core.Node
	hostIndex map[string]int64
	runs      map[int64]*core.Run
	corrIndex map[string]int64

	nextJobID  int64
	nextNodeID int64
	nextRunID  int64
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		jobs:      make(map[int64]*core.Job),
		nodes:     make(map[int64]*core.Node),
		hostIndex: make(map[string]int64),
		runs:      make(map[int64]*core.Run),
		corrIndex: make(map[string]int64),
	}
}

func (m *Memory) GetJob(_ context.Context, id int64) (*core.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %d: %w", id, ErrNotFound)
	}
	return cloneJob(j), nil
}

func (m *Memory) ListJobs(_ context.Context) ([]*core.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*core.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, cloneJob(j))
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

func (m *Memory) ListEnabledCronJobs(ctx context.Context) ([]*core.Job, error) {
	all, err := m.ListJobs(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, j := range all {
		if j.IsScheduled() {
			out = append(out, j)
		}
	}
	return out, nil
}

func (m *Memory) SaveJob(_ context.Context, job *core.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job.ID == 0 {
		m.nextJobID++
		job.ID = m.nextJobID
	} else if job.ID > m.nextJobID {
		m.nextJobID = job.ID
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	m.jobs[job.ID] = cloneJob(job)
	return nil
}

func (m *Memory) DeleteJob(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return fmt.Errorf("job %d: %w", id, ErrNotFound)
	}
	delete(m.jobs, id)
	return nil
}

func (m *Memory) GetNode(_ context.Context, id int64) (*core.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node %d: %w", id, ErrNotFound)
	}
	return cloneNode(n), nil
}

func (m *Memory) GetNodeByHostname(_ context.Context, hostname string) (*core.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.hostIndex[hostname]
	if !ok {
		return nil, fmt.Errorf("node %q: %w", hostname, ErrNotFound)
	}
	return cloneNode(m.nodes[id]), nil
}

func (m *Memory) ListNodes(_ context.Context) ([]*core.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*core.Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		out = append(out, cloneNode(n))
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Hostname < out[b].Hostname })
	return out, nil
}

func (m *Memory) SaveNode(_ context.Context, node *core.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.hostIndex[node.Hostname]; ok && id != node.ID {
		return fmt.Errorf("node %q: %w", node.Hostname, ErrDuplicate)
	}
	if node.ID == 0 {
		m.nextNodeID++
		node.ID = m.nextNodeID
	} else if node.ID > m.nextNodeID {
		m.nextNodeID = node.ID
	}
	if prev, ok := m.nodes[node.ID]; ok && prev.Hostname != node.Hostname {
		delete(m.hostIndex, prev.Hostname)
	}
	if node.RegisteredAt.IsZero() {
		node.RegisteredAt = time.Now().UTC()
	}
	m.nodes[node.ID] = cloneNode(node)
	m.hostIndex[node.Hostname] = node.ID
	return nil
}

func (m *Memory) CreateRun(_ context.Context, run *core.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.corrIndex[run.CorrelationID]; ok {
		return fmt.Errorf("run %q: %w", run.CorrelationID, ErrDuplicate)
	}
	m.nextRunID++
	run.ID = m.nextRunID
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = core.RunPending
	}
	m.runs[run.ID] = cloneRun(run)
	m.corrIndex[run.CorrelationID] = run.ID
	return nil
}

func (m *Memory) GetRun(_ context.Context, id int64) (*core.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %d: %w", id, ErrNotFound)
	}
	return cloneRun(r), nil
}

func (m *Memory) GetRunByCorrelation(_ context.Context, correlationID string) (*core.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.corrIndex[correlationID]
	if !ok {
		return nil, fmt.Errorf("run %q: %w", correlationID, ErrNotFound)
	}
	return cloneRun(m.runs[id]), nil
}

func (m *Memory) ListRuns(_ context.Context, filter RunFilter) ([]*core.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*core.Run, 0)
	for _, r := range m.runs {
		if filter.matches(r) {
			out = append(out, cloneRun(r))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID > out[b].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *Memory) MarkRunRunning(_ context.Context, correlationID, node string, startedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.corrIndex[correlationID]
	if !ok {
		return fmt.Errorf("run %q: %w", correlationID, ErrNotFound)
	}
	r := m.runs[id]
	if r.Status != core.RunPending {
		return fmt.Errorf("run %q is %s: %w", correlationID, r.Status, ErrRunFinalized)
	}
	r.Status = core.RunRunning
	t := startedAt
	r.StartTime = &t
	if node != "" {
		r.NodeHostname = node
	}
	return nil
}

func (m *Memory) FinalizeRun(_ context.Context, correlationID string, outcome core.Outcome) error {
	if !outcome.Status.IsTerminal() {
		return fmt.Errorf("finalize run %q with status %s: not terminal", correlationID, outcome.Status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.corrIndex[correlationID]
	if !ok {
		return fmt.Errorf("run %q: %w", correlationID, ErrNotFound)
	}
	r := m.runs[id]
	if r.Status.IsTerminal() {
		return fmt.Errorf("run %q is %s: %w", correlationID, r.Status, ErrRunFinalized)
	}
	applyOutcome(r, outcome)
	return nil
}

func (m *Memory) Close() error { return nil }

var _ Store = (*Memory)(nil)
