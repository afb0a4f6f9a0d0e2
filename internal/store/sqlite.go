package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/crawlodeployer/fleet/internal/core"
)

// SQLite is a Store backed by a single SQLite database file.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and ensures the
// schema exists. Use ":memory:" for a throwaway database.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy_timeout: %w", err)
	}

	s := &SQLite{db: db}
	if err := s.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return s, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		project TEXT NOT NULL,
		cron_expression TEXT NOT NULL DEFAULT '',
		enabled INTEGER NOT NULL DEFAULT 1,
		entrypoint TEXT NOT NULL DEFAULT 'run.py',
		args TEXT NOT NULL DEFAULT '{}',
		priority TEXT NOT NULL DEFAULT 'MEDIUM',
		timeout_seconds INTEGER NOT NULL DEFAULT 3600,
		max_retries INTEGER NOT NULL DEFAULT 0,
		distribution_mode TEXT NOT NULL DEFAULT 'ANY',
		target_node_id INTEGER NOT NULL DEFAULT 0,
		target_node_ids TEXT NOT NULL DEFAULT '[]',
		target_node_tags TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_enabled ON jobs(enabled);
	CREATE TABLE IF NOT EXISTS nodes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		hostname TEXT NOT NULL UNIQUE,
		ip TEXT NOT NULL DEFAULT '',
		os TEXT NOT NULL DEFAULT 'UNKNOWN',
		version TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL CHECK (status IN ('ONLINE','OFFLINE')),
		last_heartbeat INTEGER,
		cpu_cores INTEGER NOT NULL DEFAULT 0,
		memory_gb REAL NOT NULL DEFAULT 0,
		disk_gb REAL NOT NULL DEFAULT 0,
		tags TEXT NOT NULL DEFAULT '',
		physical_host_id TEXT NOT NULL DEFAULT '',
		container_id TEXT NOT NULL DEFAULT '',
		is_physical_host INTEGER NOT NULL DEFAULT 0,
		max_concurrency INTEGER NOT NULL DEFAULT 0,
		registered_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_nodes_physical_host ON nodes(physical_host_id);
	CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id INTEGER NOT NULL,
		correlation_id TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL CHECK (status IN ('PENDING','RUNNING','SUCCESS','FAILURE')),
		trigger_kind TEXT NOT NULL DEFAULT 'scheduled',
		attempt INTEGER NOT NULL DEFAULT 0,
		worker_node TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		start_time INTEGER,
		end_time INTEGER,
		exit_code INTEGER,
		usage TEXT NOT NULL DEFAULT '[]',
		log_output TEXT NOT NULL DEFAULT '',
		manually_stopped INTEGER NOT NULL DEFAULT 0,
		message TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_runs_job_id ON runs(job_id, id);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

const jobColumns = `id, name, project, cron_expression, enabled, entrypoint, args, priority,
	timeout_seconds, max_retries, distribution_mode, target_node_id, target_node_ids,
	target_node_tags, created_at`

func (s *SQLite) GetJob(ctx context.Context, id int64) (*core.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %d: %w", id, ErrNotFound)
	}
	return j, err
}

func (s *SQLite) ListJobs(ctx context.Context) ([]*core.Job, error) {
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY id`)
}

func (s *SQLite) ListEnabledCronJobs(ctx context.Context) ([]*core.Job, error) {
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE enabled = 1 AND TRIM(cron_expression) != '' ORDER BY id`)
}

func (s *SQLite) queryJobs(ctx context.Context, query string, args ...any) ([]*core.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying jobs: %w", err)
	}
	defer rows.Close()

	var out []*core.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *SQLite) SaveJob(ctx context.Context, job *core.Job) error {
	args, err := json.Marshal(job.Args)
	if err != nil {
		return fmt.Errorf("encoding job args: %w", err)
	}
	targets, err := json.Marshal(job.TargetNodeIDs)
	if err != nil {
		return fmt.Errorf("encoding target node ids: %w", err)
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.Priority == "" {
		job.Priority = core.PriorityMedium
	}
	if job.Mode == "" {
		job.Mode = core.DistributionAny
	}

	values := []any{
		job.Name, job.Project, job.CronExpression, boolToInt(job.Enabled), job.EffectiveEntrypoint(),
		string(args), string(job.Priority), job.TimeoutSeconds, job.MaxRetries, string(job.Mode),
		job.TargetNodeID, string(targets), job.TargetTag, job.CreatedAt.UnixMilli(),
	}
	if job.ID == 0 {
		res, err := s.db.ExecContext(ctx, `INSERT INTO jobs (name, project, cron_expression, enabled,
			entrypoint, args, priority, timeout_seconds, max_retries, distribution_mode, target_node_id,
			target_node_ids, target_node_tags, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			values...)
		if err != nil {
			return fmt.Errorf("inserting job: %w", err)
		}
		job.ID, err = res.LastInsertId()
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO jobs (id, name, project, cron_expression, enabled,
		entrypoint, args, priority, timeout_seconds, max_retries, distribution_mode, target_node_id,
		target_node_ids, target_node_tags, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, project = excluded.project,
			cron_expression = excluded.cron_expression, enabled = excluded.enabled,
			entrypoint = excluded.entrypoint, args = excluded.args, priority = excluded.priority,
			timeout_seconds = excluded.timeout_seconds, max_retries = excluded.max_retries,
			distribution_mode = excluded.distribution_mode, target_node_id = excluded.target_node_id,
			target_node_ids = excluded.target_node_ids, target_node_tags = excluded.target_node_tags`,
		append([]any{job.ID}, values...)...)
	if err != nil {
		return fmt.Errorf("upserting job %d: %w", job.ID, err)
	}
	return nil
}

func (s *SQLite) DeleteJob(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting job %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %d: %w", id, ErrNotFound)
	}
	return nil
}

const nodeColumns = `id, hostname, ip, os, version, status, last_heartbeat, cpu_cores, memory_gb,
	disk_gb, tags, physical_host_id, container_id, is_physical_host, max_concurrency, registered_at`

func (s *SQLite) GetNode(ctx context.Context, id int64) (*core.Node, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id = ?`, id)
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("node %d: %w", id, ErrNotFound)
	}
	return n, err
}

func (s *SQLite) GetNodeByHostname(ctx context.Context, hostname string) (*core.Node, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE hostname = ?`, hostname)
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("node %q: %w", hostname, ErrNotFound)
	}
	return n, err
}

func (s *SQLite) ListNodes(ctx context.Context) ([]*core.Node, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+nodeColumns+` FROM nodes ORDER BY hostname`)
	if err != nil {
		return nil, fmt.Errorf("querying nodes: %w", err)
	}
	defer rows.Close()

	var out []*core.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *SQLite) SaveNode(ctx context.Context, node *core.Node) error {
	if node.RegisteredAt.IsZero() {
		node.RegisteredAt = time.Now().UTC()
	}
	if node.OS == "" {
		node.OS = core.OSUnknown
	}
	if node.Status == "" {
		node.Status = core.NodeOffline
	}
	values := []any{
		node.Hostname, node.IP, string(node.OS), node.Version, string(node.Status),
		nullableMillis(node.LastHeartbeat), node.Capacity.CPUCores, node.Capacity.MemoryGB,
		node.Capacity.DiskGB, strings.Join(node.Tags, ","), node.PhysicalHostID, node.ContainerID,
		boolToInt(node.IsPhysicalHost), node.MaxConcurrency, node.RegisteredAt.UnixMilli(),
	}
	if node.ID == 0 {
		res, err := s.db.ExecContext(ctx, `INSERT INTO nodes (hostname, ip, os, version, status,
			last_heartbeat, cpu_cores, memory_gb, disk_gb, tags, physical_host_id, container_id,
			is_physical_host, max_concurrency, registered_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, values...)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("node %q: %w", node.Hostname, ErrDuplicate)
			}
			return fmt.Errorf("inserting node: %w", err)
		}
		node.ID, err = res.LastInsertId()
		return err
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO nodes (id, hostname, ip, os, version, status,
		last_heartbeat, cpu_cores, memory_gb, disk_gb, tags, physical_host_id, container_id,
		is_physical_host, max_concurrency, registered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET hostname = excluded.hostname, ip = excluded.ip, os = excluded.os,
			version = excluded.version, status = excluded.status, last_heartbeat = excluded.last_heartbeat,
			cpu_cores = excluded.cpu_cores, memory_gb = excluded.memory_gb, disk_gb = excluded.disk_gb,
			tags = excluded.tags, physical_host_id = excluded.physical_host_id,
			container_id = excluded.container_id, is_physical_host = excluded.is_physical_host,
			max_concurrency = excluded.max_concurrency`,
		append([]any{node.ID}, values...)...)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("node %q: %w", node.Hostname, ErrDuplicate)
		}
		return fmt.Errorf("upserting node %d: %w", node.ID, err)
	}
	return nil
}

const runColumns = `id, job_id, correlation_id, status, trigger_kind, attempt, worker_node, created_at,
	start_time, end_time, exit_code, usage, log_output, manually_stopped, message`

func (s *SQLite) CreateRun(ctx context.Context, run *core.Run) error {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = core.RunPending
	}
	usage, err := json.Marshal(run.Usage)
	if err != nil {
		return fmt.Errorf("encoding usage: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO runs (job_id, correlation_id, status, trigger_kind,
		attempt, worker_node, created_at, usage) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.JobID, run.CorrelationID, string(run.Status), string(run.Trigger), run.Attempt,
		run.NodeHostname, run.CreatedAt.UnixMilli(), string(usage))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("run %q: %w", run.CorrelationID, ErrDuplicate)
		}
		return fmt.Errorf("inserting run: %w", err)
	}
	run.ID, err = res.LastInsertId()
	return err
}

func (s *SQLite) GetRun(ctx context.Context, id int64) (*core.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %d: %w", id, ErrNotFound)
	}
	return r, err
}

func (s *SQLite) GetRunByCorrelation(ctx context.Context, correlationID string) (*core.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE correlation_id = ?`, correlationID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %q: %w", correlationID, ErrNotFound)
	}
	return r, err
}

func (s *SQLite) ListRuns(ctx context.Context, filter RunFilter) ([]*core.Run, error) {
	var (
		where []string
		args  []any
	)
	if filter.JobID != 0 {
		where = append(where, "job_id = ?")
		args = append(args, filter.JobID)
	}
	if filter.Node != "" {
		where = append(where, "worker_node = ?")
		args = append(args, filter.Node)
	}
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ",")+")")
	}
	query := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var out []*core.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLite) MarkRunRunning(ctx context.Context, correlationID, node string, startedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE runs SET status = 'RUNNING', start_time = ?,
		worker_node = CASE WHEN ? = '' THEN worker_node ELSE ? END
		WHERE correlation_id = ? AND status = 'PENDING'`,
		startedAt.UnixMilli(), node, node, correlationID)
	if err != nil {
		return fmt.Errorf("marking run %q running: %w", correlationID, err)
	}
	return s.checkTransition(ctx, res, correlationID)
}

func (s *SQLite) FinalizeRun(ctx context.Context, correlationID string, outcome core.Outcome) error {
	if !outcome.Status.IsTerminal() {
		return fmt.Errorf("finalize run %q with status %s: not terminal", correlationID, outcome.Status)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning finalize tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	row := tx.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE correlation_id = ?`, correlationID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("run %q: %w", correlationID, ErrNotFound)
	}
	if err != nil {
		return err
	}
	if r.Status.IsTerminal() {
		return fmt.Errorf("run %q is %s: %w", correlationID, r.Status, ErrRunFinalized)
	}
	applyOutcome(r, outcome)

	usage, err := json.Marshal(r.Usage)
	if err != nil {
		return fmt.Errorf("encoding usage: %w", err)
	}
	var exit sql.NullInt64
	if r.ExitCode != nil {
		exit = sql.NullInt64{Int64: int64(*r.ExitCode), Valid: true}
	}
	var start sql.NullInt64
	if r.StartTime != nil {
		start = sql.NullInt64{Int64: r.StartTime.UnixMilli(), Valid: true}
	}
	res, err := tx.ExecContext(ctx, `UPDATE runs SET status = ?, start_time = ?, end_time = ?, exit_code = ?,
		usage = ?, log_output = ?, manually_stopped = ?, message = ?, worker_node = ?
		WHERE id = ? AND status IN ('PENDING','RUNNING')`,
		string(r.Status), start, r.EndTime.UnixMilli(), exit, string(usage), r.LogTail,
		boolToInt(r.ManuallyStopped), r.Message, r.NodeHostname, r.ID)
	if err != nil {
		return fmt.Errorf("finalizing run %q: %w", correlationID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %q: %w", correlationID, ErrRunFinalized)
	}
	return tx.Commit()
}

// checkTransition turns a zero-row conditional update into ErrNotFound or
// ErrRunFinalized.
func (s *SQLite) checkTransition(ctx context.Context, res sql.Result, correlationID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM runs WHERE correlation_id = ?`, correlationID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("run %q: %w", correlationID, ErrNotFound)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("run %q is %s: %w", correlationID, status, ErrRunFinalized)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(sc scanner) (*core.Job, error) {
	var (
		j         core.Job
		enabled   int
		args      string
		targets   string
		priority  string
		mode      string
		createdAt int64
	)
	err := sc.Scan(&j.ID, &j.Name, &j.Project, &j.CronExpression, &enabled, &j.Entrypoint, &args,
		&priority, &j.TimeoutSeconds, &j.MaxRetries, &mode, &j.TargetNodeID, &targets, &j.TargetTag,
		&createdAt)
	if err != nil {
		return nil, err
	}
	j.Enabled = enabled == 1
	j.Priority = core.Priority(priority)
	j.Mode = core.DistributionMode(mode)
	j.CreatedAt = time.UnixMilli(createdAt).UTC()
	if args != "" && args != "null" {
		if err := json.Unmarshal([]byte(args), &j.Args); err != nil {
			return nil, fmt.Errorf("decoding args of job %d: %w", j.ID, err)
		}
	}
	if targets != "" && targets != "null" {
		if err := json.Unmarshal([]byte(targets), &j.TargetNodeIDs); err != nil {
			return nil, fmt.Errorf("decoding targets of job %d: %w", j.ID, err)
		}
	}
	return &j, nil
}

func scanNode(sc scanner) (*core.Node, error) {
	var (
		n             core.Node
		osName        string
		status        string
		lastHeartbeat sql.NullInt64
		tags          string
		physical      int
		registeredAt  int64
	)
	err := sc.Scan(&n.ID, &n.Hostname, &n.IP, &osName, &n.Version, &status, &lastHeartbeat,
		&n.Capacity.CPUCores, &n.Capacity.MemoryGB, &n.Capacity.DiskGB, &tags, &n.PhysicalHostID,
		&n.ContainerID, &physical, &n.MaxConcurrency, &registeredAt)
	if err != nil {
		return nil, err
	}
	n.OS = core.NodeOS(osName)
	n.Status = core.NodeStatus(status)
	if lastHeartbeat.Valid {
		n.LastHeartbeat = time.UnixMilli(lastHeartbeat.Int64).UTC()
	}
	n.Tags = core.ParseTags(tags)
	n.IsPhysicalHost = physical == 1
	n.RegisteredAt = time.UnixMilli(registeredAt).UTC()
	return &n, nil
}

func scanRun(sc scanner) (*core.Run, error) {
	var (
		r         core.Run
		status    string
		trigger   string
		createdAt int64
		start     sql.NullInt64
		end       sql.NullInt64
		exit      sql.NullInt64
		usage     string
		stopped   int
	)
	err := sc.Scan(&r.ID, &r.JobID, &r.CorrelationID, &status, &trigger, &r.Attempt, &r.NodeHostname,
		&createdAt, &start, &end, &exit, &usage, &r.LogTail, &stopped, &r.Message)
	if err != nil {
		return nil, err
	}
	r.Status = core.RunStatus(status)
	r.Trigger = core.Trigger(trigger)
	r.CreatedAt = time.UnixMilli(createdAt).UTC()
	if start.Valid {
		t := time.UnixMilli(start.Int64).UTC()
		r.StartTime = &t
	}
	if end.Valid {
		t := time.UnixMilli(end.Int64).UTC()
		r.EndTime = &t
	}
	if exit.Valid {
		v := int(exit.Int64)
		r.ExitCode = &v
	}
	if usage != "" && usage != "null" {
		if err := json.Unmarshal([]byte(usage), &r.Usage); err != nil {
			return nil, fmt.Errorf("decoding usage of run %d: %w", r.ID, err)
		}
	}
	r.ManuallyStopped = stopped == 1
	return &r, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableMillis(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

var _ Store = (*SQLite)(nil)
