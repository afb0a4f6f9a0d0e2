package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/crawlodeployer/fleet/internal/core"
)

const (
	defaultPollInterval = 500 * time.Millisecond
	defaultKillGrace    = 5 * time.Second
)

// Reporter delivers run events to the master.
type Reporter interface {
	PublishEvent(ctx context.Context, ev *core.RunEvent) error
}

// CancelSource exposes the stop requests written by the master.
type CancelSource interface {
	CancelRequested(ctx context.Context, correlationID string) (bool, error)
	AcknowledgeCancel(ctx context.Context, correlationID, hostname string) error
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithPollInterval sets how often a running process is checked for
// cancellation and timeout.
func WithPollInterval(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.poll = d }
}

// WithKillGrace sets how long a terminated process may take to exit before
// it is killed.
func WithKillGrace(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.grace = d }
}

// WithOS overrides the OS used to build commands.
func WithOS(nodeOS core.NodeOS) ExecutorOption {
	return func(e *Executor) { e.os = nodeOS }
}

// Executor runs work items as child processes.
type Executor struct {
	projectsDir string
	logsDir     string
	hostname    string
	os          core.NodeOS
	cancel      CancelSource

	poll   time.Duration
	grace  time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewExecutor creates an Executor. Project code is looked up under
// projectsDir/<project>; run logs are written under logsDir/runs.
func NewExecutor(projectsDir, logsDir, hostname string, nodeOS core.NodeOS, cancel CancelSource, opts ...ExecutorOption) *Executor {
	e := &Executor{
		projectsDir: projectsDir,
		logsDir:     logsDir,
		hostname:    hostname,
		os:          nodeOS,
		cancel:      cancel,
		poll:        defaultPollInterval,
		grace:       defaultKillGrace,
		now:         time.Now,
		logger:      slog.Default().With("component", "executor"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// stopReason records why the executor ended a process early.
type stopReason struct {
	manual  bool
	message string
}

// Execute runs item to completion and reports its terminal event exactly
// once through rep. A RUNNING event is reported when the process starts.
// The returned event is the one reported.
func (e *Executor) Execute(ctx context.Context, item *core.WorkItem, rep Reporter) *core.RunEvent {
	log := e.logger.With("correlation_id", item.CorrelationID, "job_id", item.JobID)
	// Reports must survive the agent shutting down mid-run.
	reportCtx := context.WithoutCancel(ctx)

	ev := e.run(ctx, item, rep, reportCtx, log)
	ev.CorrelationID = item.CorrelationID
	ev.WorkerNode = e.hostname
	if ev.EndedAt == nil {
		end := e.now().UTC()
		ev.EndedAt = &end
	}
	if err := rep.PublishEvent(reportCtx, ev); err != nil {
		log.Error("reporting run result", "status", ev.Status, "error", err)
	}
	log.Info("run finished", "status", ev.Status, "exit_code", ev.ExitCode,
		"manually_stopped", ev.ManuallyStopped)
	return ev
}

func failed(err error) *core.RunEvent {
	return &core.RunEvent{Status: core.RunFailure, Message: err.Error(), LogTail: err.Error()}
}

func (e *Executor) run(ctx context.Context, item *core.WorkItem, rep Reporter, reportCtx context.Context, log *slog.Logger) *core.RunEvent {
	if stop, _ := e.cancel.CancelRequested(ctx, item.CorrelationID); stop {
		e.acknowledge(reportCtx, item.CorrelationID, log)
		ev := failed(errors.New("stopped before start"))
		ev.ManuallyStopped = true
		return ev
	}

	projectDir, entry, err := e.resolve(item)
	if err != nil {
		return failed(err)
	}
	argv, err := BuildCommand(item.Entrypoint, item.Args, e.os)
	if err != nil {
		return failed(err)
	}
	logPath := e.logPath(item)
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return failed(core.NewExecutionError("creating log directory", err))
	}
	logFile, err := os.Create(logPath)
	if err != nil {
		return failed(core.NewExecutionError("creating log file", err))
	}
	defer logFile.Close()

	env, err := e.environ(item)
	if err != nil {
		return failed(err)
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = projectDir
	cmd.Env = env
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		return failed(core.NewExecutionError(fmt.Sprintf("starting %s", entry), err))
	}
	started := e.now().UTC()
	log.Info("run started", "pid", cmd.Process.Pid, "command", strings.Join(argv, " "), "log", logPath)
	if err := rep.PublishEvent(reportCtx, &core.RunEvent{
		CorrelationID: item.CorrelationID,
		Status:        core.RunRunning,
		WorkerNode:    e.hostname,
		StartedAt:     &started,
	}); err != nil {
		log.Warn("reporting run start", "error", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	reason := e.supervise(ctx, item, cmd, started, done, reportCtx, log)
	ended := e.now().UTC()

	ev := &core.RunEvent{StartedAt: &started, EndedAt: &ended}
	if ps := cmd.ProcessState; ps != nil {
		code := ps.ExitCode()
		ev.ExitCode = &code
		ev.Usage = []core.UsageSample{{
			At:         ended,
			CPUSeconds: (ps.UserTime() + ps.SystemTime()).Seconds(),
		}}
	}
	if tail, err := readTail(logPath, tailMaxLines, tailMaxBytes); err == nil {
		ev.LogTail = tail
	} else {
		log.Warn("reading log tail", "error", err)
	}

	switch {
	case reason != nil:
		ev.Status = core.RunFailure
		ev.ManuallyStopped = reason.manual
		ev.Message = reason.message
	case ev.ExitCode != nil && *ev.ExitCode == 0:
		ev.Status = core.RunSuccess
	default:
		ev.Status = core.RunFailure
		if ev.ExitCode != nil {
			ev.Message = "exit code " + strconv.Itoa(*ev.ExitCode)
		}
	}
	return ev
}

// supervise waits for the process, ending it early on cancellation, on
// timeout, or when ctx is done. It returns nil when the process exited on
// its own.
func (e *Executor) supervise(ctx context.Context, item *core.WorkItem, cmd *exec.Cmd, started time.Time,
	done <-chan error, reportCtx context.Context, log *slog.Logger) *stopReason {
	ticker := time.NewTicker(e.poll)
	defer ticker.Stop()
	timeout := item.Timeout()

	for {
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			log.Warn("worker shutting down, terminating run")
			e.terminate(cmd, done, log)
			return &stopReason{message: "worker shutting down"}
		case <-ticker.C:
			if e.now().Sub(started) > timeout {
				log.Warn("run timed out, terminating", "timeout", timeout)
				e.terminate(cmd, done, log)
				return &stopReason{message: fmt.Sprintf("timed out after %s", timeout)}
			}
			stop, err := e.cancel.CancelRequested(reportCtx, item.CorrelationID)
			if err != nil {
				log.Debug("checking cancel flag", "error", err)
				continue
			}
			if stop {
				log.Info("stop requested, terminating run")
				e.acknowledge(reportCtx, item.CorrelationID, log)
				e.terminate(cmd, done, log)
				return &stopReason{manual: true, message: "stopped by user"}
			}
		}
	}
}

// terminate asks the process to exit, then kills it after the grace period.
func (e *Executor) terminate(cmd *exec.Cmd, done <-chan error, log *slog.Logger) {
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		_ = cmd.Process.Kill()
		<-done
		return
	}
	select {
	case <-done:
	case <-time.After(e.grace):
		log.Warn("process ignored SIGTERM, killing", "pid", cmd.Process.Pid)
		_ = cmd.Process.Kill()
		<-done
	}
}

func (e *Executor) acknowledge(ctx context.Context, correlationID string, log *slog.Logger) {
	if err := e.cancel.AcknowledgeCancel(ctx, correlationID, e.hostname); err != nil {
		log.Debug("acknowledging cancel", "error", err)
	}
}

// resolve locates the project directory and entrypoint file of item,
// refusing paths that leave the projects directory.
func (e *Executor) resolve(item *core.WorkItem) (string, string, error) {
	if item.Project == "" {
		return "", "", core.NewValidationError("project is required", nil)
	}
	projectDir := filepath.Join(e.projectsDir, item.Project)
	if !within(e.projectsDir, projectDir) {
		return "", "", core.NewValidationError(fmt.Sprintf("invalid project %q", item.Project), nil)
	}
	info, err := os.Stat(projectDir)
	if err != nil || !info.IsDir() {
		return "", "", core.NewExecutionError(fmt.Sprintf("project directory %s not found", projectDir), err)
	}
	entry := filepath.Join(projectDir, item.Entrypoint)
	if !within(projectDir, entry) {
		return "", "", core.NewValidationError(fmt.Sprintf("invalid entrypoint %q", item.Entrypoint), nil)
	}
	if info, err := os.Stat(entry); err != nil || info.IsDir() {
		return "", "", core.NewExecutionError(fmt.Sprintf("entrypoint %s not found", entry), err)
	}
	return projectDir, entry, nil
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (e *Executor) logPath(item *core.WorkItem) string {
	stem := strings.TrimSuffix(filepath.Base(item.Entrypoint), filepath.Ext(item.Entrypoint))
	name := fmt.Sprintf("%s_%s_%s.log", item.Project, stem, item.CorrelationID)
	return filepath.Join(e.logsDir, "runs", name)
}

func (e *Executor) environ(item *core.WorkItem) ([]string, error) {
	args := item.Args
	if args == nil {
		args = map[string]any{}
	}
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return nil, core.NewValidationError("args are not JSON-encodable", map[string]any{"error": err.Error()})
	}
	env := os.Environ()
	for k, v := range item.Env {
		env = append(env, k+"="+v)
	}
	env = append(env,
		"FLEET_JOB_ID="+strconv.FormatInt(item.JobID, 10),
		"FLEET_RUN_ID="+strconv.FormatInt(item.RunID, 10),
		"FLEET_CORRELATION_ID="+item.CorrelationID,
		"FLEET_PROJECT="+item.Project,
		"FLEET_ENTRYPOINT="+item.Entrypoint,
		"FLEET_WORKER_HOSTNAME="+e.hostname,
		"FLEET_WORKER_OS="+string(e.os),
		"FLEET_ARGS="+string(argsJSON),
		"PYTHONUNBUFFERED=1",
	)
	if _, ok := item.Env["RUN_MODE"]; !ok {
		env = append(env, "RUN_MODE=scheduled")
	}
	return env, nil
}
