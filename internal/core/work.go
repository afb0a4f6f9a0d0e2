package core

import "time"

// WorkItem is the unit of work placed on a node's queue subject.
type WorkItem struct {
	CorrelationID  string            `json:"correlation_id"`
	RunID          int64             `json:"run_id"`
	JobID          int64             `json:"job_id"`
	Project        string            `json:"project"`
	Entrypoint     string            `json:"entrypoint"`
	Args           map[string]any    `json:"args,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	NodeHint       string            `json:"node_hint"`
	TimeoutSeconds int               `json:"timeout_seconds"`
	Priority       Priority          `json:"priority,omitempty"`
	Attempt        int               `json:"attempt"`
}

// Timeout returns the execution budget carried by the item.
func (w *WorkItem) Timeout() time.Duration {
	if w.TimeoutSeconds <= 0 {
		return DefaultTimeoutSeconds * time.Second
	}
	return time.Duration(w.TimeoutSeconds) * time.Second
}

// RunEvent is what a worker reports back about a run. RUNNING events mark
// the process start; SUCCESS and FAILURE events finalize the run.
type RunEvent struct {
	CorrelationID   string        `json:"correlation_id"`
	Status          RunStatus     `json:"status"`
	ExitCode        *int          `json:"exit_code,omitempty"`
	LogTail         string        `json:"log_tail,omitempty"`
	ManuallyStopped bool          `json:"manually_stopped"`
	WorkerNode      string        `json:"worker_node,omitempty"`
	StartedAt       *time.Time    `json:"started_at,omitempty"`
	EndedAt         *time.Time    `json:"ended_at,omitempty"`
	Usage           []UsageSample `json:"usage,omitempty"`
	Message         string        `json:"message,omitempty"`
}

// Outcome converts a terminal event into the fields persisted on the run.
func (e *RunEvent) Outcome(now time.Time) Outcome {
	end := now
	if e.EndedAt != nil {
		end = *e.EndedAt
	}
	return Outcome{
		Status:          e.Status,
		ExitCode:        e.ExitCode,
		LogTail:         e.LogTail,
		ManuallyStopped: e.ManuallyStopped,
		Message:         e.Message,
		StartTime:       e.StartedAt,
		EndTime:         end,
		Usage:           e.Usage,
		NodeHostname:    e.WorkerNode,
	}
}
