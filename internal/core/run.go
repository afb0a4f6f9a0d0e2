package core

import "time"

// RunStatus is the lifecycle state of a Run.
type RunStatus string

const (
	RunPending RunStatus = "PENDING"
	RunRunning RunStatus = "RUNNING"
	RunSuccess RunStatus = "SUCCESS"
	RunFailure RunStatus = "FAILURE"
)

// IsTerminal reports whether a run in this status can no longer change.
func (s RunStatus) IsTerminal() bool {
	return s == RunSuccess || s == RunFailure
}

// UsageSample is one resource usage observation of a run's process.
type UsageSample struct {
	At         time.Time `json:"at"`
	CPUSeconds float64   `json:"cpu_seconds"`
	MaxRSSKB   int64     `json:"max_rss_kb,omitempty"`
}

// Run is one execution attempt of a Job.
type Run struct {
	ID              int64         `json:"id"`
	JobID           int64         `json:"job_id"`
	CorrelationID   string        `json:"correlation_id"`
	Status          RunStatus     `json:"status"`
	Trigger         Trigger       `json:"trigger"`
	Attempt         int           `json:"attempt"`
	NodeHostname    string        `json:"worker_node,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	StartTime       *time.Time    `json:"start_time,omitempty"`
	EndTime         *time.Time    `json:"end_time,omitempty"`
	ExitCode        *int          `json:"exit_code,omitempty"`
	Usage           []UsageSample `json:"usage,omitempty"`
	LogTail         string        `json:"log_output,omitempty"`
	ManuallyStopped bool          `json:"manually_stopped"`
	Message         string        `json:"message,omitempty"`
}

// Duration returns the wall-clock time the run took, or zero if it has not
// both started and ended.
func (r *Run) Duration() time.Duration {
	if r.StartTime == nil || r.EndTime == nil {
		return 0
	}
	return r.EndTime.Sub(*r.StartTime)
}

// Outcome carries the fields written when a run leaves PENDING/RUNNING.
type Outcome struct {
	Status          RunStatus     `json:"status"`
	ExitCode        *int          `json:"exit_code,omitempty"`
	LogTail         string        `json:"log_tail,omitempty"`
	ManuallyStopped bool          `json:"manually_stopped"`
	Message         string        `json:"message,omitempty"`
	StartTime       *time.Time    `json:"start_time,omitempty"`
	EndTime         time.Time     `json:"end_time"`
	Usage           []UsageSample `json:"usage,omitempty"`
	NodeHostname    string        `json:"worker_node,omitempty"`
}
