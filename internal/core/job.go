package core

import (
	"strings"
	"time"
)

// DistributionMode selects which nodes are eligible to run a job.
type DistributionMode string

const (
	DistributionAny      DistributionMode = "ANY"
	DistributionSpecific DistributionMode = "SPECIFIC"
	DistributionMultiple DistributionMode = "MULTIPLE"
	DistributionTagBased DistributionMode = "TAG_BASED"
)

// Priority mirrors the LOW/MEDIUM/HIGH levels jobs are created with.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
)

// Trigger records why a run was dispatched. It is exported to the script as
// RUN_MODE. Retries carry the trigger of the run they replace; Attempt > 0
// marks them.
type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
)

const (
	DefaultEntrypoint     = "run.py"
	DefaultTimeoutSeconds = 3600
)

// Job is a persisted definition of a script, its schedule, and its placement policy.
type Job struct {
	ID             int64            `json:"id"`
	Name           string           `json:"name"`
	Project        string           `json:"project"`
	CronExpression string           `json:"cron_expression,omitempty"`
	Enabled        bool             `json:"enabled"`
	Entrypoint     string           `json:"entrypoint"`
	Args           map[string]any   `json:"args,omitempty"`
	Priority       Priority         `json:"priority"`
	TimeoutSeconds int              `json:"timeout_seconds"`
	MaxRetries     int              `json:"max_retries"`
	Mode           DistributionMode `json:"distribution_mode"`
	TargetNodeID   int64            `json:"target_node_id,omitempty"`
	TargetNodeIDs  []int64          `json:"target_node_ids,omitempty"`
	TargetTag      string           `json:"target_node_tags,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}

// IsScheduled reports whether the job should own a cron trigger.
func (j *Job) IsScheduled() bool {
	return j.Enabled && strings.TrimSpace(j.CronExpression) != ""
}

// EffectiveEntrypoint returns the entrypoint, falling back to run.py.
func (j *Job) EffectiveEntrypoint() string {
	if j.Entrypoint == "" {
		return DefaultEntrypoint
	}
	return j.Entrypoint
}

// Timeout returns the execution budget for one run of the job.
func (j *Job) Timeout() time.Duration {
	if j.TimeoutSeconds <= 0 {
		return DefaultTimeoutSeconds * time.Second
	}
	return time.Duration(j.TimeoutSeconds) * time.Second
}
