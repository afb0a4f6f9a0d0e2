package store

import (
	"maps"
	"slices"

	"github.com/crawlodeployer/fleet/internal/core"
)

func cloneJob(j *core.Job) *core.Job {
	c := *j
	c.Args = maps.Clone(j.Args)
	c.TargetNodeIDs = slices.Clone(j.TargetNodeIDs)
	return &c
}

func cloneNode(n *core.Node) *core.Node {
	c := *n
	c.Tags = slices.Clone(n.Tags)
	return &c
}

func cloneRun(r *core.Run) *core.Run {
	c := *r
	if r.StartTime != nil {
		t := *r.StartTime
		c.StartTime = &t
	}
	if r.EndTime != nil {
		t := *r.EndTime
		c.EndTime = &t
	}
	if r.ExitCode != nil {
		v := *r.ExitCode
		c.ExitCode = &v
	}
	c.Usage = slices.Clone(r.Usage)
	return &c
}

// applyOutcome writes a terminal outcome onto r.
func applyOutcome(r *core.Run, o core.Outcome) {
	r.Status = o.Status
	end := o.EndTime
	r.EndTime = &end
	if o.StartTime != nil && r.StartTime == nil {
		t := *o.StartTime
		r.StartTime = &t
	}
	if o.ExitCode != nil {
		v := *o.ExitCode
		r.ExitCode = &v
	}
	if o.LogTail != "" {
		r.LogTail = o.LogTail
	}
	if o.Message != "" {
		r.Message = o.Message
	}
	if o.NodeHostname != "" {
		r.NodeHostname = o.NodeHostname
	}
	r.ManuallyStopped = o.ManuallyStopped
	if len(o.Usage) > 0 {
		r.Usage = slices.Clone(o.Usage)
	}
}
