// Package placement decides which nodes may run a job.
package placement

import (
	"context"
	"fmt"
	"sort"

	"github.com/crawlodeployer/fleet/internal/core"
)

// Resolve returns the ONLINE nodes eligible to run job under its
// distribution mode, ordered by hostname. Offline nodes are never returned.
// An unknown mode is treated as ANY.
func Resolve(job *core.Job, nodes []*core.Node) []*core.Node {
	online := make([]*core.Node, 0, len(nodes))
	for _, n := range nodes {
		if n.Online() {
			online = append(online, n)
		}
	}

	var out []*core.Node
	switch job.Mode {
	case core.DistributionSpecific:
		for _, n := range online {
			if job.TargetNodeID != 0 && n.ID == job.TargetNodeID {
				out = append(out, n)
			}
		}
	case core.DistributionMultiple:
		want := make(map[int64]struct{}, len(job.TargetNodeIDs))
		for _, id := range job.TargetNodeIDs {
			want[id] = struct{}{}
		}
		for _, n := range online {
			if _, ok := want[n.ID]; ok {
				out = append(out, n)
			}
		}
	case core.DistributionTagBased:
		tags := core.ParseTags(job.TargetTag)
		for _, n := range online {
			if hasAny(n, tags) {
				out = append(out, n)
			}
		}
	default:
		out = online
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Hostname < out[j].Hostname })
	return out
}

// hasAny reports whether n carries at least one of tags. A job naming
// several tags accepts any node tagged with one of them.
func hasAny(n *core.Node, tags []string) bool {
	for _, t := range tags {
		if n.HasTag(t) {
			return true
		}
	}
	return false
}

// NodeSource lists the nodes known to the registry.
type NodeSource interface {
	List(ctx context.Context) ([]*core.Node, error)
}

// Resolver resolves placement against the registry at call time, so every
// dispatch sees the node states current at that moment.
type Resolver struct {
	nodes NodeSource
}

// NewResolver creates a Resolver over nodes.
func NewResolver(nodes NodeSource) *Resolver {
	return &Resolver{nodes: nodes}
}

// Resolve returns the eligible nodes for job.
func (r *Resolver) Resolve(ctx context.Context, job *core.Job) ([]*core.Node, error) {
	nodes, err := r.nodes.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing nodes: %w", err)
	}
	return Resolve(job, nodes), nil
}
