package registry

import (
	"context"
	"fmt"

	"github.com/crawlodeployer/fleet/internal/core"
)

// CapacityResult is the outcome of a physical-host capacity check.
type CapacityResult struct {
	Available    bool           `json:"available"`
	Reason       string         `json:"reason,omitempty"`
	PhysicalHost string         `json:"physical_host,omitempty"`
	Total        core.Resources `json:"total"`
	Used         core.Resources `json:"used"`
	Free         core.Resources `json:"free"`
	LogicalNodes int            `json:"logical_nodes"`
}

// CheckCapacity reports whether a new logical node needing required fits on
// the physical host identified by physicalHostKey. Used capacity is the sum
// of every logical node in the group; the total comes from the node
// flagged as the physical host. A group without such a node is reported
// unavailable.
func (r *Registry) CheckCapacity(ctx context.Context, physicalHostKey string, required core.Resources) (CapacityResult, error) {
	if physicalHostKey == "" {
		return CapacityResult{}, core.NewValidationError("physical host id is required", nil)
	}
	nodes, err := r.store.ListNodes(ctx)
	if err != nil {
		return CapacityResult{}, fmt.Errorf("listing nodes: %w", err)
	}

	var (
		res  CapacityResult
		host *core.Node
	)
	for _, n := range nodes {
		if n.PhysicalHostID != physicalHostKey {
			continue
		}
		if n.IsPhysicalHost {
			if host == nil {
				host = n
			}
			continue
		}
		res.Used = res.Used.Add(n.Capacity)
		res.LogicalNodes++
	}
	if host == nil {
		res.Reason = fmt.Sprintf("no physical host registered for %q", physicalHostKey)
		return res, nil
	}

	res.PhysicalHost = host.Hostname
	res.Total = host.Capacity
	res.Free = res.Total.Sub(res.Used)

	switch {
	case required.CPUCores > res.Free.CPUCores:
		res.Reason = fmt.Sprintf("insufficient cpu: need %d cores, %d free", required.CPUCores, res.Free.CPUCores)
	case required.MemoryGB > res.Free.MemoryGB:
		res.Reason = fmt.Sprintf("insufficient memory: need %.1f GB, %.1f free", required.MemoryGB, res.Free.MemoryGB)
	case required.DiskGB > res.Free.DiskGB:
		res.Reason = fmt.Sprintf("insufficient disk: need %.1f GB, %.1f free", required.DiskGB, res.Free.DiskGB)
	default:
		res.Available = true
	}
	return res, nil
}
