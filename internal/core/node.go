package core

import (
	"sort"
	"strings"
	"time"
)

// NodeStatus is the liveness state of a worker node.
type NodeStatus string

const (
	NodeOnline  NodeStatus = "ONLINE"
	NodeOffline NodeStatus = "OFFLINE"
)

// NodeOS identifies the worker's operating system family.
type NodeOS string

const (
	OSLinux   NodeOS = "LINUX"
	OSWindows NodeOS = "WINDOWS"
	OSMacOS   NodeOS = "MACOS"
	OSUnknown NodeOS = "UNKNOWN"
)

// ParseOS normalises a free-form OS name (as reported by runtime.GOOS or
// platform.system()) into a NodeOS.
func ParseOS(s string) NodeOS {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LINUX":
		return OSLinux
	case "WINDOWS":
		return OSWindows
	case "MACOS", "DARWIN":
		return OSMacOS
	default:
		return OSUnknown
	}
}

// Resources describes cpu, memory and disk, either as a capacity or as usage.
type Resources struct {
	CPUCores int     `json:"cpu_cores"`
	MemoryGB float64 `json:"memory_gb"`
	DiskGB   float64 `json:"disk_gb"`
}

// Add returns the component-wise sum.
func (r Resources) Add(o Resources) Resources {
	return Resources{
		CPUCores: r.CPUCores + o.CPUCores,
		MemoryGB: r.MemoryGB + o.MemoryGB,
		DiskGB:   r.DiskGB + o.DiskGB,
	}
}

// Sub returns the component-wise difference.
func (r Resources) Sub(o Resources) Resources {
	return Resources{
		CPUCores: r.CPUCores - o.CPUCores,
		MemoryGB: r.MemoryGB - o.MemoryGB,
		DiskGB:   r.DiskGB - o.DiskGB,
	}
}

// ResourceInfo is what a node reports about itself when it registers.
type ResourceInfo struct {
	IP             string    `json:"ip,omitempty"`
	OS             NodeOS    `json:"os,omitempty"`
	Version        string    `json:"version,omitempty"`
	Capacity       Resources `json:"capacity"`
	Tags           []string  `json:"tags,omitempty"`
	PhysicalHostID string    `json:"physical_host_id,omitempty"`
	ContainerID    string    `json:"container_id,omitempty"`
	IsPhysicalHost bool      `json:"is_physical_host,omitempty"`
	MaxConcurrency int       `json:"max_concurrency,omitempty"`
}

// Node is a worker machine, or a logical slice of one.
//
// For logical nodes sharing a physical host, Capacity is the slice of the
// host the node consumes. The node flagged IsPhysicalHost describes the
// whole machine.
type Node struct {
	ID             int64      `json:"id"`
	Hostname       string     `json:"hostname"`
	IP             string     `json:"ip,omitempty"`
	OS             NodeOS     `json:"os"`
	Version        string     `json:"version,omitempty"`
	Status         NodeStatus `json:"status"`
	LastHeartbeat  time.Time  `json:"last_heartbeat,omitempty"`
	Capacity       Resources  `json:"capacity"`
	Tags           []string   `json:"tags,omitempty"`
	PhysicalHostID string     `json:"physical_host_id,omitempty"`
	ContainerID    string     `json:"container_id,omitempty"`
	IsPhysicalHost bool       `json:"is_physical_host"`
	MaxConcurrency int        `json:"max_concurrency"`
	RegisteredAt   time.Time  `json:"registered_at"`
}

// Online reports whether the node is currently ONLINE.
func (n *Node) Online() bool { return n.Status == NodeOnline }

// HasTag reports whether tag is one of the node's tags. Matching is exact
// and case-insensitive.
func (n *Node) HasTag(tag string) bool {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if tag == "" {
		return false
	}
	for _, t := range n.Tags {
		if strings.ToLower(t) == tag {
			return true
		}
	}
	return false
}

// Apply copies registration metadata onto the node. Empty fields in info
// leave the existing values alone so partial heartbeats don't wipe state.
func (n *Node) Apply(info ResourceInfo) {
	if info.IP != "" {
		n.IP = info.IP
	}
	if info.OS != "" {
		n.OS = info.OS
	}
	if info.Version != "" {
		n.Version = info.Version
	}
	if info.Capacity != (Resources{}) {
		n.Capacity = info.Capacity
	}
	if info.Tags != nil {
		n.Tags = NormalizeTags(info.Tags)
	}
	if info.PhysicalHostID != "" {
		n.PhysicalHostID = info.PhysicalHostID
	}
	if info.ContainerID != "" {
		n.ContainerID = info.ContainerID
	}
	if info.IsPhysicalHost {
		n.IsPhysicalHost = true
	}
	if info.MaxConcurrency > 0 {
		n.MaxConcurrency = info.MaxConcurrency
	}
}

// ParseTags splits a comma separated tag string such as "gpu, proxy".
func ParseTags(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return NormalizeTags(strings.Split(s, ","))
}

// NormalizeTags trims, lowercases, dedupes and sorts tags.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
