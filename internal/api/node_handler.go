package api

import (
	"context"
	"encoding/json"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/crawlodeployer/fleet/internal/core"
	"github.com/crawlodeployer/fleet/internal/registry"
)

// NodeRegistry is the registry surface the node endpoints use.
type NodeRegistry interface {
	Heartbeat(ctx context.Context, hostname string, info core.ResourceInfo) (*core.Node, error)
	MarkOffline(ctx context.Context, hostname string) (*core.Node, error)
	List(ctx context.Context) ([]*core.Node, error)
	ListOnline(ctx context.Context, f registry.Filter) ([]*core.Node, error)
	Get(ctx context.Context, id int64) (*core.Node, error)
	CheckCapacity(ctx context.Context, physicalHostKey string, required core.Resources) (registry.CapacityResult, error)
}

// NodeHandler serves /api/v1/nodes.
type NodeHandler struct {
	registry NodeRegistry
}

// NewNodeHandler creates a NodeHandler.
func NewNodeHandler(reg NodeRegistry) *NodeHandler {
	return &NodeHandler{registry: reg}
}

// heartbeatRequest is the JSON form of a heartbeat. Tags may be a list or a
// comma-separated string.
type heartbeatRequest struct {
	Hostname       string          `json:"hostname"`
	IP             string          `json:"ip"`
	OS             string          `json:"os"`
	Version        string          `json:"version"`
	PhysicalHostID string          `json:"physical_host_id"`
	ContainerID    string          `json:"container_id"`
	Tags           json.RawMessage `json:"tags"`
	CPUCores       int             `json:"cpu_cores"`
	MemoryGB       float64         `json:"memory_gb"`
	DiskGB         float64         `json:"disk_gb"`
	IsPhysicalHost bool            `json:"is_physical_host"`
	MaxConcurrency int             `json:"max_concurrency"`
}

// Heartbeat handles POST /api/v1/nodes/heartbeat.
func (h *NodeHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	hostname, info, err := parseHeartbeat(r)
	if err != nil {
		HandleError(w, err)
		return
	}
	node, err := h.registry.Heartbeat(r.Context(), hostname, info)
	if err != nil {
		HandleError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"node": node})
}

// Offline handles POST /api/v1/nodes/offline.
func (h *NodeHandler) Offline(w http.ResponseWriter, r *http.Request) {
	hostname, _, err := parseHeartbeat(r)
	if err != nil {
		HandleError(w, err)
		return
	}
	if hostname == "" {
		HandleError(w, core.NewInvalidRequestError("hostname is required", nil))
		return
	}
	node, err := h.registry.MarkOffline(r.Context(), hostname)
	if err != nil {
		HandleError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"node": node})
}

// List handles GET /api/v1/nodes. ?status=online restricts to ONLINE nodes,
// optionally narrowed by ?tag= and ?os=.
func (h *NodeHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		nodes []*core.Node
		err   error
	)
	if strings.EqualFold(q.Get("status"), string(core.NodeOnline)) || q.Get("tag") != "" || q.Get("os") != "" {
		f := registry.Filter{Tag: q.Get("tag")}
		if s := q.Get("os"); s != "" {
			f.OS = core.ParseOS(s)
		}
		nodes, err = h.registry.ListOnline(r.Context(), f)
	} else {
		nodes, err = h.registry.List(r.Context())
	}
	if err != nil {
		HandleError(w, core.NewInfrastructureError("listing nodes", err))
		return
	}
	if nodes == nil {
		nodes = []*core.Node{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"nodes": nodes, "count": len(nodes)})
}

// Get handles GET /api/v1/nodes/{id}.
func (h *NodeHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		HandleError(w, err)
		return
	}
	node, err := h.registry.Get(r.Context(), id)
	if err != nil {
		HandleError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"node": node})
}

type capacityRequest struct {
	PhysicalHostID string  `json:"physical_host_id"`
	CPUCores       int     `json:"cpu_cores"`
	MemoryGB       float64 `json:"memory_gb"`
	DiskGB         float64 `json:"disk_gb"`
}

// Capacity handles POST /api/v1/nodes/capacity.
func (h *NodeHandler) Capacity(w http.ResponseWriter, r *http.Request) {
	var req capacityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		HandleError(w, core.NewInvalidRequestError("request body is not valid JSON", map[string]any{"error": err.Error()}))
		return
	}
	res, err := h.registry.CheckCapacity(r.Context(), req.PhysicalHostID, core.Resources{
		CPUCores: req.CPUCores,
		MemoryGB: req.MemoryGB,
		DiskGB:   req.DiskGB,
	})
	if err != nil {
		HandleError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

func isJSON(r *http.Request) bool {
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return mt == "application/json"
}

// parseHeartbeat reads a heartbeat from a JSON or form body.
func parseHeartbeat(r *http.Request) (string, core.ResourceInfo, error) {
	if isJSON(r) {
		var req heartbeatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return "", core.ResourceInfo{}, core.NewInvalidRequestError("request body is not valid JSON",
				map[string]any{"error": err.Error()})
		}
		tags, err := decodeTags(req.Tags)
		if err != nil {
			return "", core.ResourceInfo{}, err
		}
		return strings.TrimSpace(req.Hostname), core.ResourceInfo{
			IP:             req.IP,
			OS:             parseOptionalOS(req.OS),
			Version:        req.Version,
			Capacity:       core.Resources{CPUCores: req.CPUCores, MemoryGB: req.MemoryGB, DiskGB: req.DiskGB},
			Tags:           tags,
			PhysicalHostID: req.PhysicalHostID,
			ContainerID:    req.ContainerID,
			IsPhysicalHost: req.IsPhysicalHost,
			MaxConcurrency: req.MaxConcurrency,
		}, nil
	}

	if err := r.ParseForm(); err != nil {
		return "", core.ResourceInfo{}, core.NewInvalidRequestError("malformed form body",
			map[string]any{"error": err.Error()})
	}
	f := formReader{r: r}
	info := core.ResourceInfo{
		IP:             r.PostFormValue("ip"),
		OS:             parseOptionalOS(r.PostFormValue("os")),
		Version:        r.PostFormValue("version"),
		Tags:           core.ParseTags(r.PostFormValue("tags")),
		PhysicalHostID: r.PostFormValue("physical_host_id"),
		ContainerID:    r.PostFormValue("container_id"),
		Capacity: core.Resources{
			CPUCores: f.intField("cpu_cores"),
			MemoryGB: f.floatField("memory_gb"),
			DiskGB:   f.floatField("disk_gb"),
		},
		IsPhysicalHost: f.boolField("is_physical_host"),
		MaxConcurrency: f.intField("max_concurrency"),
	}
	if f.err != nil {
		return "", core.ResourceInfo{}, f.err
	}
	return strings.TrimSpace(r.PostFormValue("hostname")), info, nil
}

func parseOptionalOS(s string) core.NodeOS {
	if strings.TrimSpace(s) == "" {
		return ""
	}
	return core.ParseOS(s)
}

func decodeTags(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return core.NormalizeTags(list), nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return core.ParseTags(s), nil
	}
	return nil, core.NewInvalidRequestError("tags must be a list or a comma-separated string", nil)
}

// formReader parses optional numeric form fields, keeping the first error.
type formReader struct {
	r   *http.Request
	err error
}

func (f *formReader) value(key string) string {
	return strings.TrimSpace(f.r.PostFormValue(key))
}

func (f *formReader) fail(key, v string) {
	if f.err == nil {
		f.err = core.NewInvalidRequestError("invalid value for "+key, map[string]any{key: v})
	}
}

func (f *formReader) intField(key string) int {
	v := f.value(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		f.fail(key, v)
	}
	return n
}

func (f *formReader) floatField(key string) float64 {
	v := f.value(key)
	if v == "" {
		return 0
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		f.fail(key, v)
	}
	return n
}

func (f *formReader) boolField(key string) bool {
	v := f.value(key)
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		f.fail(key, v)
	}
	return b
}
