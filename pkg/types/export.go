package types

import "time"

// ClusterExport is the read-only diagnostic view of the cluster. It is a
// deep copy and holds no references into live state.
type ClusterExport struct {
	CoordinatorID string        `json:"coordinator_id"`
	Version       uint64        `json:"version"`
	GeneratedAt   time.Time     `json:"generated_at"`
	Nodes         []ExportNode  `json:"nodes"`
	Edges         []ExportEdge  `json:"edges"`
	Components    [][]NodeID    `json:"components"`
	Stats         ProfilerStats `json:"stats"`
}

// ExportNode flattens a node and its health state.
type ExportNode struct {
	ID           NodeID            `json:"id"`
	Role         NodeRole          `json:"role"`
	Address      string            `json:"address"`
	ComputeClass string            `json:"compute_class"`
	Capability   float64           `json:"capability"`
	MemoryBytes  int64             `json:"memory_bytes"`
	QueueDepth   int               `json:"queue_depth"`
	Load         float64           `json:"load"`
	Labels       map[string]string `json:"labels,omitempty"`
	State        MemberState       `json:"state"`
}

// ExportEdge flattens a fresh connection profile.
type ExportEdge struct {
	From        NodeID  `json:"from"`
	To          NodeID  `json:"to"`
	LatencyMS   float64 `json:"latency_ms"`
	Bandwidth   float64 `json:"bandwidth"`
	Loss        float64 `json:"loss"`
	Reliability float64 `json:"reliability"`
}

// ProfilerStats summarises the connection profiler.
type ProfilerStats struct {
	Edges        int     `json:"edges"`
	FreshEdges   int     `json:"fresh_edges"`
	StaleEdges   int     `json:"stale_edges"`
	Accepted     uint64  `json:"accepted"`
	Discarded    uint64  `json:"discarded"`
	LatencyP50MS float64 `json:"latency_p50_ms"`
	LatencyP95MS float64 `json:"latency_p95_ms"`
	LatencyP99MS float64 `json:"latency_p99_ms"`
}
