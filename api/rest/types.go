package rest

import (
	"time"

	"yqhp/topology-engine/internal/topology"
	"yqhp/topology-engine/pkg/types"
)

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// SuccessResponse represents a success response.
type SuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// HealthResponse represents a health check response.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadyResponse represents a readiness check response.
type ReadyResponse struct {
	Ready     bool   `json:"ready"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// RegisterRequest is sent by an agent joining the cluster. An empty NodeID
// is replaced by a generated one.
type RegisterRequest struct {
	NodeID  types.NodeID      `json:"node_id,omitempty"`
	Profile types.NodeProfile `json:"profile"`
}

// RegisterResponse confirms a registration.
type RegisterResponse struct {
	NodeID        types.NodeID `json:"node_id"`
	CoordinatorID string       `json:"coordinator_id"`
	RegisteredAt  time.Time    `json:"registered_at"`
}

// ProbeReportRequest carries a batch of probe results.
type ProbeReportRequest struct {
	Probes []types.ProbeResult `json:"probes"`
}

// ProbeRejection explains why one probe of a batch was not queued.
type ProbeRejection struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// ProbeReportResponse reports how much of a batch was queued.
type ProbeReportResponse struct {
	Accepted int              `json:"accepted"`
	Rejected []ProbeRejection `json:"rejected,omitempty"`
}

// NodeListResponse represents a list of nodes.
type NodeListResponse struct {
	Nodes []*types.Node `json:"nodes"`
	Total int           `json:"total"`
}

// EdgeResponse is a fresh directed connection.
type EdgeResponse struct {
	From        types.NodeID `json:"from"`
	To          types.NodeID `json:"to"`
	LatencyMS   float64      `json:"latency_ms"`
	Bandwidth   float64      `json:"bandwidth"`
	Loss        float64      `json:"loss"`
	Reliability float64      `json:"reliability"`
	Samples     int          `json:"samples"`
	MeasuredAt  time.Time    `json:"measured_at"`
}

// TopologyResponse is the current graph.
type TopologyResponse struct {
	Version    uint64           `json:"version"`
	Nodes      []types.NodeID   `json:"nodes"`
	Edges      []EdgeResponse   `json:"edges"`
	Components [][]types.NodeID `json:"components"`
}

// PathResponse is the result of a best path query. Found is false when the
// endpoints are not connected.
type PathResponse struct {
	From   types.NodeID    `json:"from"`
	To     types.NodeID    `json:"to"`
	Metric string          `json:"metric"`
	Found  bool            `json:"found"`
	Nodes  []types.NodeID  `json:"nodes,omitempty"`
	Edges  []types.EdgeKey `json:"edges,omitempty"`
	Hops   int             `json:"hops"`
	Cost   float64         `json:"cost"`
}

// ConnectedResponse is the result of a connectivity query.
type ConnectedResponse struct {
	A         types.NodeID `json:"a"`
	B         types.NodeID `json:"b"`
	Connected bool         `json:"connected"`
}

// PlanRequest asks for a route plan. Either Stages or Model is set; with a
// model the planner splits it into StageCount stages.
type PlanRequest struct {
	types.PlanRequest
	Model      *types.ModelSpec `json:"model,omitempty"`
	StageCount int              `json:"stage_count,omitempty"`
}

// PlanResponse wraps a route plan and, for model plans, its shard layout.
type PlanResponse struct {
	Plan   *types.RoutePlan        `json:"plan"`
	Shards *types.ShardAssignments `json:"shards,omitempty"`
}

// MemberListResponse represents membership states.
type MemberListResponse struct {
	Members []types.Member `json:"members"`
	Total   int            `json:"total"`
}

// StatsResponse summarises the coordinator.
type StatsResponse struct {
	CoordinatorID string              `json:"coordinator_id"`
	State         string              `json:"state"`
	Nodes         int                 `json:"nodes"`
	Members       map[string]int      `json:"members"`
	Profiler      types.ProfilerStats `json:"profiler"`
}

func toEdgeResponse(c types.ConnectionProfile) EdgeResponse {
	return EdgeResponse{
		From:        c.From,
		To:          c.To,
		LatencyMS:   float64(c.Latency) / float64(time.Millisecond),
		Bandwidth:   c.Bandwidth,
		Loss:        c.Loss,
		Reliability: c.Reliability,
		Samples:     c.Samples,
		MeasuredAt:  c.Timestamp,
	}
}

func toTopologyResponse(snap *topology.Snapshot) *TopologyResponse {
	edges := snap.Edges()
	resp := &TopologyResponse{
		Version:    snap.Version(),
		Nodes:      snap.Nodes(),
		Edges:      make([]EdgeResponse, len(edges)),
		Components: snap.Components(),
	}
	for i, e := range edges {
		resp.Edges[i] = toEdgeResponse(e)
	}
	return resp
}
