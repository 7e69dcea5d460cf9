package types

// StageDemand describes the resources one pipeline stage needs.
type StageDemand struct {
	Role          string  `json:"role"`
	MemoryBytes   int64   `json:"memory_bytes"`
	MinCapability float64 `json:"min_capability,omitempty"`
	ComputeClass  string  `json:"compute_class,omitempty"`
	Work          float64 `json:"work"`         // work units; compute cost is Work / Capability
	OutputBytes   int64   `json:"output_bytes"` // transferred to the next stage
	LayerStart    int     `json:"layer_start,omitempty"`
	LayerEnd      int     `json:"layer_end,omitempty"` // exclusive
}

// PlanRequest asks the planner to place an ordered pipeline of stages.
type PlanRequest struct {
	ModelID    string        `json:"model_id"`
	Source     NodeID        `json:"source,omitempty"`
	InputBytes int64         `json:"input_bytes,omitempty"`
	Candidates []NodeID      `json:"candidates,omitempty"` // nil means every live node
	Stages     []StageDemand `json:"stages"`
}

// StagePlacement assigns one stage to a node.
type StagePlacement struct {
	Stage  int     `json:"stage"`
	Role   string  `json:"role"`
	NodeID NodeID  `json:"node_id"`
	Cost   float64 `json:"cost"`
}

// Route is the selected path between two consecutive placements.
type Route struct {
	FromStage int       `json:"from_stage"` // -1 for the request source
	ToStage   int       `json:"to_stage"`
	Path      []NodeID  `json:"path"`
	Edges     []EdgeKey `json:"edges"`
	Cost      float64   `json:"cost"`
}

// RoutePlan is an immutable placement decision. Re-planning yields a new value.
type RoutePlan struct {
	ID              string           `json:"id"`
	ModelID         string           `json:"model_id"`
	SnapshotVersion uint64           `json:"snapshot_version"`
	Placements      []StagePlacement `json:"placements"`
	Routes          []Route          `json:"routes"`
	ComputeCost     float64          `json:"compute_cost"`
	TransferCost    float64          `json:"transfer_cost"`
	TotalCost       float64          `json:"total_cost"`
	Layers          []LayerRange     `json:"layers,omitempty"`
}

// Nodes returns the node sequence of the placements.
func (p *RoutePlan) Nodes() []NodeID {
	out := make([]NodeID, len(p.Placements))
	for i, pl := range p.Placements {
		out[i] = pl.NodeID
	}
	return out
}

// LayerRange is a contiguous, end-exclusive range of model layers.
type LayerRange struct {
	Stage int `json:"stage"`
	Start int `json:"start"`
	End   int `json:"end"`
}

// ModelSpec describes a layered model to be split into pipeline stages.
type ModelSpec struct {
	ID              string  `json:"id"`
	Layers          int     `json:"layers"`
	BytesPerLayer   int64   `json:"bytes_per_layer"`
	WorkPerLayer    float64 `json:"work_per_layer"`
	ActivationBytes int64   `json:"activation_bytes"`
	ComputeClass    string  `json:"compute_class,omitempty"`
}

// ShardAssignments maps each node to the layer ranges it serves for a model.
type ShardAssignments struct {
	ModelID string                  `json:"model_id"`
	ByNode  map[NodeID][]LayerRange `json:"by_node"`
}
