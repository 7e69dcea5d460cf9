package types

import "time"

// NodeID uniquely identifies a node. IDs are never reused within a process
// lifetime and are totally ordered by byte-wise string comparison.
type NodeID string

// String returns the id as a plain string.
func (id NodeID) String() string {
	return string(id)
}

// Less reports whether id sorts before other.
func (id NodeID) Less(other NodeID) bool {
	return id < other
}

// NodeRole defines the role of a node in the cluster.
type NodeRole string

const (
	// NodeRoleMaster coordinates the cluster.
	NodeRoleMaster NodeRole = "master"
	// NodeRoleWorker executes inference stages.
	NodeRoleWorker NodeRole = "worker"
)

// NodeProfile describes the compute resources a node advertises.
type NodeProfile struct {
	Role         NodeRole          `json:"role" yaml:"role"`
	Address      string            `json:"address,omitempty" yaml:"address"`
	ComputeClass string            `json:"compute_class,omitempty" yaml:"compute_class"`
	Capability   float64           `json:"capability" yaml:"capability"` // relative throughput, work units per second
	MemoryBytes  int64             `json:"memory_bytes" yaml:"memory_bytes"`
	QueueDepth   int               `json:"queue_depth" yaml:"queue_depth"`
	Load         float64           `json:"load" yaml:"load"` // 0.0 to 1.0
	Labels       map[string]string `json:"labels,omitempty" yaml:"labels"`
	ReportedAt   time.Time         `json:"reported_at,omitempty" yaml:"-"`
}

// Clone returns a copy of the profile that shares no mutable state.
func (p NodeProfile) Clone() NodeProfile {
	out := p
	if p.Labels != nil {
		out.Labels = make(map[string]string, len(p.Labels))
		for k, v := range p.Labels {
			out.Labels[k] = v
		}
	}
	return out
}

// Node is a registered node together with its latest profile.
type Node struct {
	ID           NodeID      `json:"id"`
	Profile      NodeProfile `json:"profile"`
	RegisteredAt time.Time   `json:"registered_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// Clone returns a deep copy of the node.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	out := *n
	out.Profile = n.Profile.Clone()
	return &out
}

// NodeFilter selects nodes from the registry. Zero-valued fields match everything.
type NodeFilter struct {
	Role         NodeRole
	ComputeClass string
	Labels       map[string]string
	IDs          []NodeID
}

// NodeEventType defines registry event types.
type NodeEventType string

const (
	// NodeEventRegistered indicates a node registered.
	NodeEventRegistered NodeEventType = "registered"
	// NodeEventUpdated indicates a node profile was replaced.
	NodeEventUpdated NodeEventType = "updated"
	// NodeEventRemoved indicates a node left the registry.
	NodeEventRemoved NodeEventType = "removed"
)

// NodeEvent is emitted by the registry on every membership change.
type NodeEvent struct {
	Type      NodeEventType `json:"type"`
	NodeID    NodeID        `json:"node_id"`
	Node      *Node         `json:"node,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}
