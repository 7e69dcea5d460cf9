package registry

import (
	"time"

	"yqhp/topology-engine/pkg/types"
)

// Snapshot is an immutable view of the registry. Accessors return copies.
type Snapshot struct {
	nodes   []*types.Node
	index   map[types.NodeID]int
	takenAt time.Time
}

func newSnapshot(nodes []*types.Node, takenAt time.Time) *Snapshot {
	index := make(map[types.NodeID]int, len(nodes))
	for i, n := range nodes {
		index[n.ID] = i
	}
	return &Snapshot{nodes: nodes, index: index, takenAt: takenAt}
}

// TakenAt returns when the snapshot was taken.
func (s *Snapshot) TakenAt() time.Time {
	return s.takenAt
}

// Len returns the number of nodes.
func (s *Snapshot) Len() int {
	return len(s.nodes)
}

// Contains reports whether the node was live when the snapshot was taken.
func (s *Snapshot) Contains(id types.NodeID) bool {
	_, ok := s.index[id]
	return ok
}

// Get returns a copy of the node.
func (s *Snapshot) Get(id types.NodeID) (*types.Node, bool) {
	i, ok := s.index[id]
	if !ok {
		return nil, false
	}
	return s.nodes[i].Clone(), true
}

// Nodes returns copies of all nodes sorted by id.
func (s *Snapshot) Nodes() []*types.Node {
	out := make([]*types.Node, len(s.nodes))
	for i, n := range s.nodes {
		out[i] = n.Clone()
	}
	return out
}

// IDs returns the sorted node ids.
func (s *Snapshot) IDs() []types.NodeID {
	out := make([]types.NodeID, len(s.nodes))
	for i, n := range s.nodes {
		out[i] = n.ID
	}
	return out
}

// Restrict returns a snapshot holding only the nodes for which keep returns true.
func (s *Snapshot) Restrict(keep func(types.NodeID) bool) *Snapshot {
	nodes := make([]*types.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		if keep(n.ID) {
			nodes = append(nodes, n)
		}
	}
	return newSnapshot(nodes, s.takenAt)
}
