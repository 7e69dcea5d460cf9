package topology

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"yqhp/topology-engine/pkg/types"
)

// Snapshot is an immutable, versioned view of the topology. It is undirected
// for connectivity and keeps directed profiles for cost queries.
type Snapshot struct {
	version uint64
	ids     []types.NodeID
	index   map[types.NodeID]int64

	edges     map[types.EdgeKey]types.ConnectionProfile
	neighbors map[int64][]int64
	graph     *simple.UndirectedGraph
}

// newSnapshot builds a snapshot. An edge referencing a node outside ids is a
// broken invariant and panics.
func newSnapshot(version uint64, ids []types.NodeID, profiles []types.ConnectionProfile) *Snapshot {
	sorted := append([]types.NodeID(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	s := &Snapshot{
		version:   version,
		ids:       sorted,
		index:     make(map[types.NodeID]int64, len(sorted)),
		edges:     make(map[types.EdgeKey]types.ConnectionProfile, len(profiles)),
		neighbors: make(map[int64][]int64, len(sorted)),
		graph:     simple.NewUndirectedGraph(),
	}
	for i, id := range sorted {
		s.index[id] = int64(i)
		s.graph.AddNode(simple.Node(int64(i)))
	}

	for _, c := range profiles {
		from, okFrom := s.index[c.From]
		to, okTo := s.index[c.To]
		if !okFrom || !okTo {
			panic(fmt.Sprintf("topology: edge %s references a node outside the vertex set", c.Key()))
		}
		if from == to {
			panic(fmt.Sprintf("topology: self loop on %s", c.From))
		}
		s.edges[c.Key()] = c
		if !s.graph.HasEdgeBetween(from, to) {
			s.graph.SetEdge(s.graph.NewEdge(simple.Node(from), simple.Node(to)))
			s.neighbors[from] = append(s.neighbors[from], to)
			s.neighbors[to] = append(s.neighbors[to], from)
		}
	}
	for k := range s.neighbors {
		ns := s.neighbors[k]
		sort.Slice(ns, func(i, j int) bool { return ns[i] < ns[j] })
	}
	return s
}

// Version returns the graph version the snapshot was taken at.
func (s *Snapshot) Version() uint64 {
	return s.version
}

// Len returns the number of vertices.
func (s *Snapshot) Len() int {
	return len(s.ids)
}

// Nodes returns the sorted vertex ids.
func (s *Snapshot) Nodes() []types.NodeID {
	return append([]types.NodeID(nil), s.ids...)
}

// Contains reports whether id is a vertex.
func (s *Snapshot) Contains(id types.NodeID) bool {
	_, ok := s.index[id]
	return ok
}

// Edge returns the directed profile from -> to.
func (s *Snapshot) Edge(from, to types.NodeID) (types.ConnectionProfile, bool) {
	c, ok := s.edges[types.EdgeKey{From: from, To: to}]
	return c, ok
}

// Edges returns every directed profile sorted by (from, to).
func (s *Snapshot) Edges() []types.ConnectionProfile {
	out := make([]types.ConnectionProfile, 0, len(s.edges))
	for _, c := range s.edges {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].To < out[j].To
	})
	return out
}

// Neighbors returns the ids adjacent to id in either direction.
func (s *Snapshot) Neighbors(id types.NodeID) []types.NodeID {
	i, ok := s.index[id]
	if !ok {
		return nil
	}
	out := make([]types.NodeID, 0, len(s.neighbors[i]))
	for _, n := range s.neighbors[i] {
		out = append(out, s.ids[n])
	}
	return out
}

// Connected reports whether a and b are reachable from each other, ignoring
// weights and direction.
func (s *Snapshot) Connected(a, b types.NodeID) bool {
	ia, okA := s.index[a]
	ib, okB := s.index[b]
	if !okA || !okB {
		return false
	}
	if ia == ib {
		return true
	}
	return topo.PathExistsIn(s.graph, simple.Node(ia), simple.Node(ib))
}

// Components returns the connected components, each sorted, ordered by their
// smallest id.
func (s *Snapshot) Components() [][]types.NodeID {
	comps := topo.ConnectedComponents(s.graph)
	out := make([][]types.NodeID, 0, len(comps))
	for _, comp := range comps {
		ids := make([]types.NodeID, 0, len(comp))
		for _, n := range comp {
			ids = append(ids, s.ids[n.ID()])
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		out = append(out, ids)
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}

// Restrict returns a snapshot holding only the vertices keep accepts and the
// edges between them.
func (s *Snapshot) Restrict(keep func(types.NodeID) bool) *Snapshot {
	ids := make([]types.NodeID, 0, len(s.ids))
	for _, id := range s.ids {
		if keep(id) {
			ids = append(ids, id)
		}
	}
	kept := make(map[types.NodeID]struct{}, len(ids))
	for _, id := range ids {
		kept[id] = struct{}{}
	}

	profiles := make([]types.ConnectionProfile, 0, len(s.edges))
	for key, c := range s.edges {
		_, okFrom := kept[key.From]
		_, okTo := kept[key.To]
		if okFrom && okTo {
			profiles = append(profiles, c)
		}
	}
	return newSnapshot(s.version, ids, profiles)
}

// traversal returns the profile used to move from -> to: the directed
// measurement if present, otherwise the reverse one.
func (s *Snapshot) traversal(from, to types.NodeID) (types.ConnectionProfile, bool) {
	if c, ok := s.edges[types.EdgeKey{From: from, To: to}]; ok {
		return c, true
	}
	c, ok := s.edges[types.EdgeKey{From: to, To: from}]
	return c, ok
}
