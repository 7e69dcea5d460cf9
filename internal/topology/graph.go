// Package topology maintains the live cluster graph. Vertices are the live
// nodes, kept in an arena indexed by slot; edges are the fresh connection
// profiles of the underlying edge store. Readers work on immutable,
// versioned snapshots.
//
// Lock order: graph index, then vertices in ascending slot order, then the
// edge store. Edge writers hold read locks on both endpoints; node removal
// holds the vertex write lock while it drops incident edges, so no reader
// or writer can see an edge to a node that is gone.
package topology

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"yqhp/topology-engine/pkg/logger"
	"yqhp/topology-engine/pkg/types"
)

// EdgeStore is the source of connection profiles.
type EdgeStore interface {
	RecordProbe(probe types.ProbeResult) (types.ConnectionProfile, bool, error)
	Get(from, to types.NodeID) (types.ConnectionProfile, types.EdgeStatus)
	Fresh() []types.ConnectionProfile
	ForgetNode(id types.NodeID) int
}

// Graph is the mutable topology.
type Graph struct {
	mu    sync.RWMutex
	index map[types.NodeID]int
	slots []*vertex

	edges   EdgeStore
	version atomic.Uint64
	log     *zap.Logger
}

type vertex struct {
	mu    sync.RWMutex
	id    types.NodeID
	slot  int
	alive bool
}

// NewGraph creates an empty graph backed by the given edge store.
func NewGraph(edges EdgeStore) *Graph {
	return &Graph{
		index: make(map[types.NodeID]int),
		edges: edges,
		log:   logger.Named("topology"),
	}
}

// Version returns the current mutation counter.
func (g *Graph) Version() uint64 {
	return g.version.Load()
}

// AddNode adds a vertex.
func (g *Graph) AddNode(id types.NodeID) error {
	if id == "" {
		return fmt.Errorf("node id cannot be empty")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.index[id]; exists {
		return fmt.Errorf("%w: %s", types.ErrAlreadyRegistered, id)
	}
	slot := len(g.slots)
	g.slots = append(g.slots, &vertex{id: id, slot: slot, alive: true})
	g.index[id] = slot
	g.version.Add(1)
	return nil
}

// RemoveNode removes a vertex together with every incident edge. It returns
// the number of edges dropped.
func (g *Graph) RemoveNode(id types.NodeID) (int, error) {
	v := g.lookup(id)
	if v == nil {
		return 0, fmt.Errorf("%w: %s", types.ErrNotFound, id)
	}

	v.mu.Lock()
	if !v.alive {
		v.mu.Unlock()
		return 0, fmt.Errorf("%w: %s", types.ErrNotFound, id)
	}
	v.alive = false
	dropped := g.edges.ForgetNode(id)
	v.mu.Unlock()

	g.mu.Lock()
	delete(g.index, id)
	g.slots[v.slot] = nil
	g.mu.Unlock()

	g.version.Add(1)
	g.log.Debug("vertex removed", zap.String("node_id", string(id)), zap.Int("edges", dropped))
	return dropped, nil
}

// Contains reports whether the vertex is live.
func (g *Graph) Contains(id types.NodeID) bool {
	v := g.lookup(id)
	if v == nil {
		return false
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.alive
}

// AddOrUpdateEdge records a probe for an edge between two live vertices.
func (g *Graph) AddOrUpdateEdge(probe types.ProbeResult) (types.ConnectionProfile, bool, error) {
	if probe.From == probe.To {
		return types.ConnectionProfile{}, false, fmt.Errorf("%w: %s", types.ErrSelfLoop, probe.From)
	}

	unlock, err := g.lockPair(probe.From, probe.To)
	if err != nil {
		return types.ConnectionProfile{}, false, err
	}
	defer unlock()

	c, applied, err := g.edges.RecordProbe(probe)
	if err != nil {
		return c, false, err
	}
	if applied {
		g.version.Add(1)
	}
	return c, applied, nil
}

// EdgeView returns the fresh profile of the directed edge between live vertices.
func (g *Graph) EdgeView(from, to types.NodeID) (types.ConnectionProfile, bool) {
	if from == to {
		return types.ConnectionProfile{}, false
	}
	unlock, err := g.lockPair(from, to)
	if err != nil {
		return types.ConnectionProfile{}, false
	}
	defer unlock()

	c, status := g.edges.Get(from, to)
	if !status.Usable() {
		return types.ConnectionProfile{}, false
	}
	return c, true
}

// Snapshot returns an immutable view of the live vertices and fresh edges.
func (g *Graph) Snapshot() *Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()

	held := make([]*vertex, 0, len(g.index))
	for _, v := range g.slots {
		if v == nil {
			continue
		}
		v.mu.RLock()
		held = append(held, v)
	}
	defer func() {
		for _, v := range held {
			v.mu.RUnlock()
		}
	}()

	ids := make([]types.NodeID, 0, len(held))
	for _, v := range held {
		if v.alive {
			ids = append(ids, v.id)
		}
	}
	return newSnapshot(g.version.Load(), ids, g.edges.Fresh())
}

// Connected reports reachability on a fresh snapshot.
func (g *Graph) Connected(a, b types.NodeID) bool {
	return g.Snapshot().Connected(a, b)
}

// BestPath computes the cheapest path on a fresh snapshot.
func (g *Graph) BestPath(from, to types.NodeID, cost CostFunc) (Path, bool) {
	return g.Snapshot().BestPath(from, to, cost)
}

func (g *Graph) lookup(id types.NodeID) *vertex {
	g.mu.RLock()
	defer g.mu.RUnlock()
	slot, ok := g.index[id]
	if !ok {
		return nil
	}
	return g.slots[slot]
}

// lockPair read-locks both endpoints in slot order and checks they are live.
func (g *Graph) lockPair(a, b types.NodeID) (func(), error) {
	va, vb := g.lookup(a), g.lookup(b)
	if va == nil {
		return nil, fmt.Errorf("%w: %s", types.ErrNotFound, a)
	}
	if vb == nil {
		return nil, fmt.Errorf("%w: %s", types.ErrNotFound, b)
	}

	first, second := va, vb
	if second.slot < first.slot {
		first, second = second, first
	}
	first.mu.RLock()
	second.mu.RLock()
	unlock := func() {
		second.mu.RUnlock()
		first.mu.RUnlock()
	}

	if !va.alive {
		unlock()
		return nil, fmt.Errorf("%w: %s", types.ErrNotFound, a)
	}
	if !vb.alive {
		unlock()
		return nil, fmt.Errorf("%w: %s", types.ErrNotFound, b)
	}
	return unlock, nil
}
