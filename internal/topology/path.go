package topology

import (
	"container/heap"

	"yqhp/topology-engine/pkg/types"
)

// Path is a route through the snapshot.
type Path struct {
	Nodes []types.NodeID `json:"nodes"`
	Cost  float64        `json:"cost"`
}

// Hops returns the number of edges on the path.
func (p Path) Hops() int {
	if len(p.Nodes) == 0 {
		return 0
	}
	return len(p.Nodes) - 1
}

// Edges returns the traversed edges in order.
func (p Path) Edges() []types.EdgeKey {
	if len(p.Nodes) < 2 {
		return nil
	}
	out := make([]types.EdgeKey, 0, len(p.Nodes)-1)
	for i := 1; i < len(p.Nodes); i++ {
		out = append(out, types.EdgeKey{From: p.Nodes[i-1], To: p.Nodes[i]})
	}
	return out
}

// label orders candidate paths by cost, then hop count, then the
// lexicographic order of their id sequence. Extending two paths to the same
// vertex by the same edge preserves that order, which is what Dijkstra needs.
type label struct {
	cost float64
	path []int64
}

func (s *Snapshot) labelLess(a, b label) bool {
	if !costEqual(a.cost, b.cost) {
		return a.cost < b.cost
	}
	if len(a.path) != len(b.path) {
		return len(a.path) < len(b.path)
	}
	for i := range a.path {
		if a.path[i] != b.path[i] {
			// indices follow sorted id order
			return a.path[i] < b.path[i]
		}
	}
	return false
}

// BestPath returns the cheapest path from -> to under cost. Ties are broken
// by fewer hops, then by the lexicographically smallest id sequence. Each
// step uses the directed profile when measured and the reverse profile
// otherwise, so a path exists exactly when Connected(from, to) holds and
// cost is usable on every edge. Unknown endpoints have no path.
func (s *Snapshot) BestPath(from, to types.NodeID, cost CostFunc) (Path, bool) {
	src, okSrc := s.index[from]
	dst, okDst := s.index[to]
	if !okSrc || !okDst {
		return Path{}, false
	}
	if src == dst {
		return Path{Nodes: []types.NodeID{from}}, true
	}
	if cost == nil {
		cost = LatencyCost
	}

	best := map[int64]label{src: {path: []int64{src}}}
	settled := make(map[int64]bool, len(s.ids))
	pq := &labelQueue{snap: s}
	heap.Push(pq, queueItem{node: src, label: best[src]})

	for pq.Len() > 0 {
		item := heap.Pop(pq).(queueItem)
		u := item.node
		if settled[u] {
			continue
		}
		settled[u] = true
		if u == dst {
			return s.toPath(item.label), true
		}

		for _, v := range s.neighbors[u] {
			if settled[v] {
				continue
			}
			c, ok := s.traversal(s.ids[u], s.ids[v])
			if !ok {
				continue
			}
			w := cost(c)
			if !usableCost(w) {
				continue
			}
			path := make([]int64, len(item.label.path)+1)
			copy(path, item.label.path)
			path[len(path)-1] = v
			cand := label{cost: item.label.cost + w, path: path}

			if cur, seen := best[v]; !seen || s.labelLess(cand, cur) {
				best[v] = cand
				heap.Push(pq, queueItem{node: v, label: cand})
			}
		}
	}
	return Path{}, false
}

func (s *Snapshot) toPath(l label) Path {
	nodes := make([]types.NodeID, len(l.path))
	for i, n := range l.path {
		nodes[i] = s.ids[n]
	}
	return Path{Nodes: nodes, Cost: l.cost}
}

type queueItem struct {
	node  int64
	label label
}

type labelQueue struct {
	snap  *Snapshot
	items []queueItem
}

func (q *labelQueue) Len() int { return len(q.items) }

func (q *labelQueue) Less(i, j int) bool {
	return q.snap.labelLess(q.items[i].label, q.items[j].label)
}

func (q *labelQueue) Swap(i, j int) { q.items[i], q.items[j] = q.items[j], q.items[i] }

func (q *labelQueue) Push(x any) { q.items = append(q.items, x.(queueItem)) }

func (q *labelQueue) Pop() any {
	old := q.items
	n := len(old)
	item := old[n-1]
	q.items = old[:n-1]
	return item
}
