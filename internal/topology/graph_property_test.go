package topology

import (
	"fmt"
	"testing"
	"time"

	"pgregory.net/rapid"

	"yqhp/topology-engine/pkg/types"
)

// TestEdgeInvariantProperty applies random sequences of node additions,
// removals and probes and checks after every step that the snapshot holds
// exactly the edges between live nodes that were probed, and that a best
// path exists exactly when the endpoints are connected under every built-in
// metric, including over links with no bandwidth or total loss.
func TestEdgeInvariantProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		g, _ := newTestGraph()
		live := make(map[types.NodeID]bool)
		edges := make(map[types.EdgeKey]bool)
		next := 0

		steps := rapid.IntRange(1, 60).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			switch rapid.IntRange(0, 2).Draw(t, "op") {
			case 0:
				id := types.NodeID(fmt.Sprintf("n%02d", next))
				next++
				if err := g.AddNode(id); err != nil {
					t.Fatalf("add %s: %v", id, err)
				}
				live[id] = true
			case 1:
				if next == 0 {
					continue
				}
				id := types.NodeID(fmt.Sprintf("n%02d", rapid.IntRange(0, next-1).Draw(t, "victim")))
				_, err := g.RemoveNode(id)
				if live[id] != (err == nil) {
					t.Fatalf("remove %s: live=%v err=%v", id, live[id], err)
				}
				delete(live, id)
				for k := range edges {
					if k.From == id || k.To == id {
						delete(edges, k)
					}
				}
			case 2:
				if next < 2 {
					continue
				}
				from := types.NodeID(fmt.Sprintf("n%02d", rapid.IntRange(0, next-1).Draw(t, "from")))
				to := types.NodeID(fmt.Sprintf("n%02d", rapid.IntRange(0, next-1).Draw(t, "to")))
				bw := rapid.SampledFrom([]float64{0, 0.5, 100}).Draw(t, "bandwidth")
				p := link(from, to, rapid.IntRange(0, 50).Draw(t, "latency"), bw)
				p.Loss = rapid.SampledFrom([]float64{0, 0.25, 1}).Draw(t, "loss")
				p.Timestamp = epoch.Add(time.Duration(i) * time.Millisecond)
				_, _, err := g.AddOrUpdateEdge(p)
				ok := from != to && live[from] && live[to]
				if ok != (err == nil) {
					t.Fatalf("probe %s->%s: expected ok=%v, err=%v", from, to, ok, err)
				}
				if ok {
					edges[p.Key()] = true
				}
			}

			snap := g.Snapshot()
			if snap.Len() != len(live) {
				t.Fatalf("snapshot has %d nodes, want %d", snap.Len(), len(live))
			}
			got := snap.Edges()
			if len(got) != len(edges) {
				t.Fatalf("snapshot has %d edges, want %d", len(got), len(edges))
			}
			for _, e := range got {
				if !live[e.From] || !live[e.To] {
					t.Fatalf("edge %s references a removed node", e.Key())
				}
			}
		}

		metric := rapid.SampledFrom([]string{"latency", "hops", "transfer", "reliable"}).Draw(t, "metric")
		cost := CostByName(metric, rapid.Int64Range(0, 1<<40).Draw(t, "bytes"))
		snap := g.Snapshot()
		ids := snap.Nodes()
		for _, a := range ids {
			for _, b := range ids {
				_, found := snap.BestPath(a, b, cost)
				if found != snap.Connected(a, b) {
					t.Fatalf("%s path %s->%s found=%v but connected=%v", metric, a, b, found, snap.Connected(a, b))
				}
			}
		}
	})
}
