package master

import (
	"time"

	"github.com/jinzhu/copier"
	"go.uber.org/zap"

	"yqhp/topology-engine/pkg/types"
)

// Export builds a deep-copied diagnostic view of the cluster. Nothing in the
// result aliases live state.
func (c *Coordinator) Export() *types.ClusterExport {
	view := c.View()

	states := make(map[types.NodeID]types.MemberState)
	for _, m := range c.monitor.Members() {
		states[m.NodeID] = m.State
	}

	out := &types.ClusterExport{
		CoordinatorID: c.config.ID,
		Version:       view.Topology.Version(),
		GeneratedAt:   c.clock.Now(),
		Nodes:         make([]types.ExportNode, 0, view.Nodes.Len()),
		Edges:         make([]types.ExportEdge, 0),
		Components:    view.Topology.Components(),
		Stats:         c.profiler.Stats(),
	}

	for _, n := range view.Nodes.Nodes() {
		var en types.ExportNode
		if err := copier.CopyWithOption(&en, &n.Profile, copier.Option{DeepCopy: true}); err != nil {
			c.log.Warn("failed to copy node profile", zap.String("node_id", string(n.ID)), zap.Error(err))
			continue
		}
		en.ID = n.ID
		en.State = states[n.ID]
		out.Nodes = append(out.Nodes, en)
	}

	for _, e := range view.Topology.Edges() {
		var ee types.ExportEdge
		if err := copier.Copy(&ee, &e); err != nil {
			c.log.Warn("failed to copy edge", zap.String("edge", e.Key().String()), zap.Error(err))
			continue
		}
		ee.LatencyMS = float64(e.Latency) / float64(time.Millisecond)
		out.Edges = append(out.Edges, ee)
	}
	return out
}
