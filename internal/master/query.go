package master

import (
	"context"
	"errors"
	"time"

	"yqhp/topology-engine/internal/metrics"
	"yqhp/topology-engine/internal/planner"
	"yqhp/topology-engine/internal/topology"
	"yqhp/topology-engine/pkg/types"
)

// View returns a registry snapshot and a topology snapshot over the same
// vertex set.
func (c *Coordinator) View() planner.ClusterView {
	nodes := c.registry.Snapshot()
	topo := c.graph.Snapshot()

	// a node registered or removed between the two reads is in only one of them
	topo = topo.Restrict(nodes.Contains)
	nodes = nodes.Restrict(topo.Contains)
	return planner.ClusterView{Nodes: nodes, Topology: topo}
}

// Nodes lists registered nodes matching filter, sorted by id.
func (c *Coordinator) Nodes(ctx context.Context, filter *types.NodeFilter) []*types.Node {
	return c.registry.List(ctx, filter)
}

// Node returns one registered node.
func (c *Coordinator) Node(ctx context.Context, id types.NodeID) (*types.Node, error) {
	return c.registry.Get(ctx, id)
}

// WatchNodes streams registry changes until ctx is done.
func (c *Coordinator) WatchNodes(ctx context.Context) <-chan *types.NodeEvent {
	return c.registry.Watch(ctx)
}

// WatchTransitions streams membership transitions until ctx is done.
func (c *Coordinator) WatchTransitions(ctx context.Context) <-chan *types.Transition {
	return c.monitor.Watch(ctx)
}

// Topology returns the current topology snapshot.
func (c *Coordinator) Topology() *topology.Snapshot {
	return c.View().Topology
}

// Connected reports whether a and b are reachable over fresh edges.
func (c *Coordinator) Connected(a, b types.NodeID) bool {
	return c.Topology().Connected(a, b)
}

// BestPath returns the cheapest path under the named metric. bytes is the
// payload size used by the transfer metric.
func (c *Coordinator) BestPath(from, to types.NodeID, metric string, bytes int64) (topology.Path, bool) {
	return c.Topology().BestPath(from, to, topology.CostByName(metric, bytes))
}

// Plan computes a route plan over a consistent view of the cluster.
func (c *Coordinator) Plan(ctx context.Context, req *types.PlanRequest) (*types.RoutePlan, error) {
	start := time.Now()
	plan, err := c.planner.Plan(ctx, c.View(), req)
	metrics.RecordPlan(planOutcome(err), time.Since(start))
	return plan, err
}

// PlanModel shards model into n stages and plans them.
func (c *Coordinator) PlanModel(ctx context.Context, model types.ModelSpec, n int, source types.NodeID) (*types.RoutePlan, error) {
	start := time.Now()
	plan, err := c.planner.PlanModel(ctx, c.View(), model, n, source)
	metrics.RecordPlan(planOutcome(err), time.Since(start))
	return plan, err
}

// Members returns the health state of every tracked node.
func (c *Coordinator) Members() []types.Member {
	return c.monitor.Members()
}

// Stats summarises the connection profiler.
func (c *Coordinator) Stats() types.ProfilerStats {
	return c.profiler.Stats()
}

func planOutcome(err error) string {
	switch {
	case err == nil:
		return metrics.PlanOK
	case errors.Is(err, types.ErrInfeasible):
		return metrics.PlanInfeasible
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return metrics.PlanCancelled
	default:
		return metrics.PlanError
	}
}
