package planner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"yqhp/topology-engine/internal/clock"
	"yqhp/topology-engine/internal/profiler"
	"yqhp/topology-engine/internal/registry"
	"yqhp/topology-engine/internal/topology"
	"yqhp/topology-engine/pkg/types"
)

const gib = int64(1) << 30

var epoch = time.Unix(1700000000, 0)

type testCluster struct {
	reg   *registry.Registry
	graph *topology.Graph
}

func newTestCluster() *testCluster {
	fc := clock.NewFake(epoch)
	return &testCluster{
		reg:   registry.New(registry.WithClock(fc), registry.WithLogger(zap.NewNop())),
		graph: topology.NewGraph(profiler.New(profiler.Config{StaleAfter: time.Minute}, fc)),
	}
}

func (c *testCluster) node(t *testing.T, id types.NodeID, capability float64, mem int64, load float64) {
	t.Helper()
	require.NoError(t, c.reg.Register(context.Background(), id, types.NodeProfile{
		Role:         types.NodeRoleWorker,
		ComputeClass: "gpu",
		Capability:   capability,
		MemoryBytes:  mem,
		Load:         load,
	}))
	require.NoError(t, c.graph.AddNode(id))
}

func (c *testCluster) link(t *testing.T, from, to types.NodeID, latencyMS int, bw float64) {
	t.Helper()
	_, _, err := c.graph.AddOrUpdateEdge(types.ProbeResult{
		From:      from,
		To:        to,
		Latency:   time.Duration(latencyMS) * time.Millisecond,
		Bandwidth: bw,
		Timestamp: epoch,
	})
	require.NoError(t, err)
}

func (c *testCluster) view() ClusterView {
	return ClusterView{Nodes: c.reg.Snapshot(), Topology: c.graph.Snapshot()}
}

func newTestPlanner() *Planner {
	return New(DefaultConfig())
}

func TestPlanSingleStagePicksFastestNode(t *testing.T) {
	c := newTestCluster()
	c.node(t, "slow", 1, 8*gib, 0)
	c.node(t, "fast", 4, 8*gib, 0)

	plan, err := newTestPlanner().Plan(context.Background(), c.view(), &types.PlanRequest{
		ModelID: "m",
		Stages:  []types.StageDemand{{Role: "all", MemoryBytes: gib, Work: 8}},
	})
	require.NoError(t, err)
	assert.Equal(t, []types.NodeID{"fast"}, plan.Nodes())
	assert.InDelta(t, 2.0, plan.TotalCost, 1e-9)
	assert.Empty(t, plan.Routes)
	assert.NotEmpty(t, plan.ID)
}

func TestPlanInfeasibleMemory(t *testing.T) {
	c := newTestCluster()
	c.node(t, "a", 1, 4*gib, 0)
	c.node(t, "b", 1, 8*gib, 0)

	_, err := newTestPlanner().Plan(context.Background(), c.view(), &types.PlanRequest{
		Stages: []types.StageDemand{{Role: "huge", MemoryBytes: 16 * gib}},
	})
	assert.ErrorIs(t, err, types.ErrInfeasible)
}

func TestPlanInfeasibleRequests(t *testing.T) {
	c := newTestCluster()
	c.node(t, "a", 1, 4*gib, 0)
	p := newTestPlanner()
	ctx := context.Background()

	_, err := p.Plan(ctx, c.view(), nil)
	assert.ErrorIs(t, err, types.ErrInfeasible, "nil request")

	_, err = p.Plan(ctx, c.view(), &types.PlanRequest{})
	assert.ErrorIs(t, err, types.ErrInfeasible, "zero stages")

	_, err = p.Plan(ctx, c.view(), &types.PlanRequest{
		Candidates: []types.NodeID{},
		Stages:     []types.StageDemand{{MemoryBytes: 1}},
	})
	assert.ErrorIs(t, err, types.ErrInfeasible, "zero candidate nodes")

	_, err = p.Plan(ctx, c.view(), &types.PlanRequest{
		Stages: []types.StageDemand{{MemoryBytes: 1, ComputeClass: "npu"}},
	})
	assert.ErrorIs(t, err, types.ErrInfeasible, "compute class")

	_, err = p.Plan(ctx, c.view(), &types.PlanRequest{
		Stages: []types.StageDemand{{MemoryBytes: 1, MinCapability: 2}},
	})
	assert.ErrorIs(t, err, types.ErrInfeasible, "capability")

	_, err = p.Plan(ctx, c.view(), &types.PlanRequest{
		Source: "gone",
		Stages: []types.StageDemand{{MemoryBytes: 1}},
	})
	assert.ErrorIs(t, err, types.ErrInfeasible, "unknown source")

	empty := newTestCluster()
	_, err = p.Plan(ctx, empty.view(), &types.PlanRequest{Stages: []types.StageDemand{{MemoryBytes: 1}}})
	assert.ErrorIs(t, err, types.ErrInfeasible, "empty cluster")
}

func TestPlanLoadTieBreak(t *testing.T) {
	c := newTestCluster()
	c.node(t, "a", 2, 8*gib, 0.9)
	c.node(t, "b", 2, 8*gib, 0.1)

	plan, err := newTestPlanner().Plan(context.Background(), c.view(), &types.PlanRequest{
		Stages: []types.StageDemand{{Role: "all", MemoryBytes: gib, Work: 4}},
	})
	require.NoError(t, err)
	assert.Equal(t, []types.NodeID{"b"}, plan.Nodes())
}

func TestPlanTwoStagesRespectsMemory(t *testing.T) {
	c := newTestCluster()
	c.node(t, "a", 10, 6*gib, 0)
	c.node(t, "b", 1, 6*gib, 0)
	c.link(t, "a", "b", 1, 1000)

	// both stages fit a alone individually but not together
	plan, err := newTestPlanner().Plan(context.Background(), c.view(), &types.PlanRequest{
		Stages: []types.StageDemand{
			{Role: "head", MemoryBytes: 4 * gib, Work: 10, OutputBytes: 1000},
			{Role: "tail", MemoryBytes: 4 * gib, Work: 1},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []types.NodeID{"a", "b"}, plan.Nodes())
	require.Len(t, plan.Routes, 1)
	assert.Equal(t, []types.NodeID{"a", "b"}, plan.Routes[0].Path)
	assert.Equal(t, []types.EdgeKey{{From: "a", To: "b"}}, plan.Routes[0].Edges)
	assert.InDelta(t, plan.ComputeCost+plan.TransferCost, plan.TotalCost, 1e-12)
}

func TestPlanColocatesWhenMemoryAllows(t *testing.T) {
	c := newTestCluster()
	c.node(t, "a", 10, 16*gib, 0)
	c.node(t, "b", 10, 16*gib, 0.5)
	c.link(t, "a", "b", 50, 10)

	plan, err := newTestPlanner().Plan(context.Background(), c.view(), &types.PlanRequest{
		Stages: []types.StageDemand{
			{Role: "head", MemoryBytes: 4 * gib, Work: 10, OutputBytes: 1 << 20},
			{Role: "tail", MemoryBytes: 4 * gib, Work: 10},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []types.NodeID{"a", "a"}, plan.Nodes())
	assert.Zero(t, plan.TransferCost)
}

func TestPlanRoutesThroughRelay(t *testing.T) {
	c := newTestCluster()
	c.node(t, "src", 0, 0, 0)
	c.node(t, "relay", 0, 0, 0)
	c.node(t, "gpu", 10, 16*gib, 0)
	c.link(t, "src", "relay", 1, 1000)
	c.link(t, "relay", "gpu", 1, 1000)

	plan, err := newTestPlanner().Plan(context.Background(), c.view(), &types.PlanRequest{
		Source:     "src",
		InputBytes: 1000,
		Stages:     []types.StageDemand{{Role: "all", MemoryBytes: gib, Work: 1}},
	})
	require.NoError(t, err)
	assert.Equal(t, []types.NodeID{"gpu"}, plan.Nodes())
	require.Len(t, plan.Routes, 1)
	assert.Equal(t, -1, plan.Routes[0].FromStage)
	assert.Equal(t, []types.NodeID{"src", "relay", "gpu"}, plan.Routes[0].Path)
}

func TestPlanDisconnectedIsInfeasible(t *testing.T) {
	c := newTestCluster()
	c.node(t, "a", 1, 4*gib, 0)
	c.node(t, "b", 1, 4*gib, 0)

	_, err := newTestPlanner().Plan(context.Background(), c.view(), &types.PlanRequest{
		Stages: []types.StageDemand{
			{Role: "head", MemoryBytes: 3 * gib, Work: 1, OutputBytes: 10},
			{Role: "tail", MemoryBytes: 3 * gib, Work: 1},
		},
	})
	assert.ErrorIs(t, err, types.ErrInfeasible)
}

func TestPlanOverZeroBandwidthLink(t *testing.T) {
	c := newTestCluster()
	c.node(t, "a", 1, 4*gib, 0)
	c.node(t, "b", 1, 4*gib, 0)
	c.link(t, "a", "b", 1, 0)

	plan, err := newTestPlanner().Plan(context.Background(), c.view(), &types.PlanRequest{
		Stages: []types.StageDemand{
			{Role: "head", MemoryBytes: 3 * gib, Work: 1, OutputBytes: 10},
			{Role: "tail", MemoryBytes: 3 * gib, Work: 1},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []types.NodeID{"a", "b"}, plan.Nodes())
	require.Len(t, plan.Routes, 1)
	assert.Greater(t, plan.TransferCost, 1.0)
}

func TestPlanCancelled(t *testing.T) {
	c := newTestCluster()
	ids := []types.NodeID{"n0", "n1", "n2", "n3", "n4", "n5", "n6", "n7"}
	for _, id := range ids {
		c.node(t, id, 1, 64*gib, 0)
	}
	for i := range ids {
		for j := range ids {
			if i != j {
				c.link(t, ids[i], ids[j], 1, 1000)
			}
		}
	}
	stages := make([]types.StageDemand, 8)
	for i := range stages {
		stages[i] = types.StageDemand{MemoryBytes: 1}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(Config{}).Plan(ctx, c.view(), &types.PlanRequest{Stages: stages})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPlanBudgetExhausted(t *testing.T) {
	c := newTestCluster()
	c.node(t, "a", 1, gib, 0)

	_, err := New(Config{MaxExpansions: 1}).Plan(context.Background(), c.view(), &types.PlanRequest{
		Stages: []types.StageDemand{{MemoryBytes: 1}, {MemoryBytes: 1}},
	})
	assert.ErrorIs(t, err, types.ErrInfeasible)
}

func TestStagesForModel(t *testing.T) {
	model := types.ModelSpec{
		ID:              "llama",
		Layers:          10,
		BytesPerLayer:   100,
		WorkPerLayer:    2,
		ActivationBytes: 64,
	}

	stages, err := StagesForModel(model, 3)
	require.NoError(t, err)
	require.Len(t, stages, 3)
	assert.Equal(t, 0, stages[0].LayerStart)
	assert.Equal(t, 4, stages[0].LayerEnd)
	assert.Equal(t, int64(400), stages[0].MemoryBytes)
	assert.Equal(t, 4, stages[1].LayerStart)
	assert.Equal(t, 7, stages[1].LayerEnd)
	assert.Equal(t, 10, stages[2].LayerEnd)
	assert.Equal(t, 6.0, stages[2].Work)

	_, err = StagesForModel(model, 0)
	assert.Error(t, err)
	_, err = StagesForModel(model, 11)
	assert.Error(t, err)
}

func TestPlanModelShardAssignments(t *testing.T) {
	c := newTestCluster()
	c.node(t, "a", 10, 500, 0)
	c.node(t, "b", 10, 500, 0)
	c.link(t, "a", "b", 1, 1000)

	model := types.ModelSpec{ID: "m", Layers: 8, BytesPerLayer: 100, WorkPerLayer: 1, ActivationBytes: 10}
	plan, err := newTestPlanner().PlanModel(context.Background(), c.view(), model, 2, "")
	require.NoError(t, err)

	shards := ShardAssignments(plan)
	assert.Equal(t, "m", shards.ModelID)
	assert.Len(t, shards.ByNode, 2)
	assert.Equal(t, []types.LayerRange{{Stage: 0, Start: 0, End: 4}}, shards.ByNode["a"])
	assert.Equal(t, []types.LayerRange{{Stage: 1, Start: 4, End: 8}}, shards.ByNode["b"])
}
