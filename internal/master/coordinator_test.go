package master

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/topology-engine/internal/clock"
	"yqhp/topology-engine/internal/health"
	"yqhp/topology-engine/internal/profiler"
	"yqhp/topology-engine/pkg/types"
)

const gib = int64(1) << 30

var epoch = time.Unix(1700000000, 0)

func newTestCoordinator(t *testing.T, opts ...Option) (*Coordinator, *clock.Fake) {
	t.Helper()
	fc := clock.NewFake(epoch)
	cfg := &Config{
		ID:         "test-coordinator",
		Lanes:      4,
		LaneBuffer: 16,
		Profiler:   profiler.Config{StaleAfter: 30 * time.Second, ReliabilityAlpha: 0.3},
		Health: health.Config{
			HeartbeatInterval:  5 * time.Second,
			SuspectAfterMissed: 3,
			FailureTimeout:     30 * time.Second,
			CheckInterval:      time.Hour,
		},
	}
	return New(cfg, append([]Option{WithClock(fc)}, opts...)...), fc
}

func register(t *testing.T, c *Coordinator, id types.NodeID, capability float64, mem int64) {
	t.Helper()
	require.NoError(t, c.Apply(context.Background(), types.Event{
		Type:   types.EventRegister,
		NodeID: id,
		Profile: &types.NodeProfile{
			Role:        types.NodeRoleWorker,
			Address:     string(id) + ":9000",
			Capability:  capability,
			MemoryBytes: mem,
			Labels:      map[string]string{"zone": "a"},
		},
	}))
}

func probe(t *testing.T, c *Coordinator, fc *clock.Fake, from, to types.NodeID, latency time.Duration) {
	t.Helper()
	require.NoError(t, c.Apply(context.Background(), types.Event{
		Type:   types.EventProbe,
		NodeID: from,
		Probe: &types.ProbeResult{
			From:      from,
			To:        to,
			Latency:   latency,
			Bandwidth: 1000,
			Timestamp: fc.Now(),
		},
	}))
}

func TestScenarioRemoveBridgeNode(t *testing.T) {
	c, fc := newTestCoordinator(t)
	ctx := context.Background()

	register(t, c, "A", 1, gib)
	register(t, c, "B", 1, gib)
	register(t, c, "C", 1, gib)
	probe(t, c, fc, "A", "B", 2*time.Millisecond)
	probe(t, c, fc, "B", "C", 3*time.Millisecond)

	assert.True(t, c.Connected("A", "C"))
	path, ok := c.BestPath("A", "C", "latency", 0)
	require.True(t, ok)
	assert.Equal(t, []types.NodeID{"A", "B", "C"}, path.Nodes)

	require.NoError(t, c.Apply(ctx, types.Event{Type: types.EventLeave, NodeID: "B"}))

	assert.False(t, c.Connected("A", "C"))
	_, ok = c.BestPath("A", "C", "latency", 0)
	assert.False(t, ok)

	topo := c.Topology()
	assert.Equal(t, []types.NodeID{"A", "C"}, topo.Nodes())
	assert.Empty(t, topo.Edges())
	assert.Zero(t, c.Stats().Edges)

	_, err := c.Node(ctx, "B")
	assert.ErrorIs(t, err, types.ErrNotFound)

	err = c.Apply(ctx, types.Event{Type: types.EventRegister, NodeID: "B", Profile: &types.NodeProfile{}})
	assert.ErrorIs(t, err, types.ErrAlreadyRegistered, "removed ids are not reused")
}

func TestFailureAlwaysRemovesEdges(t *testing.T) {
	c, fc := newTestCoordinator(t)
	ctx := context.Background()

	register(t, c, "A", 1, gib)
	register(t, c, "B", 1, gib)
	probe(t, c, fc, "A", "B", time.Millisecond)

	fc.Advance(15 * time.Second)
	c.monitor.Evaluate(ctx)
	members := c.Members()
	require.Len(t, members, 2)
	assert.Equal(t, types.MemberSuspected, members[0].State)
	assert.True(t, c.Connected("A", "B"), "suspicion keeps the node and its edges")

	require.NoError(t, c.Apply(ctx, types.Event{Type: types.EventHeartbeat, NodeID: "B"}))

	fc.Advance(30 * time.Second)
	require.NoError(t, c.Apply(ctx, types.Event{Type: types.EventHeartbeat, NodeID: "B"}))
	probe(t, c, fc, "A", "B", time.Millisecond)
	c.monitor.Evaluate(ctx)

	_, err := c.Node(ctx, "A")
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.Equal(t, []types.NodeID{"B"}, c.Topology().Nodes())
	assert.Empty(t, c.Topology().Edges())
	assert.Zero(t, c.Stats().Edges)

	state, err := c.monitor.State("B")
	require.NoError(t, err)
	assert.Equal(t, types.MemberActive, state)
}

func TestProfileUpdateRecoversSuspectedNode(t *testing.T) {
	c, fc := newTestCoordinator(t)
	ctx := context.Background()
	register(t, c, "A", 1, gib)

	fc.Advance(20 * time.Second)
	c.monitor.Evaluate(ctx)
	require.Equal(t, types.MemberSuspected, c.Members()[0].State)

	require.NoError(t, c.Apply(ctx, types.Event{
		Type:    types.EventProfileUpdate,
		NodeID:  "A",
		Profile: &types.NodeProfile{Role: types.NodeRoleWorker, Capability: 2, QueueDepth: 4},
	}))
	assert.Equal(t, types.MemberActive, c.Members()[0].State)

	node, err := c.Node(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, 4, node.Profile.QueueDepth)
}

func TestApplyRejectsInvalidEvents(t *testing.T) {
	c, fc := newTestCoordinator(t)
	ctx := context.Background()
	register(t, c, "A", 1, gib)

	err := c.Apply(ctx, types.Event{Type: types.EventRegister, NodeID: "X"})
	assert.ErrorIs(t, err, types.ErrInvalidEvent)

	err = c.Apply(ctx, types.Event{Type: "bogus", NodeID: "A"})
	assert.ErrorIs(t, err, types.ErrInvalidEvent)

	err = c.Apply(ctx, types.Event{
		Type:   types.EventProbe,
		NodeID: "A",
		Probe:  &types.ProbeResult{From: "A", To: "ghost", Latency: time.Millisecond, Timestamp: fc.Now()},
	})
	assert.ErrorIs(t, err, types.ErrNotFound)

	err = c.Apply(ctx, types.Event{
		Type:   types.EventProbe,
		NodeID: "A",
		Probe:  &types.ProbeResult{From: "A", To: "A", Timestamp: fc.Now()},
	})
	assert.ErrorIs(t, err, types.ErrSelfLoop)

	err = c.Apply(ctx, types.Event{Type: types.EventHeartbeat, NodeID: "ghost"})
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestSubmitRequiresStart(t *testing.T) {
	c, _ := newTestCoordinator(t)
	err := c.Submit(types.Event{Type: types.EventHeartbeat, NodeID: "A"})
	assert.ErrorIs(t, err, types.ErrNotStarted)
}

func TestSubmitBackpressure(t *testing.T) {
	c, _ := newTestCoordinator(t)
	c.lanes = []chan types.Event{make(chan types.Event, 1)}
	// lanes are not drained, so the second event finds the lane full
	c.started.Store(true)

	ev := types.Event{Type: types.EventHeartbeat, NodeID: "A"}
	require.NoError(t, c.Submit(ev))
	assert.ErrorIs(t, c.Submit(ev), types.ErrBackpressure)
}

func TestSubmitAppliesInOrder(t *testing.T) {
	c, fc := newTestCoordinator(t)
	ctx := context.Background()
	require.NoError(t, c.Start(ctx))
	defer func() { require.NoError(t, c.Stop(ctx)) }()
	assert.Equal(t, StateRunning, c.State())

	require.NoError(t, c.Submit(types.Event{
		Type:    types.EventRegister,
		NodeID:  "A",
		Profile: &types.NodeProfile{Capability: 1},
	}))
	for i := 2; i <= 5; i++ {
		require.NoError(t, c.Submit(types.Event{
			Type:    types.EventProfileUpdate,
			NodeID:  "A",
			Profile: &types.NodeProfile{Capability: float64(i)},
		}))
	}
	require.NoError(t, c.Submit(types.Event{Type: types.EventHeartbeat, NodeID: "A", Timestamp: fc.Now()}))

	require.Eventually(t, func() bool {
		n, err := c.Node(ctx, "A")
		return err == nil && n.Profile.Capability == 5
	}, time.Second, 5*time.Millisecond)
}

func TestPlanAndExport(t *testing.T) {
	c, fc := newTestCoordinator(t)
	ctx := context.Background()

	register(t, c, "A", 4, 8*gib)
	register(t, c, "B", 1, 8*gib)
	probe(t, c, fc, "A", "B", time.Millisecond)

	plan, err := c.Plan(ctx, &types.PlanRequest{
		ModelID: "m",
		Stages:  []types.StageDemand{{Role: "all", MemoryBytes: gib, Work: 4}},
	})
	require.NoError(t, err)
	assert.Equal(t, []types.NodeID{"A"}, plan.Nodes())

	_, err = c.Plan(ctx, &types.PlanRequest{Stages: []types.StageDemand{{MemoryBytes: 64 * gib}}})
	assert.ErrorIs(t, err, types.ErrInfeasible)

	model := types.ModelSpec{ID: "llm", Layers: 4, BytesPerLayer: gib, WorkPerLayer: 1, ActivationBytes: 1024}
	plan, err = c.PlanModel(ctx, model, 2, "")
	require.NoError(t, err)
	assert.Len(t, plan.Placements, 2)

	export := c.Export()
	assert.Equal(t, "test-coordinator", export.CoordinatorID)
	require.Len(t, export.Nodes, 2)
	assert.Equal(t, types.NodeID("A"), export.Nodes[0].ID)
	assert.Equal(t, "A:9000", export.Nodes[0].Address)
	assert.Equal(t, 4.0, export.Nodes[0].Capability)
	assert.Equal(t, types.MemberActive, export.Nodes[0].State)
	require.Len(t, export.Edges, 1)
	assert.Equal(t, types.NodeID("A"), export.Edges[0].From)
	assert.InDelta(t, 1.0, export.Edges[0].LatencyMS, 1e-9)
	assert.Equal(t, [][]types.NodeID{{"A", "B"}}, export.Components)

	export.Nodes[0].Labels["zone"] = "mutated"
	node, err := c.Node(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, "a", node.Profile.Labels["zone"], "export must not alias live state")
}

type memoryJournal struct {
	mu          sync.Mutex
	transitions []types.Transition
}

func (j *memoryJournal) Record(ctx context.Context, t types.Transition) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.transitions = append(j.transitions, t)
	return nil
}

func (j *memoryJournal) len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.transitions)
}

func TestJournalReceivesTransitions(t *testing.T) {
	journal := &memoryJournal{}
	c, _ := newTestCoordinator(t, WithJournal(journal))
	ctx := context.Background()
	require.NoError(t, c.Start(ctx))
	defer func() { require.NoError(t, c.Stop(ctx)) }()

	register(t, c, "A", 1, gib)
	require.NoError(t, c.Apply(ctx, types.Event{Type: types.EventLeave, NodeID: "A"}))

	// joining, active, leaving, removed
	require.Eventually(t, func() bool { return journal.len() == 4 }, time.Second, 5*time.Millisecond)
}

func TestStartStop(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	require.NoError(t, c.Start(ctx))
	assert.Error(t, c.Start(ctx))
	require.NoError(t, c.Stop(ctx))
	assert.Equal(t, StateStopped, c.State())
	require.NoError(t, c.Stop(ctx))

	assert.ErrorIs(t, c.Submit(types.Event{Type: types.EventHeartbeat, NodeID: "A"}), types.ErrNotStarted)
}
