package client

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/topology-engine/api/rest"
	"yqhp/topology-engine/internal/master"
	"yqhp/topology-engine/pkg/types"
)

const gib = int64(1) << 30

func newTestClient(t *testing.T) *Client {
	t.Helper()

	coord := master.New(&master.Config{ID: "client-test"})
	require.NoError(t, coord.Start(context.Background()))

	srv := rest.NewServer(coord, rest.DefaultConfig())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.App().Listener(ln) }()

	t.Cleanup(func() {
		_ = srv.Shutdown()
		_ = coord.Stop(context.Background())
	})

	c := NewClient(&Config{
		CoordinatorURL: "http://" + ln.Addr().String(),
		RequestTimeout: 5 * time.Second,
	})
	t.Cleanup(c.Close)

	require.Eventually(t, func() bool {
		return c.Health(context.Background()) == nil
	}, 2*time.Second, 10*time.Millisecond)
	return c
}

func worker(addr string) types.NodeProfile {
	return types.NodeProfile{
		Role:        types.NodeRoleWorker,
		Address:     addr,
		Capability:  1,
		MemoryBytes: gib,
	}
}

func TestRegisterHeartbeatLeave(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	resp, err := c.Register(ctx, "gpu-1", worker("10.0.0.1:9000"))
	require.NoError(t, err)
	assert.Equal(t, types.NodeID("gpu-1"), resp.NodeID)
	assert.Equal(t, "client-test", resp.CoordinatorID)

	_, err = c.Register(ctx, "gpu-1", worker("10.0.0.1:9000"))
	assert.ErrorIs(t, err, types.ErrAlreadyRegistered)

	require.NoError(t, c.Heartbeat(ctx, "gpu-1"))

	profile := worker("10.0.0.1:9000")
	profile.Capability = 3
	require.NoError(t, c.UpdateProfile(ctx, "gpu-1", profile))
	require.Eventually(t, func() bool {
		n, err := c.GetNode(ctx, "gpu-1")
		return err == nil && n.Profile.Capability == 3
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Leave(ctx, "gpu-1"))

	err = c.Heartbeat(ctx, "gpu-1")
	assert.ErrorIs(t, err, types.ErrNotFound)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "not_found", apiErr.Kind)
}

func TestRegisterAssignsID(t *testing.T) {
	c := newTestClient(t)

	resp, err := c.Register(context.Background(), "", worker("10.0.0.2:9000"))
	require.NoError(t, err)
	assert.NotEmpty(t, resp.NodeID)

	nodes, err := c.ListNodes(context.Background())
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, resp.NodeID, nodes[0].ID)
}

func TestProbesAndTopology(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_, err := c.Register(ctx, "A", worker("10.0.0.1:9000"))
	require.NoError(t, err)
	_, err = c.Register(ctx, "B", worker("10.0.0.2:9000"))
	require.NoError(t, err)

	require.NoError(t, c.ReportProbe(ctx, types.ProbeResult{
		From:      "A",
		To:        "B",
		Latency:   4 * time.Millisecond,
		Bandwidth: 1000,
		Timestamp: time.Now(),
	}))

	require.Eventually(t, func() bool {
		path, err := c.BestPath(ctx, "A", "B", "latency", 0)
		return err == nil && path.Found
	}, 2*time.Second, 10*time.Millisecond)

	topo, err := c.Topology(ctx)
	require.NoError(t, err)
	assert.Equal(t, []types.NodeID{"A", "B"}, topo.Nodes)
	require.Len(t, topo.Edges, 1)
	assert.InDelta(t, 4.0, topo.Edges[0].LatencyMS, 1e-9)

	err = c.ReportProbe(ctx, types.ProbeResult{From: "A", To: "A", Timestamp: time.Now()})
	assert.ErrorIs(t, err, types.ErrInvalidProbe)
}

func TestPlanInfeasible(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_, err := c.Register(ctx, "A", worker("10.0.0.1:9000"))
	require.NoError(t, err)

	_, err = c.Plan(ctx, &rest.PlanRequest{PlanRequest: types.PlanRequest{
		ModelID: "m",
		Stages:  []types.StageDemand{{Role: "big", MemoryBytes: 2 * gib}},
	}})
	assert.ErrorIs(t, err, types.ErrInfeasible)

	resp, err := c.Plan(ctx, &rest.PlanRequest{PlanRequest: types.PlanRequest{
		ModelID: "m",
		Stages:  []types.StageDemand{{Role: "small", MemoryBytes: gib / 2, Work: 1}},
	}})
	require.NoError(t, err)
	assert.Equal(t, []types.NodeID{"A"}, resp.Plan.Nodes())
}

func TestMembersAndStats(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_, err := c.Register(ctx, "A", worker("10.0.0.1:9000"))
	require.NoError(t, err)

	members, err := c.Members(ctx)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, types.MemberActive, members[0].State)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, "client-test", stats.CoordinatorID)
	assert.Equal(t, 1, stats.Nodes)
}

func TestCancelledContext(t *testing.T) {
	c := NewClient(nil)
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, c.Health(ctx), context.Canceled)
}

func TestUnreachableCoordinator(t *testing.T) {
	c := NewClient(&Config{CoordinatorURL: "http://127.0.0.1:1", RequestTimeout: 200 * time.Millisecond})
	defer c.Close()

	err := c.Health(context.Background())
	require.Error(t, err)
	var apiErr *APIError
	assert.False(t, errors.As(err, &apiErr))
}

func TestAPIErrorIs(t *testing.T) {
	cases := map[int]error{
		404: types.ErrNotFound,
		409: types.ErrAlreadyRegistered,
		422: types.ErrInfeasible,
		429: types.ErrBackpressure,
		503: types.ErrNotStarted,
	}
	for code, sentinel := range cases {
		err := error(&APIError{StatusCode: code})
		assert.ErrorIs(t, err, sentinel, "status %d", code)
		assert.NotErrorIs(t, err, types.ErrSelfLoop)
	}
	assert.NotErrorIs(t, &APIError{StatusCode: 500}, types.ErrNotFound)
}
