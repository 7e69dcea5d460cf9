package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/topology-engine/api/rest"
	"yqhp/topology-engine/internal/prober"
	"yqhp/topology-engine/pkg/types"
)

// fakeCoordinator is an in-memory coordinator with the same id rules as the
// real one: ids are never reused.
type fakeCoordinator struct {
	mu         sync.Mutex
	nodes      map[types.NodeID]types.NodeProfile
	retired    map[types.NodeID]bool
	heartbeats map[types.NodeID]int
	profiles   int
	probes     []types.ProbeResult
	left       []types.NodeID
	failNext   int
}

func newFakeCoordinator() *fakeCoordinator {
	return &fakeCoordinator{
		nodes:      make(map[types.NodeID]types.NodeProfile),
		retired:    make(map[types.NodeID]bool),
		heartbeats: make(map[types.NodeID]int),
	}
}

func (f *fakeCoordinator) Register(ctx context.Context, id types.NodeID, profile types.NodeProfile) (*rest.RegisterResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failNext > 0 {
		f.failNext--
		return nil, fmt.Errorf("connection refused")
	}
	if id == "" {
		id = types.NodeID(fmt.Sprintf("auto-%d", len(f.nodes)+len(f.retired)))
	}
	if _, ok := f.nodes[id]; ok || f.retired[id] {
		return nil, fmt.Errorf("register %s: %w", id, types.ErrAlreadyRegistered)
	}
	f.nodes[id] = profile
	return &rest.RegisterResponse{NodeID: id, CoordinatorID: "fake"}, nil
}

func (f *fakeCoordinator) UpdateProfile(ctx context.Context, id types.NodeID, profile types.NodeProfile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.nodes[id]; !ok {
		return types.ErrNotFound
	}
	f.nodes[id] = profile
	f.profiles++
	return nil
}

func (f *fakeCoordinator) Heartbeat(ctx context.Context, id types.NodeID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.nodes[id]; !ok {
		return types.ErrNotFound
	}
	f.heartbeats[id]++
	return nil
}

func (f *fakeCoordinator) Leave(ctx context.Context, id types.NodeID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.left = append(f.left, id)
	return f.removeLocked(id)
}

func (f *fakeCoordinator) ReportProbe(ctx context.Context, probe types.ProbeResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes = append(f.probes, probe)
	return nil
}

func (f *fakeCoordinator) ListNodes(ctx context.Context) ([]*types.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*types.Node, 0, len(f.nodes))
	for id, p := range f.nodes {
		out = append(out, &types.Node{ID: id, Profile: p})
	}
	return out, nil
}

// evict removes a node the way a failure detector would.
func (f *fakeCoordinator) evict(id types.NodeID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_ = f.removeLocked(id)
}

func (f *fakeCoordinator) removeLocked(id types.NodeID) error {
	if _, ok := f.nodes[id]; !ok {
		return types.ErrNotFound
	}
	delete(f.nodes, id)
	f.retired[id] = true
	return nil
}

func (f *fakeCoordinator) heartbeatCount(id types.NodeID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heartbeats[id]
}

func (f *fakeCoordinator) snapshot() (probes []types.ProbeResult, left []types.NodeID, profiles int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.ProbeResult(nil), f.probes...), append([]types.NodeID(nil), f.left...), f.profiles
}

type fixedLatency struct{}

func (fixedLatency) Measure(ctx context.Context, address string) (time.Duration, float64, error) {
	return 2 * time.Millisecond, 0, nil
}

func testConfig(id types.NodeID) Config {
	cfg := DefaultConfig()
	cfg.NodeID = id
	cfg.Profile = types.NodeProfile{Role: types.NodeRoleWorker, Address: "10.0.0.1:7000", Capability: 1}
	cfg.HeartbeatInterval = 5 * time.Millisecond
	cfg.ProfileInterval = 5 * time.Millisecond
	cfg.RetryInterval = 5 * time.Millisecond
	cfg.ProbeConfig = prober.Config{Interval: 5 * time.Millisecond, Concurrency: 2}
	return cfg
}

func runAgent(t *testing.T, a *Agent) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	return func() {
		stop()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("agent did not stop")
		}
	}
}

func TestAgentRegistersHeartbeatsAndLeaves(t *testing.T) {
	coord := newFakeCoordinator()
	a := New(testConfig("gpu-1"), coord)
	stop := runAgent(t, a)

	require.Eventually(t, func() bool { return coord.heartbeatCount("gpu-1") >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, types.NodeID("gpu-1"), a.ID())

	stop()
	_, left, profiles := coord.snapshot()
	assert.Equal(t, []types.NodeID{"gpu-1"}, left)
	assert.Positive(t, profiles)
}

func TestAgentRetriesRegistration(t *testing.T) {
	coord := newFakeCoordinator()
	coord.failNext = 3
	a := New(testConfig("gpu-1"), coord)
	stop := runAgent(t, a)
	defer stop()

	require.Eventually(t, func() bool { return coord.heartbeatCount("gpu-1") > 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestAgentRejoinsUnderFreshID(t *testing.T) {
	coord := newFakeCoordinator()
	a := New(testConfig("gpu-1"), coord)
	stop := runAgent(t, a)
	defer stop()

	require.Eventually(t, func() bool { return coord.heartbeatCount("gpu-1") > 0 }, 2*time.Second, 5*time.Millisecond)
	coord.evict("gpu-1")

	require.Eventually(t, func() bool {
		id := a.ID()
		return id != "gpu-1" && coord.heartbeatCount(id) > 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, strings.HasPrefix(string(a.ID()), "gpu-1-"))
}

func TestAgentSkipsRetiredID(t *testing.T) {
	coord := newFakeCoordinator()
	coord.retired["gpu-1"] = true

	a := New(testConfig("gpu-1"), coord)
	stop := runAgent(t, a)
	defer stop()

	require.Eventually(t, func() bool {
		id := a.ID()
		return id != "" && coord.heartbeatCount(id) > 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.NotEqual(t, types.NodeID("gpu-1"), a.ID())
}

func TestAgentAssignedID(t *testing.T) {
	coord := newFakeCoordinator()
	a := New(testConfig(""), coord)
	stop := runAgent(t, a)
	defer stop()

	require.Eventually(t, func() bool { return coord.heartbeatCount("auto-0") > 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestAgentProbesPeers(t *testing.T) {
	coord := newFakeCoordinator()
	_, err := coord.Register(context.Background(), "peer", types.NodeProfile{Address: "10.0.0.2:7000"})
	require.NoError(t, err)
	_, err = coord.Register(context.Background(), "silent", types.NodeProfile{})
	require.NoError(t, err)

	a := New(testConfig("gpu-1"), coord, WithMeters(fixedLatency{}, nil))
	stop := runAgent(t, a)

	require.Eventually(t, func() bool {
		probes, _, _ := coord.snapshot()
		return len(probes) > 0
	}, 2*time.Second, 5*time.Millisecond)
	stop()

	probes, _, _ := coord.snapshot()
	for _, p := range probes {
		assert.Equal(t, types.NodeID("gpu-1"), p.From)
		assert.Equal(t, types.NodeID("peer"), p.To, "self and address-less nodes are skipped")
		assert.Equal(t, 2*time.Millisecond, p.Latency)
	}
}

func TestAgentDynamicProfile(t *testing.T) {
	coord := newFakeCoordinator()
	var mu sync.Mutex
	load := 0.0
	source := func() types.NodeProfile {
		mu.Lock()
		defer mu.Unlock()
		load += 0.1
		return types.NodeProfile{Role: types.NodeRoleWorker, Load: load}
	}

	a := New(testConfig("gpu-1"), coord, WithProfileSource(source))
	stop := runAgent(t, a)
	defer stop()

	require.Eventually(t, func() bool {
		nodes, _ := coord.ListNodes(context.Background())
		return len(nodes) == 1 && nodes[0].Profile.Load > 0.15
	}, 2*time.Second, 5*time.Millisecond)
}
