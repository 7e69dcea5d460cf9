package prober

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/topology-engine/internal/clock"
	"yqhp/topology-engine/pkg/types"
)

type fakeLatency struct {
	rtt   map[string]time.Duration
	fails map[string]bool
}

func (f *fakeLatency) Measure(ctx context.Context, host string) (time.Duration, float64, error) {
	if f.fails[host] {
		return 0, 0, errors.New("unreachable")
	}
	return f.rtt[host], 0.1, nil
}

type fixedBandwidth float64

func (b fixedBandwidth) Measure(ctx context.Context, address string) (float64, error) {
	return float64(b), nil
}

type collector struct {
	mu      sync.Mutex
	results []types.ProbeResult
}

func (c *collector) sink(ctx context.Context, r types.ProbeResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, r)
	return nil
}

func TestRoundProbesPeers(t *testing.T) {
	targets := func(ctx context.Context) ([]Target, error) {
		return []Target{
			{NodeID: "self", Address: "10.0.0.1:9000"},
			{NodeID: "b", Address: "10.0.0.2:9000"},
			{NodeID: "c", Address: "10.0.0.3:9000"},
			{NodeID: "d", Address: "10.0.0.4:9000"},
			{NodeID: "e"},
		}, nil
	}
	latency := &fakeLatency{
		rtt:   map[string]time.Duration{"10.0.0.2": 2 * time.Millisecond, "10.0.0.3": 3 * time.Millisecond},
		fails: map[string]bool{"10.0.0.4": true},
	}
	out := &collector{}

	p := New(Config{Concurrency: 2}, "self", targets, latency, fixedBandwidth(500), out.sink)
	fc := clock.NewFake(time.Unix(1700000000, 0))
	p.clock = fc

	assert.Equal(t, 2, p.Round(context.Background()))
	require.Len(t, out.results, 2)

	byTarget := map[types.NodeID]types.ProbeResult{}
	for _, r := range out.results {
		byTarget[r.To] = r
		assert.Equal(t, types.NodeID("self"), r.From)
		assert.Equal(t, 500.0, r.Bandwidth)
		assert.Equal(t, 0.1, r.Loss)
		assert.Equal(t, fc.Now(), r.Timestamp)
		assert.NoError(t, r.Validate())
	}
	assert.Equal(t, 2*time.Millisecond, byTarget["b"].Latency)
	assert.Equal(t, 3*time.Millisecond, byTarget["c"].Latency)
}

func TestRoundTargetError(t *testing.T) {
	targets := func(ctx context.Context) ([]Target, error) { return nil, errors.New("down") }
	out := &collector{}
	p := New(Config{}, "self", targets, &fakeLatency{}, nil, out.sink)
	assert.Zero(t, p.Round(context.Background()))
}

func TestHTTPBandwidthMeter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != PayloadPath {
			http.NotFound(w, r)
			return
		}
		size, _ := strconv.Atoi(r.URL.Query().Get("size"))
		_, _ = w.Write([]byte(strings.Repeat("x", size)))
	}))
	defer srv.Close()

	m := NewHTTPBandwidthMeter(64<<10, 5*time.Second)
	mbps, err := m.Measure(context.Background(), strings.TrimPrefix(srv.URL, "http://"))
	require.NoError(t, err)
	assert.Greater(t, mbps, 0.0)
}

func TestHTTPBandwidthMeterStatus(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	m := NewHTTPBandwidthMeter(1024, time.Second)
	_, err := m.Measure(context.Background(), strings.TrimPrefix(srv.URL, "http://"))
	assert.Error(t, err)
}

func TestHostOf(t *testing.T) {
	assert.Equal(t, "10.0.0.1", hostOf("10.0.0.1:9000"))
	assert.Equal(t, "node-a", hostOf("node-a"))
	assert.Equal(t, "::1", hostOf("[::1]:80"))
}
