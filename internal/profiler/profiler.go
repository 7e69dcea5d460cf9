// Package profiler maintains directed connection profiles built from probe
// results. Profiles only move forward in time: a probe is applied only if it
// is strictly newer than the stored one, so arrival order does not matter.
// Staleness is measured from the local arrival time, never from the source
// timestamp, and is evaluated when a profile is read; nothing sweeps the table.
package profiler

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"go.uber.org/zap"

	"yqhp/topology-engine/internal/clock"
	"yqhp/topology-engine/pkg/logger"
	"yqhp/topology-engine/pkg/types"
)

// Config holds profiler settings.
type Config struct {
	// StaleAfter is the age beyond which a profile is treated as absent.
	StaleAfter time.Duration
	// ReliabilityAlpha is the EWMA weight of the newest probe.
	ReliabilityAlpha float64
}

// DefaultConfig returns the default profiler settings.
func DefaultConfig() Config {
	return Config{
		StaleAfter:       30 * time.Second,
		ReliabilityAlpha: 0.3,
	}
}

const (
	histMinMicros = 1
	histMaxMicros = int64(time.Minute / time.Microsecond)
	histSigFigs   = 3
)

// Profiler stores one profile per directed node pair.
type Profiler struct {
	cfg   Config
	clock clock.Clock
	log   *zap.Logger

	mu    sync.RWMutex
	edges map[types.EdgeKey]*edgeEntry

	histMu sync.Mutex
	hist   *hdrhistogram.Histogram

	accepted  atomic.Uint64
	discarded atomic.Uint64
}

type edgeEntry struct {
	mu      sync.Mutex
	profile types.ConnectionProfile
}

// New creates a profiler. A nil clock uses the real clock.
func New(cfg Config, c clock.Clock) *Profiler {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultConfig().StaleAfter
	}
	if cfg.ReliabilityAlpha <= 0 || cfg.ReliabilityAlpha > 1 {
		cfg.ReliabilityAlpha = DefaultConfig().ReliabilityAlpha
	}
	if c == nil {
		c = clock.Real{}
	}
	return &Profiler{
		cfg:   cfg,
		clock: c,
		log:   logger.Named("profiler"),
		edges: make(map[types.EdgeKey]*edgeEntry),
		hist:  hdrhistogram.New(histMinMicros, histMaxMicros, histSigFigs),
	}
}

// StaleAfter returns the staleness threshold.
func (p *Profiler) StaleAfter() time.Duration {
	return p.cfg.StaleAfter
}

// RecordProbe applies a probe. It returns the stored profile and whether the
// probe was applied; probes not strictly newer than the stored one are discarded.
func (p *Profiler) RecordProbe(probe types.ProbeResult) (types.ConnectionProfile, bool, error) {
	if err := probe.Validate(); err != nil {
		return types.ConnectionProfile{}, false, err
	}

	e := p.entry(probe.Key())
	now := p.clock.Now()

	e.mu.Lock()
	if e.profile.Samples > 0 && !probe.Timestamp.After(e.profile.Timestamp) {
		stored := e.profile
		e.mu.Unlock()
		p.discarded.Add(1)
		return stored, false, nil
	}

	observed := 1 - probe.Loss
	reliability := observed
	if e.profile.Samples > 0 {
		a := p.cfg.ReliabilityAlpha
		reliability = a*observed + (1-a)*e.profile.Reliability
	}
	e.profile = types.ConnectionProfile{
		From:        probe.From,
		To:          probe.To,
		Latency:     probe.Latency,
		Bandwidth:   probe.Bandwidth,
		Loss:        probe.Loss,
		Reliability: reliability,
		Samples:     e.profile.Samples + 1,
		Timestamp:   probe.Timestamp,
		ReceivedAt:  now,
	}
	stored := e.profile
	e.mu.Unlock()

	p.accepted.Add(1)
	p.recordLatency(probe.Latency)
	return stored, true, nil
}

// Get returns the profile of the directed edge and its freshness.
func (p *Profiler) Get(from, to types.NodeID) (types.ConnectionProfile, types.EdgeStatus) {
	p.mu.RLock()
	e, ok := p.edges[types.EdgeKey{From: from, To: to}]
	p.mu.RUnlock()
	if !ok {
		return types.ConnectionProfile{}, types.EdgeUnknown
	}

	e.mu.Lock()
	profile := e.profile
	e.mu.Unlock()
	if profile.Samples == 0 {
		return types.ConnectionProfile{}, types.EdgeUnknown
	}
	return profile, p.status(profile, p.clock.Now())
}

// Fresh returns every non-stale profile sorted by (from, to).
func (p *Profiler) Fresh() []types.ConnectionProfile {
	now := p.clock.Now()
	out := make([]types.ConnectionProfile, 0)
	p.each(func(c types.ConnectionProfile) {
		if p.status(c, now) == types.EdgeFresh {
			out = append(out, c)
		}
	})
	sortProfiles(out)
	return out
}

// ForgetNode drops every profile incident to id.
func (p *Profiler) ForgetNode(id types.NodeID) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for key := range p.edges {
		if key.From == id || key.To == id {
			delete(p.edges, key)
			n++
		}
	}
	if n > 0 {
		p.log.Debug("dropped incident profiles", zap.String("node_id", string(id)), zap.Int("edges", n))
	}
	return n
}

// Prune drops profiles whose endpoints are not live. It returns the number dropped.
func (p *Profiler) Prune(live func(types.NodeID) bool) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for key := range p.edges {
		if !live(key.From) || !live(key.To) {
			delete(p.edges, key)
			n++
		}
	}
	return n
}

// Stats summarises the profile table and probe latencies.
func (p *Profiler) Stats() types.ProfilerStats {
	now := p.clock.Now()
	stats := types.ProfilerStats{
		Accepted:  p.accepted.Load(),
		Discarded: p.discarded.Load(),
	}
	p.each(func(c types.ConnectionProfile) {
		stats.Edges++
		if p.status(c, now) == types.EdgeFresh {
			stats.FreshEdges++
		} else {
			stats.StaleEdges++
		}
	})

	p.histMu.Lock()
	if p.hist.TotalCount() > 0 {
		stats.LatencyP50MS = microsToMillis(p.hist.ValueAtQuantile(50))
		stats.LatencyP95MS = microsToMillis(p.hist.ValueAtQuantile(95))
		stats.LatencyP99MS = microsToMillis(p.hist.ValueAtQuantile(99))
	}
	p.histMu.Unlock()
	return stats
}

func (p *Profiler) entry(key types.EdgeKey) *edgeEntry {
	p.mu.RLock()
	e, ok := p.edges[key]
	p.mu.RUnlock()
	if ok {
		return e
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok = p.edges[key]; ok {
		return e
	}
	e = &edgeEntry{}
	p.edges[key] = e
	return e
}

func (p *Profiler) each(fn func(types.ConnectionProfile)) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, e := range p.edges {
		e.mu.Lock()
		c := e.profile
		e.mu.Unlock()
		if c.Samples > 0 {
			fn(c)
		}
	}
}

func (p *Profiler) status(c types.ConnectionProfile, now time.Time) types.EdgeStatus {
	if now.Sub(c.ReceivedAt) > p.cfg.StaleAfter {
		return types.EdgeStale
	}
	return types.EdgeFresh
}

func (p *Profiler) recordLatency(d time.Duration) {
	v := int64(d / time.Microsecond)
	if v < histMinMicros {
		v = histMinMicros
	}
	if v > histMaxMicros {
		v = histMaxMicros
	}
	p.histMu.Lock()
	_ = p.hist.RecordValue(v)
	p.histMu.Unlock()
}

func microsToMillis(v int64) float64 {
	return float64(v) / 1000
}

func sortProfiles(out []types.ConnectionProfile) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].To < out[j].To
	})
}
