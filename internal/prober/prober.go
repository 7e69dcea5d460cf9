// Package prober actively measures the links from this node to its peers and
// reports the results as probe events.
package prober

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"yqhp/topology-engine/internal/clock"
	"yqhp/topology-engine/pkg/logger"
	"yqhp/topology-engine/pkg/types"
)

// Target is a peer to probe.
type Target struct {
	NodeID  types.NodeID
	Address string
}

// TargetFunc lists the peers to probe in the next round.
type TargetFunc func(ctx context.Context) ([]Target, error)

// Sink receives each completed measurement.
type Sink func(ctx context.Context, result types.ProbeResult) error

// Config holds prober settings.
type Config struct {
	Interval    time.Duration
	Concurrency int
}

// DefaultConfig returns the default prober settings.
func DefaultConfig() Config {
	return Config{
		Interval:    10 * time.Second,
		Concurrency: 4,
	}
}

// Prober probes every peer once per interval.
type Prober struct {
	cfg       Config
	self      types.NodeID
	targets   TargetFunc
	latency   LatencyMeter
	bandwidth BandwidthMeter
	sink      Sink
	clock     clock.Clock
	log       *zap.Logger
}

// New creates a prober for self. bandwidth may be nil, in which case only
// latency and loss are measured.
func New(cfg Config, self types.NodeID, targets TargetFunc, latency LatencyMeter, bandwidth BandwidthMeter, sink Sink) *Prober {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	return &Prober{
		cfg:       cfg,
		self:      self,
		targets:   targets,
		latency:   latency,
		bandwidth: bandwidth,
		sink:      sink,
		clock:     clock.Real{},
		log:       logger.Named("prober"),
	}
}

// Run probes until ctx is done.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.Round(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Round(ctx)
		}
	}
}

// Round probes every current target once and returns how many results were
// delivered to the sink.
func (p *Prober) Round(ctx context.Context) int {
	targets, err := p.targets(ctx)
	if err != nil {
		p.log.Warn("failed to list probe targets", zap.Error(err))
		return 0
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].NodeID < targets[j].NodeID })

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		delivered int
	)
	sem := make(chan struct{}, p.cfg.Concurrency)

	for _, t := range targets {
		if t.NodeID == p.self || t.Address == "" {
			continue
		}
		select {
		case <-ctx.Done():
			wg.Wait()
			return delivered
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(t Target) {
			defer wg.Done()
			defer func() { <-sem }()

			result, ok := p.probe(ctx, t)
			if !ok {
				return
			}
			if err := p.sink(ctx, result); err != nil {
				p.log.Warn("failed to report probe", zap.String("to", string(t.NodeID)), zap.Error(err))
				return
			}
			mu.Lock()
			delivered++
			mu.Unlock()
		}(t)
	}
	wg.Wait()
	return delivered
}

func (p *Prober) probe(ctx context.Context, t Target) (types.ProbeResult, bool) {
	rtt, loss, err := p.latency.Measure(ctx, hostOf(t.Address))
	if err != nil {
		p.log.Debug("latency probe failed", zap.String("to", string(t.NodeID)), zap.Error(err))
		return types.ProbeResult{}, false
	}

	var bw float64
	if p.bandwidth != nil {
		bw, err = p.bandwidth.Measure(ctx, t.Address)
		if err != nil {
			p.log.Debug("bandwidth probe failed", zap.String("to", string(t.NodeID)), zap.Error(err))
			return types.ProbeResult{}, false
		}
	}

	return types.ProbeResult{
		From:      p.self,
		To:        t.NodeID,
		Latency:   rtt,
		Bandwidth: bw,
		Loss:      loss,
		Timestamp: p.clock.Now(),
	}, true
}
