// Package agent runs on every cluster node. It registers the node with a
// coordinator, keeps it alive with heartbeats, refreshes its profile,
// probes its peers and leaves gracefully on shutdown.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"yqhp/topology-engine/api/rest"
	"yqhp/topology-engine/internal/prober"
	"yqhp/topology-engine/pkg/logger"
	"yqhp/topology-engine/pkg/types"
)

// Coordinator is the coordinator API the agent uses.
type Coordinator interface {
	Register(ctx context.Context, id types.NodeID, profile types.NodeProfile) (*rest.RegisterResponse, error)
	UpdateProfile(ctx context.Context, id types.NodeID, profile types.NodeProfile) error
	Heartbeat(ctx context.Context, id types.NodeID) error
	Leave(ctx context.Context, id types.NodeID) error
	ReportProbe(ctx context.Context, probe types.ProbeResult) error
	ListNodes(ctx context.Context) ([]*types.Node, error)
}

// ProfileFunc returns the node's current profile.
type ProfileFunc func() types.NodeProfile

// Config holds agent settings.
type Config struct {
	// NodeID is the preferred id. Empty lets the coordinator assign one.
	NodeID types.NodeID

	// Profile is the static profile used when no ProfileFunc is set.
	Profile types.NodeProfile

	// ListenAddress serves the bandwidth probe payload. Empty disables it.
	ListenAddress   string
	MaxPayloadBytes int

	HeartbeatInterval time.Duration
	ProfileInterval   time.Duration
	RetryInterval     time.Duration
	LeaveTimeout      time.Duration

	Probe       bool
	ProbeConfig prober.Config
}

// DefaultConfig returns the default agent settings.
func DefaultConfig() Config {
	return Config{
		MaxPayloadBytes:   16 << 20,
		HeartbeatInterval: 5 * time.Second,
		ProfileInterval:   30 * time.Second,
		RetryInterval:     3 * time.Second,
		LeaveTimeout:      5 * time.Second,
		Probe:             true,
		ProbeConfig:       prober.DefaultConfig(),
	}
}

// Option configures an Agent.
type Option func(*Agent)

// WithProfileSource reports a dynamic profile (load, queue depth) instead of
// the static one.
func WithProfileSource(f ProfileFunc) Option {
	return func(a *Agent) {
		a.profile = f
	}
}

// WithMeters sets the meters used for peer probing. A nil latency meter
// disables probing.
func WithMeters(latency prober.LatencyMeter, bandwidth prober.BandwidthMeter) Option {
	return func(a *Agent) {
		a.latency = latency
		a.bandwidth = bandwidth
	}
}

// Agent keeps one node joined to the cluster.
type Agent struct {
	cfg       Config
	coord     Coordinator
	profile   ProfileFunc
	latency   prober.LatencyMeter
	bandwidth prober.BandwidthMeter
	log       *zap.Logger

	id       atomic.Value // types.NodeID
	sessions atomic.Int32
}

// New creates an agent.
func New(cfg Config, coord Coordinator, opts ...Option) *Agent {
	def := DefaultConfig()
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.ProfileInterval <= 0 {
		cfg.ProfileInterval = def.ProfileInterval
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	if cfg.LeaveTimeout <= 0 {
		cfg.LeaveTimeout = def.LeaveTimeout
	}

	a := &Agent{
		cfg:   cfg,
		coord: coord,
		log:   logger.Named("agent"),
	}
	static := cfg.Profile.Clone()
	a.profile = func() types.NodeProfile { return static.Clone() }
	for _, opt := range opts {
		opt(a)
	}
	a.id.Store(types.NodeID(""))
	return a
}

// ID returns the id of the current registration, empty before the first.
func (a *Agent) ID() types.NodeID {
	return a.id.Load().(types.NodeID)
}

// Run keeps the node registered until ctx is done, then leaves. A node the
// coordinator removed rejoins under a fresh id, since ids are never reused.
func (a *Agent) Run(ctx context.Context) error {
	if a.cfg.ListenAddress != "" {
		stop, err := a.servePayload()
		if err != nil {
			return err
		}
		defer stop()
	}

	for {
		id, err := a.register(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		err = a.session(ctx, id)
		if ctx.Err() != nil {
			a.leave(id)
			return nil
		}
		if errors.Is(err, types.ErrNotFound) {
			a.log.Warn("node removed by coordinator, rejoining", zap.String("node_id", string(id)))
			continue
		}
		return err
	}
}

// candidateID returns the id for the next registration attempt.
func (a *Agent) candidateID() types.NodeID {
	n := a.sessions.Load()
	switch {
	case a.cfg.NodeID == "":
		return ""
	case n == 0:
		return a.cfg.NodeID
	default:
		return types.NodeID(fmt.Sprintf("%s-%s", a.cfg.NodeID, strings.Split(uuid.NewString(), "-")[0]))
	}
}

// register retries until the coordinator accepts the node or ctx is done.
func (a *Agent) register(ctx context.Context) (types.NodeID, error) {
	for {
		resp, err := a.coord.Register(ctx, a.candidateID(), a.profile())
		if err == nil {
			a.sessions.Add(1)
			a.id.Store(resp.NodeID)
			a.log.Info("registered",
				zap.String("node_id", string(resp.NodeID)),
				zap.String("coordinator", resp.CoordinatorID),
			)
			return resp.NodeID, nil
		}

		if errors.Is(err, types.ErrAlreadyRegistered) {
			// the preferred id is taken or retired, move on to a fresh one
			a.sessions.Add(1)
			a.log.Warn("node id unavailable", zap.Error(err))
			continue
		}
		a.log.Warn("registration failed, retrying", zap.Error(err), zap.Duration("in", a.cfg.RetryInterval))

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(a.cfg.RetryInterval):
		}
	}
}

// session runs the heartbeat, profile and probe loops for one registration.
// It ends when ctx is done or the coordinator no longer knows the node.
func (a *Agent) session(ctx context.Context, id types.NodeID) error {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg      sync.WaitGroup
		errOnce sync.Once
		result  error
	)
	stop := func(err error) {
		errOnce.Do(func() {
			result = err
			cancel()
		})
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := a.every(sctx, a.cfg.HeartbeatInterval, func() error { return a.coord.Heartbeat(sctx, id) }); err != nil {
			stop(err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := a.every(sctx, a.cfg.ProfileInterval, func() error { return a.coord.UpdateProfile(sctx, id, a.profile()) }); err != nil {
			stop(err)
		}
	}()

	if a.cfg.Probe && a.latency != nil {
		p := prober.New(a.cfg.ProbeConfig, id, a.targets(id), a.latency, a.bandwidth, a.coord.ReportProbe)
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Run(sctx)
		}()
	}

	wg.Wait()
	return result
}

// every calls fn each interval. It returns only when ctx is done or fn
// reports the node unknown; other errors are logged.
func (a *Agent) every(ctx context.Context, interval time.Duration, fn func() error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			err := fn()
			if err == nil || ctx.Err() != nil {
				continue
			}
			if errors.Is(err, types.ErrNotFound) {
				return err
			}
			a.log.Warn("coordinator request failed", zap.Error(err))
		}
	}
}

// targets lists every other node that advertises an address.
func (a *Agent) targets(self types.NodeID) prober.TargetFunc {
	return func(ctx context.Context) ([]prober.Target, error) {
		nodes, err := a.coord.ListNodes(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]prober.Target, 0, len(nodes))
		for _, n := range nodes {
			if n.ID == self || n.Profile.Address == "" {
				continue
			}
			out = append(out, prober.Target{NodeID: n.ID, Address: n.Profile.Address})
		}
		return out, nil
	}
}

func (a *Agent) leave(id types.NodeID) {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.LeaveTimeout)
	defer cancel()

	if err := a.coord.Leave(ctx, id); err != nil && !errors.Is(err, types.ErrNotFound) {
		a.log.Warn("leave failed", zap.String("node_id", string(id)), zap.Error(err))
		return
	}
	a.log.Info("left cluster", zap.String("node_id", string(id)))
}

// servePayload starts the probe payload listener peers download from.
func (a *Agent) servePayload() (func(), error) {
	app := fiber.New(fiber.Config{
		AppName:               "Topology Engine Agent",
		DisableStartupMessage: true,
	})
	app.Get(prober.PayloadPath, rest.PayloadHandler(a.cfg.MaxPayloadBytes))
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(rest.HealthResponse{Status: "healthy", Timestamp: time.Now().Format(time.RFC3339)})
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(a.cfg.ListenAddress)
	}()

	select {
	case err := <-errCh:
		return nil, fmt.Errorf("payload server on %s: %w", a.cfg.ListenAddress, err)
	case <-time.After(100 * time.Millisecond):
	}

	a.log.Info("payload server listening", zap.String("address", a.cfg.ListenAddress))
	return func() {
		if err := app.Shutdown(); err != nil {
			a.log.Warn("payload server shutdown", zap.Error(err))
		}
	}, nil
}
