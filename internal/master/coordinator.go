package master

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"yqhp/topology-engine/internal/clock"
	"yqhp/topology-engine/internal/health"
	"yqhp/topology-engine/internal/metrics"
	"yqhp/topology-engine/internal/planner"
	"yqhp/topology-engine/internal/profiler"
	"yqhp/topology-engine/internal/registry"
	"yqhp/topology-engine/internal/topology"
	"yqhp/topology-engine/pkg/logger"
	"yqhp/topology-engine/pkg/types"
)

// Journal persists membership transitions.
type Journal interface {
	Record(ctx context.Context, t types.Transition) error
}

// Config holds the coordinator configuration.
type Config struct {
	// ID identifies this coordinator in exports. Empty means a random uuid.
	ID string

	// Lanes is the number of ingestion lanes. Events of one node always use
	// the same lane.
	Lanes int

	// LaneBuffer is the queue length of each lane.
	LaneBuffer int

	// PruneInterval is how often stale profiler entries are swept.
	PruneInterval time.Duration

	Profiler profiler.Config
	Health   health.Config
	Planner  planner.Config
}

// DefaultConfig returns a default coordinator configuration.
func DefaultConfig() *Config {
	return &Config{
		ID:            uuid.New().String(),
		Lanes:         8,
		LaneBuffer:    1024,
		PruneInterval: time.Minute,
		Profiler:      profiler.DefaultConfig(),
		Health:        health.DefaultConfig(),
		Planner:       planner.DefaultConfig(),
	}
}

// State represents the lifecycle state of the coordinator.
type State string

const (
	StateStopped  State = "stopped"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock sets the clock shared by every component.
func WithClock(c clock.Clock) Option {
	return func(co *Coordinator) {
		co.clock = c
	}
}

// WithJournal records membership transitions to j.
func WithJournal(j Journal) Option {
	return func(co *Coordinator) {
		co.journal = j
	}
}

// Coordinator is the owned, versioned cluster state.
type Coordinator struct {
	config  *Config
	clock   clock.Clock
	journal Journal
	log     *zap.Logger

	registry *registry.Registry
	profiler *profiler.Profiler
	graph    *topology.Graph
	monitor  *health.Monitor
	planner  *planner.Planner

	lanes []chan types.Event

	state   atomic.Value // State
	started atomic.Bool
	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a coordinator. Call Start before Submit.
func New(config *Config, opts ...Option) *Coordinator {
	if config == nil {
		config = DefaultConfig()
	}
	def := DefaultConfig()
	if config.ID == "" {
		config.ID = def.ID
	}
	if config.Lanes <= 0 {
		config.Lanes = def.Lanes
	}
	if config.LaneBuffer <= 0 {
		config.LaneBuffer = def.LaneBuffer
	}
	if config.PruneInterval <= 0 {
		config.PruneInterval = def.PruneInterval
	}

	c := &Coordinator{
		config: config,
		clock:  clock.Real{},
		log:    logger.Named("coordinator"),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.registry = registry.New(registry.WithClock(c.clock))
	c.profiler = profiler.New(config.Profiler, c.clock)
	c.graph = topology.NewGraph(c.profiler)
	c.monitor = health.NewMonitor(config.Health, c.clock, health.RemoverFunc(c.removeNode))
	c.planner = planner.New(config.Planner)
	c.monitor.OnTransition(metrics.RecordTransition)

	c.lanes = make([]chan types.Event, config.Lanes)
	for i := range c.lanes {
		c.lanes[i] = make(chan types.Event, config.LaneBuffer)
	}
	c.state.Store(StateStopped)
	return c
}

// ID returns the coordinator id.
func (c *Coordinator) ID() string {
	return c.config.ID
}

// State returns the lifecycle state.
func (c *Coordinator) State() State {
	return c.state.Load().(State)
}

// Start launches the ingestion lanes, the health monitor and the maintenance
// loops.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started.Load() {
		return fmt.Errorf("coordinator already started")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	for i := range c.lanes {
		c.wg.Add(1)
		go c.drain(runCtx, c.lanes[i])
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.monitor.Run(runCtx)
	}()

	c.wg.Add(1)
	go c.maintenanceLoop(runCtx)

	if c.journal != nil {
		transitions := c.monitor.Watch(runCtx)
		c.wg.Add(1)
		go c.journalLoop(runCtx, transitions)
	}

	c.started.Store(true)
	c.state.Store(StateRunning)
	c.log.Info("coordinator started",
		zap.String("id", c.config.ID),
		zap.Int("lanes", len(c.lanes)),
	)
	return nil
}

// Stop stops the background loops. Events still queued are dropped.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started.Load() {
		return nil
	}
	c.state.Store(StateStopping)
	c.started.Store(false)
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("stop coordinator: %w", ctx.Err())
	}

	c.state.Store(StateStopped)
	c.log.Info("coordinator stopped", zap.String("id", c.config.ID))
	return nil
}

// removeNode is the monitor's remover. The graph goes first so that no
// snapshot ever holds a vertex the registry has dropped.
func (c *Coordinator) removeNode(ctx context.Context, id types.NodeID, reason string) error {
	dropped, gerr := c.graph.RemoveNode(id)
	_, rerr := c.registry.Remove(ctx, id)

	c.log.Info("node removed",
		zap.String("node_id", string(id)),
		zap.String("reason", reason),
		zap.Int("edges", dropped),
	)
	if gerr != nil && !errors.Is(gerr, types.ErrNotFound) {
		return gerr
	}
	return rerr
}

func (c *Coordinator) maintenanceLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.profiler.Prune(c.registry.Contains); n > 0 {
				c.log.Debug("pruned connection profiles", zap.Int("count", n))
			}
			metrics.SetClusterSize(c.registry.Count(), c.profiler.Stats())
		}
	}
}

func (c *Coordinator) journalLoop(ctx context.Context, transitions <-chan *types.Transition) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-transitions:
			if !ok {
				return
			}
			if err := c.journal.Record(ctx, *t); err != nil {
				c.log.Warn("failed to journal transition",
					zap.String("node_id", string(t.NodeID)),
					zap.String("to", string(t.To)),
					zap.Error(err),
				)
			}
		}
	}
}
