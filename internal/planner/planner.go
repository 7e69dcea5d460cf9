// Package planner places the stages of a partitioned model onto cluster
// nodes. It minimises total compute plus transfer cost over a topology
// snapshot and breaks ties deterministically, preferring less loaded nodes.
// Plans are advisory: nothing is reserved or locked.
package planner

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/duke-git/lancet/v2/slice"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"yqhp/topology-engine/internal/metrics"
	"yqhp/topology-engine/internal/registry"
	"yqhp/topology-engine/internal/topology"
	"yqhp/topology-engine/pkg/logger"
	"yqhp/topology-engine/pkg/types"
)

// planNamespace seeds deterministic plan ids.
var planNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("yqhp/topology-engine/plan"))

// Config holds planner settings.
type Config struct {
	// MaxExpansions bounds the search. Zero means unbounded.
	MaxExpansions int
}

// DefaultConfig returns the default planner settings.
func DefaultConfig() Config {
	return Config{MaxExpansions: 1_000_000}
}

// ClusterView is the consistent state a plan is computed against. Both
// snapshots must describe the same vertex set.
type ClusterView struct {
	Nodes    *registry.Snapshot
	Topology *topology.Snapshot
}

// Planner computes route plans.
type Planner struct {
	cfg Config
	log *zap.Logger
}

// New creates a planner.
func New(cfg Config) *Planner {
	return &Planner{cfg: cfg, log: logger.Named("planner")}
}

// Plan assigns every stage of req to a node. It fails with ErrInfeasible when
// no assignment satisfies the demands and never returns a partial plan.
func (p *Planner) Plan(ctx context.Context, view ClusterView, req *types.PlanRequest) (plan *types.RoutePlan, err error) {
	if req == nil {
		return nil, fmt.Errorf("%w: nil request", types.ErrInfeasible)
	}
	ctx, span := metrics.StartSpan(ctx, "planner.Plan",
		attribute.String("model_id", req.ModelID),
		attribute.Int("stages", len(req.Stages)),
	)
	defer func() { metrics.EndSpan(span, err) }()

	start := time.Now()
	s, err := p.newSearch(ctx, view, req)
	if err != nil {
		return nil, err
	}
	if err := s.run(); err != nil {
		return nil, err
	}
	if s.best == nil {
		return nil, fmt.Errorf("%w: no connected placement for %d stages", types.ErrInfeasible, len(req.Stages))
	}

	plan = s.buildPlan()
	span.SetAttributes(
		attribute.Float64("total_cost", plan.TotalCost),
		attribute.Int("expansions", s.expansions),
	)
	p.log.Debug("plan computed",
		zap.String("plan_id", plan.ID),
		zap.String("model_id", plan.ModelID),
		zap.Float64("total_cost", plan.TotalCost),
		zap.Int("expansions", s.expansions),
		zap.Duration("elapsed", time.Since(start)),
	)
	return plan, nil
}

func (p *Planner) newSearch(ctx context.Context, view ClusterView, req *types.PlanRequest) (*search, error) {
	if view.Nodes == nil || view.Topology == nil {
		return nil, fmt.Errorf("%w: empty cluster view", types.ErrInfeasible)
	}
	if len(req.Stages) == 0 {
		return nil, fmt.Errorf("%w: request has no stages", types.ErrInfeasible)
	}

	candidates := make([]*types.Node, 0, view.Nodes.Len())
	for _, n := range view.Nodes.Nodes() {
		if !view.Topology.Contains(n.ID) {
			continue
		}
		if req.Candidates != nil && !slice.Contain(req.Candidates, n.ID) {
			continue
		}
		candidates = append(candidates, n)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: no candidate nodes", types.ErrInfeasible)
	}
	if req.Source != "" && !view.Topology.Contains(req.Source) {
		return nil, fmt.Errorf("%w: source %s is not live", types.ErrInfeasible, req.Source)
	}

	s := &search{
		ctx:      ctx,
		req:      req,
		topo:     view.Topology,
		budget:   p.cfg.MaxExpansions,
		feasible: make([][]option, len(req.Stages)),
		routes:   make(map[routeKey]routeResult),
		memUsed:  make(map[types.NodeID]int64),
		seq:      make([]option, 0, len(req.Stages)),
		log:      p.log,
	}
	for i, stage := range req.Stages {
		for _, n := range candidates {
			if satisfies(n, stage) {
				s.feasible[i] = append(s.feasible[i], option{node: n, compute: computeCost(stage, n)})
			}
		}
		if len(s.feasible[i]) == 0 {
			return nil, fmt.Errorf("%w: no node satisfies stage %d (%s)", types.ErrInfeasible, i, stage.Role)
		}
		opts := s.feasible[i]
		sort.SliceStable(opts, func(a, b int) bool {
			if !topology.CostEqual(opts[a].compute, opts[b].compute) {
				return opts[a].compute < opts[b].compute
			}
			return opts[a].node.ID < opts[b].node.ID
		})
	}

	s.lowerBound = make([]float64, len(req.Stages)+1)
	for i := len(req.Stages) - 1; i >= 0; i-- {
		s.lowerBound[i] = s.lowerBound[i+1] + s.feasible[i][0].compute
	}
	return s, nil
}

// satisfies reports whether n meets the stage's resource demands on its own.
func satisfies(n *types.Node, stage types.StageDemand) bool {
	prof := n.Profile
	if stage.MemoryBytes > prof.MemoryBytes {
		return false
	}
	if stage.MinCapability > 0 && prof.Capability < stage.MinCapability {
		return false
	}
	if stage.Work > 0 && prof.Capability <= 0 {
		return false
	}
	if stage.ComputeClass != "" && !strings.EqualFold(stage.ComputeClass, prof.ComputeClass) {
		return false
	}
	return true
}

// computeCost is the time to run the stage's work on the node.
func computeCost(stage types.StageDemand, n *types.Node) float64 {
	if stage.Work <= 0 {
		return 0
	}
	return stage.Work / n.Profile.Capability
}

// planID derives a stable id from the inputs that determine the plan.
func planID(version uint64, modelID string, placements []types.StagePlacement) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d|%s", version, modelID)
	for _, pl := range placements {
		fmt.Fprintf(&b, "|%d:%s:%s", pl.Stage, pl.Role, pl.NodeID)
	}
	return uuid.NewSHA1(planNamespace, []byte(b.String())).String()
}
