package planner

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"yqhp/topology-engine/internal/topology"
	"yqhp/topology-engine/pkg/types"
)

// ctxCheckInterval is how many expansions run between cancellation checks.
const ctxCheckInterval = 256

type option struct {
	node    *types.Node
	compute float64
}

type routeKey struct {
	from, to types.NodeID
	bytes    int64
}

type routeResult struct {
	path topology.Path
	ok   bool
}

// candidate is a complete assignment with the keys used to rank it.
type candidate struct {
	seq      []option
	cost     float64
	compute  float64
	transfer float64
	load     float64
	queue    int
}

// better ranks assignments: total cost, then summed load, then summed queue
// depth, then the node sequence.
func (c *candidate) better(o *candidate) bool {
	if !topology.CostEqual(c.cost, o.cost) {
		return c.cost < o.cost
	}
	if !topology.CostEqual(c.load, o.load) {
		return c.load < o.load
	}
	if c.queue != o.queue {
		return c.queue < o.queue
	}
	for i := range c.seq {
		if c.seq[i].node.ID != o.seq[i].node.ID {
			return c.seq[i].node.ID < o.seq[i].node.ID
		}
	}
	return false
}

// search is a depth-first branch and bound over stage assignments. Stages
// are placed in order; lowerBound[i] is the cheapest possible compute cost of
// stages i.. and never overestimates, so pruning keeps the optimum.
type search struct {
	ctx        context.Context
	req        *types.PlanRequest
	topo       *topology.Snapshot
	budget     int
	feasible   [][]option
	lowerBound []float64
	routes     map[routeKey]routeResult
	memUsed    map[types.NodeID]int64
	seq        []option
	log        *zap.Logger

	expansions int
	exhausted  bool
	best       *candidate
}

func (s *search) run() error {
	if err := s.visit(0, 0, 0, 0, 0, 0); err != nil {
		return err
	}
	if s.exhausted {
		if s.best == nil {
			return fmt.Errorf("%w: search budget of %d expansions exhausted", types.ErrInfeasible, s.budget)
		}
		s.log.Warn("search budget exhausted, returning best plan found",
			zap.String("model_id", s.req.ModelID),
			zap.Int("budget", s.budget),
		)
	}
	return nil
}

func (s *search) visit(i int, cost, compute, transfer, load float64, queue int) error {
	if s.exhausted {
		return nil
	}
	s.expansions++
	if s.expansions%ctxCheckInterval == 0 {
		if err := s.ctx.Err(); err != nil {
			return fmt.Errorf("planning cancelled: %w", err)
		}
	}
	if s.budget > 0 && s.expansions > s.budget {
		s.exhausted = true
		return nil
	}

	if s.best != nil {
		bound := cost + s.lowerBound[i]
		if !topology.CostEqual(bound, s.best.cost) && bound > s.best.cost {
			return nil
		}
	}

	if i == len(s.req.Stages) {
		c := &candidate{
			seq:      append([]option(nil), s.seq...),
			cost:     cost,
			compute:  compute,
			transfer: transfer,
			load:     load,
			queue:    queue,
		}
		if s.best == nil || c.better(s.best) {
			s.best = c
		}
		return nil
	}

	stage := s.req.Stages[i]
	for _, opt := range s.feasible[i] {
		id := opt.node.ID
		if s.memUsed[id]+stage.MemoryBytes > opt.node.Profile.MemoryBytes {
			continue
		}

		hop, ok := s.inboundTransfer(i, id)
		if !ok {
			continue
		}

		s.memUsed[id] += stage.MemoryBytes
		s.seq = append(s.seq, opt)
		err := s.visit(i+1,
			cost+opt.compute+hop,
			compute+opt.compute,
			transfer+hop,
			load+opt.node.Profile.Load,
			queue+opt.node.Profile.QueueDepth,
		)
		s.seq = s.seq[:len(s.seq)-1]
		s.memUsed[id] -= stage.MemoryBytes
		if err != nil {
			return err
		}
	}
	return nil
}

// inboundTransfer is the cost of moving stage i's input onto node id.
func (s *search) inboundTransfer(i int, id types.NodeID) (float64, bool) {
	if i == 0 {
		if s.req.Source == "" {
			return 0, true
		}
		r := s.route(s.req.Source, id, s.req.InputBytes)
		return r.path.Cost, r.ok
	}
	prev := s.seq[i-1].node.ID
	r := s.route(prev, id, s.req.Stages[i-1].OutputBytes)
	return r.path.Cost, r.ok
}

func (s *search) route(from, to types.NodeID, bytes int64) routeResult {
	key := routeKey{from: from, to: to, bytes: bytes}
	if r, ok := s.routes[key]; ok {
		return r
	}
	var r routeResult
	if from == to {
		r = routeResult{path: topology.Path{Nodes: []types.NodeID{from}}, ok: true}
	} else {
		r.path, r.ok = s.topo.BestPath(from, to, topology.TransferCost(bytes))
	}
	s.routes[key] = r
	return r
}

func (s *search) buildPlan() *types.RoutePlan {
	best := s.best
	plan := &types.RoutePlan{
		ModelID:         s.req.ModelID,
		SnapshotVersion: s.topo.Version(),
		ComputeCost:     best.compute,
		TransferCost:    best.transfer,
		TotalCost:       best.cost,
	}

	for i, opt := range best.seq {
		stage := s.req.Stages[i]
		plan.Placements = append(plan.Placements, types.StagePlacement{
			Stage:  i,
			Role:   stage.Role,
			NodeID: opt.node.ID,
			Cost:   opt.compute,
		})
		if stage.LayerEnd > stage.LayerStart {
			plan.Layers = append(plan.Layers, types.LayerRange{Stage: i, Start: stage.LayerStart, End: stage.LayerEnd})
		}

		var from types.NodeID
		var bytes int64
		switch {
		case i == 0 && s.req.Source != "":
			from, bytes = s.req.Source, s.req.InputBytes
		case i > 0:
			from, bytes = best.seq[i-1].node.ID, s.req.Stages[i-1].OutputBytes
		default:
			continue
		}
		if from == opt.node.ID {
			continue
		}
		r := s.route(from, opt.node.ID, bytes)
		plan.Routes = append(plan.Routes, types.Route{
			FromStage: i - 1,
			ToStage:   i,
			Path:      r.path.Nodes,
			Edges:     r.path.Edges(),
			Cost:      r.path.Cost,
		})
	}

	plan.ID = planID(plan.SnapshotVersion, plan.ModelID, plan.Placements)
	return plan
}
