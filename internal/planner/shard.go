package planner

import (
	"context"
	"fmt"

	"yqhp/topology-engine/pkg/types"
)

// StagesForModel splits a layered model into n contiguous shards of nearly
// equal size. Earlier shards take the remainder layers.
func StagesForModel(model types.ModelSpec, n int) ([]types.StageDemand, error) {
	if model.Layers <= 0 {
		return nil, fmt.Errorf("model %s has no layers", model.ID)
	}
	if n < 1 || n > model.Layers {
		return nil, fmt.Errorf("cannot split %d layers into %d stages", model.Layers, n)
	}

	base, extra := model.Layers/n, model.Layers%n
	stages := make([]types.StageDemand, 0, n)
	start := 0
	for i := 0; i < n; i++ {
		count := base
		if i < extra {
			count++
		}
		stages = append(stages, types.StageDemand{
			Role:         fmt.Sprintf("shard-%d", i),
			MemoryBytes:  int64(count) * model.BytesPerLayer,
			ComputeClass: model.ComputeClass,
			Work:         float64(count) * model.WorkPerLayer,
			OutputBytes:  model.ActivationBytes,
			LayerStart:   start,
			LayerEnd:     start + count,
		})
		start += count
	}
	return stages, nil
}

// PlanModel shards the model into n stages and plans them.
func (p *Planner) PlanModel(ctx context.Context, view ClusterView, model types.ModelSpec, n int, source types.NodeID) (*types.RoutePlan, error) {
	stages, err := StagesForModel(model, n)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInfeasible, err)
	}
	return p.Plan(ctx, view, &types.PlanRequest{
		ModelID:    model.ID,
		Source:     source,
		InputBytes: model.ActivationBytes,
		Stages:     stages,
	})
}

// ShardAssignments groups a plan's layer ranges by the node serving them.
func ShardAssignments(plan *types.RoutePlan) types.ShardAssignments {
	out := types.ShardAssignments{
		ModelID: plan.ModelID,
		ByNode:  make(map[types.NodeID][]types.LayerRange),
	}
	for _, lr := range plan.Layers {
		if lr.Stage < 0 || lr.Stage >= len(plan.Placements) {
			continue
		}
		node := plan.Placements[lr.Stage].NodeID
		out.ByNode[node] = append(out.ByNode[node], lr)
	}
	return out
}
