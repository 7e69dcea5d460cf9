package rest

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"yqhp/topology-engine/internal/master"
	"yqhp/topology-engine/internal/planner"
	"yqhp/topology-engine/pkg/types"
)

// healthCheck handles GET /health
func (s *Server) healthCheck(c *fiber.Ctx) error {
	return c.JSON(HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

// readyCheck handles GET /ready
func (s *Server) readyCheck(c *fiber.Ctx) error {
	ready := s.cluster != nil && s.cluster.State() == master.StateRunning
	status := "ready"
	code := fiber.StatusOK
	if !ready {
		status = "not_ready"
		code = fiber.StatusServiceUnavailable
	}

	return c.Status(code).JSON(ReadyResponse{
		Ready:     ready,
		Status:    status,
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

// registerNode handles POST /api/v1/nodes/register. Registration is applied
// synchronously so the caller learns about conflicts.
func (s *Server) registerNode(c *fiber.Ctx) error {
	var req RegisterRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Failed to parse request body: "+err.Error())
	}
	if req.NodeID == "" {
		req.NodeID = types.NodeID(uuid.NewString())
	}

	ev := types.Event{
		Type:      types.EventRegister,
		NodeID:    req.NodeID,
		Timestamp: time.Now(),
		Profile:   &req.Profile,
	}
	if err := s.cluster.Apply(c.UserContext(), ev); err != nil {
		return fail(c, err)
	}

	node, err := s.cluster.Node(c.UserContext(), req.NodeID)
	if err != nil {
		// removed again before we could read it back
		return fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(RegisterResponse{
		NodeID:        node.ID,
		CoordinatorID: s.cluster.ID(),
		RegisteredAt:  node.RegisteredAt,
	})
}

// updateProfile handles PUT /api/v1/nodes/:id/profile
func (s *Server) updateProfile(c *fiber.Ctx) error {
	id := types.NodeID(c.Params("id"))

	var profile types.NodeProfile
	if err := c.BodyParser(&profile); err != nil {
		return badRequest(c, "Failed to parse request body: "+err.Error())
	}
	return s.enqueue(c, types.Event{
		Type:      types.EventProfileUpdate,
		NodeID:    id,
		Timestamp: time.Now(),
		Profile:   &profile,
	})
}

// heartbeat handles POST /api/v1/nodes/:id/heartbeat
func (s *Server) heartbeat(c *fiber.Ctx) error {
	return s.enqueue(c, types.Event{
		Type:      types.EventHeartbeat,
		NodeID:    types.NodeID(c.Params("id")),
		Timestamp: time.Now(),
	})
}

// enqueue submits a per-node event after checking that the node is
// registered, so agents learn about removal from the status code.
func (s *Server) enqueue(c *fiber.Ctx, ev types.Event) error {
	if _, err := s.cluster.Node(c.UserContext(), ev.NodeID); err != nil {
		return fail(c, err)
	}
	if err := s.cluster.Submit(ev); err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(SuccessResponse{Success: true})
}

// leave handles POST /api/v1/nodes/:id/leave
func (s *Server) leave(c *fiber.Ctx) error {
	id := types.NodeID(c.Params("id"))

	ev := types.Event{Type: types.EventLeave, NodeID: id, Timestamp: time.Now()}
	if err := s.cluster.Apply(c.UserContext(), ev); err != nil {
		return fail(c, err)
	}
	return c.JSON(SuccessResponse{
		Success: true,
		Message: fmt.Sprintf("node %s left", id),
	})
}

// reportProbes handles POST /api/v1/probes. Malformed probes are reported
// back individually; the rest are queued on their source node's lane.
func (s *Server) reportProbes(c *fiber.Ctx) error {
	var req ProbeReportRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Failed to parse request body: "+err.Error())
	}

	resp := ProbeReportResponse{}
	for i := range req.Probes {
		p := req.Probes[i]
		if err := p.Validate(); err != nil {
			resp.Rejected = append(resp.Rejected, ProbeRejection{Index: i, Error: err.Error()})
			continue
		}
		err := s.cluster.Submit(types.Event{
			Type:      types.EventProbe,
			NodeID:    p.From,
			Timestamp: p.Timestamp,
			Probe:     &p,
		})
		if err != nil {
			s.log.Debug("probe batch cut short", zap.Int("accepted", resp.Accepted), zap.Error(err))
			return fail(c, err)
		}
		resp.Accepted++
	}
	return c.Status(fiber.StatusAccepted).JSON(resp)
}

// listNodes handles GET /api/v1/nodes?role=&compute_class=&label=k=v
func (s *Server) listNodes(c *fiber.Ctx) error {
	filter := &types.NodeFilter{
		Role:         types.NodeRole(c.Query("role")),
		ComputeClass: c.Query("compute_class"),
	}
	if labels := c.Query("label"); labels != "" {
		filter.Labels = make(map[string]string)
		for _, pair := range strings.Split(labels, ",") {
			kv := strings.SplitN(pair, "=", 2)
			if len(kv) != 2 {
				return badRequest(c, "label must be key=value")
			}
			filter.Labels[kv[0]] = kv[1]
		}
	}

	nodes := s.cluster.Nodes(c.UserContext(), filter)
	return c.JSON(NodeListResponse{Nodes: nodes, Total: len(nodes)})
}

// getNode handles GET /api/v1/nodes/:id
func (s *Server) getNode(c *fiber.Ctx) error {
	node, err := s.cluster.Node(c.UserContext(), types.NodeID(c.Params("id")))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(node)
}

// getTopology handles GET /api/v1/topology
func (s *Server) getTopology(c *fiber.Ctx) error {
	return c.JSON(toTopologyResponse(s.cluster.Topology()))
}

// bestPath handles GET /api/v1/topology/path?from=&to=&metric=&bytes=
func (s *Server) bestPath(c *fiber.Ctx) error {
	from := types.NodeID(c.Query("from"))
	to := types.NodeID(c.Query("to"))
	if from == "" || to == "" {
		return badRequest(c, "from and to are required")
	}
	metric := c.Query("metric", "latency")
	var bytes int64
	if raw := c.Query("bytes"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			return badRequest(c, "bytes must be a non-negative integer")
		}
		bytes = v
	}

	resp := PathResponse{From: from, To: to, Metric: metric}
	if path, ok := s.cluster.BestPath(from, to, metric, bytes); ok {
		resp.Found = true
		resp.Nodes = path.Nodes
		resp.Edges = path.Edges()
		resp.Hops = path.Hops()
		resp.Cost = path.Cost
	}
	return c.JSON(resp)
}

// connected handles GET /api/v1/topology/connected?a=&b=
func (s *Server) connected(c *fiber.Ctx) error {
	a := types.NodeID(c.Query("a"))
	b := types.NodeID(c.Query("b"))
	if a == "" || b == "" {
		return badRequest(c, "a and b are required")
	}
	return c.JSON(ConnectedResponse{A: a, B: b, Connected: s.cluster.Connected(a, b)})
}

// plan handles POST /api/v1/plans
func (s *Server) plan(c *fiber.Ctx) error {
	var req PlanRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Failed to parse request body: "+err.Error())
	}

	ctx := c.UserContext()
	if s.config.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.WriteTimeout)
		defer cancel()
	}

	var (
		plan *types.RoutePlan
		err  error
	)
	switch {
	case req.Model != nil:
		if req.StageCount < 1 {
			return badRequest(c, "stage_count must be at least 1")
		}
		plan, err = s.cluster.PlanModel(ctx, *req.Model, req.StageCount, req.Source)
	case len(req.Stages) > 0:
		plan, err = s.cluster.Plan(ctx, &req.PlanRequest)
	default:
		return badRequest(c, "either stages or model must be provided")
	}
	if err != nil {
		return fail(c, err)
	}

	resp := PlanResponse{Plan: plan}
	if len(plan.Layers) > 0 {
		shards := planner.ShardAssignments(plan)
		resp.Shards = &shards
	}
	return c.JSON(resp)
}

// listMembers handles GET /api/v1/members
func (s *Server) listMembers(c *fiber.Ctx) error {
	members := s.cluster.Members()
	return c.JSON(MemberListResponse{Members: members, Total: len(members)})
}

// export handles GET /api/v1/diagnostics/export
func (s *Server) export(c *fiber.Ctx) error {
	return c.JSON(s.cluster.Export())
}

// stats handles GET /api/v1/diagnostics/stats
func (s *Server) stats(c *fiber.Ctx) error {
	members := s.cluster.Members()
	byState := make(map[string]int)
	for _, m := range members {
		byState[string(m.State)]++
	}
	return c.JSON(StatsResponse{
		CoordinatorID: s.cluster.ID(),
		State:         string(s.cluster.State()),
		Nodes:         len(s.cluster.Nodes(c.UserContext(), nil)),
		Members:       byState,
		Profiler:      s.cluster.Stats(),
	})
}
