package master

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"

	"go.uber.org/zap"

	"yqhp/topology-engine/internal/metrics"
	"yqhp/topology-engine/pkg/types"
)

// Apply validates and applies one event synchronously.
func (c *Coordinator) Apply(ctx context.Context, ev types.Event) (err error) {
	defer func() { metrics.RecordEvent(ev.Type, err) }()

	if err := ev.Validate(); err != nil {
		return err
	}

	switch ev.Type {
	case types.EventRegister:
		return c.register(ctx, ev.NodeID, *ev.Profile)
	case types.EventProfileUpdate:
		if err := c.registry.UpdateProfile(ctx, ev.NodeID, *ev.Profile); err != nil {
			return err
		}
		return c.monitor.Observe(ev.NodeID)
	case types.EventProbe:
		_, accepted, err := c.graph.AddOrUpdateEdge(*ev.Probe)
		if err != nil {
			return err
		}
		metrics.RecordProbe(accepted)
		return nil
	case types.EventHeartbeat:
		return c.monitor.Heartbeat(ev.NodeID)
	case types.EventLeave:
		return c.monitor.Leave(ctx, ev.NodeID)
	}
	return fmt.Errorf("%w: unknown type %q", types.ErrInvalidEvent, ev.Type)
}

// register performs the registration handshake. A failure part way rolls
// back what was added.
func (c *Coordinator) register(ctx context.Context, id types.NodeID, profile types.NodeProfile) error {
	if err := c.registry.Register(ctx, id, profile); err != nil {
		return err
	}
	if err := c.graph.AddNode(id); err != nil {
		_, _ = c.registry.Remove(ctx, id)
		return fmt.Errorf("add vertex %s: %w", id, err)
	}
	if err := c.monitor.Join(id); err != nil {
		_, _ = c.graph.RemoveNode(id)
		_, _ = c.registry.Remove(ctx, id)
		return fmt.Errorf("join %s: %w", id, err)
	}
	if err := c.monitor.Activate(id); err != nil {
		c.monitor.Forget(id)
		_, _ = c.graph.RemoveNode(id)
		_, _ = c.registry.Remove(ctx, id)
		return fmt.Errorf("activate %s: %w", id, err)
	}

	c.log.Info("node registered",
		zap.String("node_id", string(id)),
		zap.String("role", string(profile.Role)),
		zap.String("address", profile.Address),
	)
	return nil
}

// Submit enqueues an event on the lane owned by its node. Events from one
// node are applied in submission order. A full lane rejects the event with
// ErrBackpressure.
func (c *Coordinator) Submit(ev types.Event) error {
	if !c.started.Load() {
		return types.ErrNotStarted
	}
	if err := ev.Validate(); err != nil {
		return err
	}

	select {
	case c.lanes[c.laneFor(ev.NodeID)] <- ev:
		return nil
	default:
		metrics.RecordBackpressure()
		return fmt.Errorf("%w: node %s", types.ErrBackpressure, ev.NodeID)
	}
}

func (c *Coordinator) laneFor(id types.NodeID) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return int(h.Sum32() % uint32(len(c.lanes)))
}

func (c *Coordinator) drain(ctx context.Context, lane <-chan types.Event) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-lane:
			if err := c.Apply(ctx, ev); err != nil {
				level := c.log.Warn
				if errors.Is(err, types.ErrNotFound) || errors.Is(err, types.ErrInvalidProbe) {
					level = c.log.Debug
				}
				level("event rejected",
					zap.String("type", string(ev.Type)),
					zap.String("node_id", string(ev.NodeID)),
					zap.Error(err),
				)
			}
		}
	}
}
