// Package registry holds the authoritative set of live nodes and their
// profiles. Each node has its own lock, so updates to different nodes
// proceed concurrently; registration and removal are atomic.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/duke-git/lancet/v2/slice"
	"go.uber.org/zap"

	"yqhp/topology-engine/internal/clock"
	"yqhp/topology-engine/internal/events"
	"yqhp/topology-engine/pkg/logger"
	"yqhp/topology-engine/pkg/types"
)

// Registry is an in-memory node registry.
type Registry struct {
	mu      sync.RWMutex
	nodes   map[types.NodeID]*entry
	retired map[types.NodeID]struct{}

	events *events.Broadcaster[*types.NodeEvent]
	clock  clock.Clock
	log    *zap.Logger
}

type entry struct {
	mu      sync.RWMutex
	node    types.Node
	removed bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock sets the clock used for registration and update timestamps.
func WithClock(c clock.Clock) Option {
	return func(r *Registry) {
		r.clock = c
	}
}

// WithLogger sets the registry logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) {
		r.log = l
	}
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		nodes:   make(map[types.NodeID]*entry),
		retired: make(map[types.NodeID]struct{}),
		events:  events.NewBroadcaster[*types.NodeEvent](events.DefaultBuffer),
		clock:   clock.Real{},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = logger.Named("registry")
	}
	return r
}

// Register adds a node. Ids that are present or were ever removed are rejected.
func (r *Registry) Register(ctx context.Context, id types.NodeID, profile types.NodeProfile) error {
	if id == "" {
		return fmt.Errorf("node id cannot be empty")
	}

	now := r.clock.Now()
	e := &entry{node: types.Node{
		ID:           id,
		Profile:      profile.Clone(),
		RegisteredAt: now,
		UpdatedAt:    now,
	}}

	r.mu.Lock()
	if _, exists := r.nodes[id]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", types.ErrAlreadyRegistered, id)
	}
	if _, gone := r.retired[id]; gone {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s was retired", types.ErrAlreadyRegistered, id)
	}
	r.nodes[id] = e
	r.mu.Unlock()

	r.log.Debug("node registered", zap.String("node_id", string(id)), zap.String("role", string(profile.Role)))
	r.events.Publish(&types.NodeEvent{
		Type:      types.NodeEventRegistered,
		NodeID:    id,
		Node:      e.node.Clone(),
		Timestamp: now,
	})
	return nil
}

// UpdateProfile replaces the node's profile. The last write to arrive wins.
func (r *Registry) UpdateProfile(ctx context.Context, id types.NodeID, profile types.NodeProfile) error {
	e := r.lookup(id)
	if e == nil {
		return fmt.Errorf("%w: %s", types.ErrNotFound, id)
	}

	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", types.ErrNotFound, id)
	}
	e.node.Profile = profile.Clone()
	e.node.UpdatedAt = r.clock.Now()
	node := e.node.Clone()
	e.mu.Unlock()

	r.events.Publish(&types.NodeEvent{
		Type:      types.NodeEventUpdated,
		NodeID:    id,
		Node:      node,
		Timestamp: node.UpdatedAt,
	})
	return nil
}

// Remove deletes the node and retires its id. The removed node is returned.
func (r *Registry) Remove(ctx context.Context, id types.NodeID) (*types.Node, error) {
	r.mu.Lock()
	e, ok := r.nodes[id]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", types.ErrNotFound, id)
	}
	e.mu.Lock()
	e.removed = true
	node := e.node.Clone()
	e.mu.Unlock()
	delete(r.nodes, id)
	r.retired[id] = struct{}{}
	r.mu.Unlock()

	r.log.Debug("node removed", zap.String("node_id", string(id)))
	r.events.Publish(&types.NodeEvent{
		Type:      types.NodeEventRemoved,
		NodeID:    id,
		Node:      node,
		Timestamp: r.clock.Now(),
	})
	return node, nil
}

// Get returns a copy of the node.
func (r *Registry) Get(ctx context.Context, id types.NodeID) (*types.Node, error) {
	e := r.lookup(id)
	if e == nil {
		return nil, fmt.Errorf("%w: %s", types.ErrNotFound, id)
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.removed {
		return nil, fmt.Errorf("%w: %s", types.ErrNotFound, id)
	}
	return e.node.Clone(), nil
}

// Contains reports whether the node is registered.
func (r *Registry) Contains(id types.NodeID) bool {
	return r.lookup(id) != nil
}

// Retired reports whether the id belonged to a removed node.
func (r *Registry) Retired(id types.NodeID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.retired[id]
	return ok
}

// Count returns the number of registered nodes.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// Snapshot returns a consistent point-in-time copy of every node. All node
// locks are held together while copying, so no update is half visible.
func (r *Registry) Snapshot() *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]types.NodeID, 0, len(r.nodes))
	for id := range r.nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	held := make([]*entry, 0, len(ids))
	for _, id := range ids {
		e := r.nodes[id]
		e.mu.RLock()
		held = append(held, e)
	}
	nodes := make([]*types.Node, 0, len(held))
	for _, e := range held {
		nodes = append(nodes, e.node.Clone())
	}
	for _, e := range held {
		e.mu.RUnlock()
	}

	return newSnapshot(nodes, r.clock.Now())
}

// List returns the nodes matching the filter, sorted by id.
func (r *Registry) List(ctx context.Context, filter *types.NodeFilter) []*types.Node {
	snap := r.Snapshot()
	if filter == nil {
		return snap.Nodes()
	}
	return slice.Filter(snap.Nodes(), func(_ int, n *types.Node) bool {
		return matchesFilter(n, filter)
	})
}

// Watch streams registry events until ctx is done.
func (r *Registry) Watch(ctx context.Context) <-chan *types.NodeEvent {
	return r.events.Subscribe(ctx)
}

func (r *Registry) lookup(id types.NodeID) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nodes[id]
}

func matchesFilter(n *types.Node, filter *types.NodeFilter) bool {
	if len(filter.IDs) > 0 && !slice.Contain(filter.IDs, n.ID) {
		return false
	}
	if filter.Role != "" && n.Profile.Role != filter.Role {
		return false
	}
	if filter.ComputeClass != "" && n.Profile.ComputeClass != filter.ComputeClass {
		return false
	}
	for k, v := range filter.Labels {
		if n.Profile.Labels[k] != v {
			return false
		}
	}
	return true
}
