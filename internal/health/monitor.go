// Package health tracks membership state from heartbeats and drives node
// removal on failure or graceful departure.
//
//	Joining -> Active -> Suspected -> Failed
//	             ^          |
//	             +----------+   (heartbeat or profile update)
//	Active | Suspected -> Leaving -> Removed
//
// The monitor is the only component that removes nodes for failure. Timers
// are measured against the injected clock, whose readings are monotonic.
// A node whose removal fails stays tracked in its Failed or Leaving state and
// the removal is retried on the next Evaluate.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"yqhp/topology-engine/internal/clock"
	"yqhp/topology-engine/internal/events"
	"yqhp/topology-engine/pkg/logger"
	"yqhp/topology-engine/pkg/types"
)

// Removal reasons reported to the Remover.
const (
	ReasonFailure = "failure timeout"
	ReasonLeave   = "graceful leave"
)

// Remover deletes a node from the registry and topology.
type Remover interface {
	RemoveNode(ctx context.Context, id types.NodeID, reason string) error
}

// RemoverFunc adapts a function to Remover.
type RemoverFunc func(ctx context.Context, id types.NodeID, reason string) error

// RemoveNode calls f.
func (f RemoverFunc) RemoveNode(ctx context.Context, id types.NodeID, reason string) error {
	return f(ctx, id, reason)
}

// Config holds monitor settings.
type Config struct {
	HeartbeatInterval  time.Duration
	SuspectAfterMissed int
	FailureTimeout     time.Duration
	CheckInterval      time.Duration
}

// DefaultConfig returns the default monitor settings.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:  5 * time.Second,
		SuspectAfterMissed: 3,
		FailureTimeout:     30 * time.Second,
		CheckInterval:      time.Second,
	}
}

// Monitor is the membership state machine.
type Monitor struct {
	cfg     Config
	clock   clock.Clock
	remover Remover
	log     *zap.Logger

	mu      sync.RWMutex
	members map[types.NodeID]*member

	events *events.Broadcaster[*types.Transition]

	hookMu sync.RWMutex
	hooks  []func(types.Transition)
}

type member struct {
	mu          sync.Mutex
	id          types.NodeID
	state       types.MemberState
	lastHeard   time.Time
	suspectedAt time.Time
	missed      int
	pending     string // reason of a removal that has yet to succeed
}

// NewMonitor creates a monitor. A nil clock uses the real clock.
func NewMonitor(cfg Config, c clock.Clock, remover Remover) *Monitor {
	def := DefaultConfig()
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.SuspectAfterMissed <= 0 {
		cfg.SuspectAfterMissed = def.SuspectAfterMissed
	}
	if cfg.FailureTimeout <= 0 {
		cfg.FailureTimeout = def.FailureTimeout
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if c == nil {
		c = clock.Real{}
	}
	return &Monitor{
		cfg:     cfg,
		clock:   c,
		remover: remover,
		log:     logger.Named("health"),
		members: make(map[types.NodeID]*member),
		events:  events.NewBroadcaster[*types.Transition](events.DefaultBuffer),
	}
}

// OnTransition registers a callback invoked synchronously for every transition.
func (m *Monitor) OnTransition(fn func(types.Transition)) {
	m.hookMu.Lock()
	m.hooks = append(m.hooks, fn)
	m.hookMu.Unlock()
}

// Watch streams transitions until ctx is done.
func (m *Monitor) Watch(ctx context.Context) <-chan *types.Transition {
	return m.events.Subscribe(ctx)
}

// Join starts tracking a node in the Joining state.
func (m *Monitor) Join(id types.NodeID) error {
	now := m.clock.Now()

	m.mu.Lock()
	if _, exists := m.members[id]; exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", types.ErrAlreadyRegistered, id)
	}
	m.members[id] = &member{id: id, state: types.MemberJoining, lastHeard: now}
	m.mu.Unlock()

	m.emit(types.Transition{NodeID: id, To: types.MemberJoining, Reason: "join", At: now})
	return nil
}

// Activate completes the registration handshake.
func (m *Monitor) Activate(id types.NodeID) error {
	mem := m.lookup(id)
	if mem == nil {
		return fmt.Errorf("%w: %s", types.ErrNotFound, id)
	}

	now := m.clock.Now()
	mem.mu.Lock()
	switch mem.state {
	case types.MemberActive:
		mem.mu.Unlock()
		return nil
	case types.MemberJoining:
	default:
		state := mem.state
		mem.mu.Unlock()
		return fmt.Errorf("cannot activate %s from state %s", id, state)
	}
	mem.state = types.MemberActive
	mem.lastHeard = now
	mem.mu.Unlock()

	m.emit(types.Transition{NodeID: id, From: types.MemberJoining, To: types.MemberActive, Reason: "handshake", At: now})
	return nil
}

// Forget stops tracking a node without a transition. It is used to roll back
// a registration that failed part way.
func (m *Monitor) Forget(id types.NodeID) {
	m.mu.Lock()
	delete(m.members, id)
	m.mu.Unlock()
}

// Heartbeat records liveness. A suspected node recovers to Active.
func (m *Monitor) Heartbeat(id types.NodeID) error {
	return m.refresh(id, "heartbeat")
}

// Observe records liveness implied by a profile update.
func (m *Monitor) Observe(id types.NodeID) error {
	return m.refresh(id, "profile update")
}

func (m *Monitor) refresh(id types.NodeID, reason string) error {
	mem := m.lookup(id)
	if mem == nil {
		return fmt.Errorf("%w: %s", types.ErrNotFound, id)
	}

	now := m.clock.Now()
	mem.mu.Lock()
	if mem.state.Terminal() {
		mem.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", types.ErrNotFound, id, mem.state)
	}
	if mem.state == types.MemberLeaving {
		mem.mu.Unlock()
		return nil
	}
	mem.lastHeard = now
	mem.missed = 0
	recovered := mem.state == types.MemberSuspected
	if recovered {
		mem.state = types.MemberActive
		mem.suspectedAt = time.Time{}
	}
	mem.mu.Unlock()

	if recovered {
		m.log.Info("node recovered", zap.String("node_id", string(id)), zap.String("via", reason))
		m.emit(types.Transition{NodeID: id, From: types.MemberSuspected, To: types.MemberActive, Reason: reason, At: now})
	}
	return nil
}

// Leave removes a node that is departing gracefully. Suspicion timers are
// bypassed.
func (m *Monitor) Leave(ctx context.Context, id types.NodeID) error {
	mem := m.lookup(id)
	if mem == nil {
		return fmt.Errorf("%w: %s", types.ErrNotFound, id)
	}

	now := m.clock.Now()
	mem.mu.Lock()
	if mem.state.Terminal() || mem.state == types.MemberLeaving {
		state := mem.state
		mem.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", types.ErrNotFound, id, state)
	}
	from := mem.state
	mem.state = types.MemberLeaving
	mem.mu.Unlock()
	m.emit(types.Transition{NodeID: id, From: from, To: types.MemberLeaving, Reason: ReasonLeave, At: now})

	if err := m.evict(ctx, mem, ReasonLeave); err != nil {
		return fmt.Errorf("remove departing node %s: %w", id, err)
	}
	return nil
}

// Evaluate advances timers: Active nodes that missed enough heartbeats become
// Suspected, and Suspected nodes past the failure timeout fail and are removed.
// Removals that failed earlier are retried.
func (m *Monitor) Evaluate(ctx context.Context) {
	now := m.clock.Now()

	m.mu.RLock()
	list := make([]*member, 0, len(m.members))
	for _, mem := range m.members {
		list = append(list, mem)
	}
	m.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool { return list[i].id < list[j].id })

	var failed, retry []*member
	for _, mem := range list {
		mem.mu.Lock()
		if mem.pending != "" {
			retry = append(retry, mem)
			mem.mu.Unlock()
			continue
		}
		switch mem.state {
		case types.MemberActive:
			mem.missed = int(now.Sub(mem.lastHeard) / m.cfg.HeartbeatInterval)
			if mem.missed >= m.cfg.SuspectAfterMissed {
				mem.state = types.MemberSuspected
				mem.suspectedAt = now
				missed := mem.missed
				mem.mu.Unlock()
				m.log.Warn("node suspected", zap.String("node_id", string(mem.id)), zap.Int("missed", missed))
				m.emit(types.Transition{
					NodeID: mem.id,
					From:   types.MemberActive,
					To:     types.MemberSuspected,
					Reason: fmt.Sprintf("missed %d heartbeats", missed),
					At:     now,
				})
				continue
			}
		case types.MemberSuspected:
			mem.missed = int(now.Sub(mem.lastHeard) / m.cfg.HeartbeatInterval)
			if now.Sub(mem.suspectedAt) >= m.cfg.FailureTimeout {
				mem.state = types.MemberFailed
				failed = append(failed, mem)
			}
		}
		mem.mu.Unlock()
	}

	for _, mem := range failed {
		m.log.Warn("node failed", zap.String("node_id", string(mem.id)))
		m.emit(types.Transition{NodeID: mem.id, From: types.MemberSuspected, To: types.MemberFailed, Reason: ReasonFailure, At: now})
		if err := m.evict(ctx, mem, ReasonFailure); err != nil {
			m.log.Error("failed to remove node", zap.String("node_id", string(mem.id)), zap.Error(err))
		}
	}
	for _, mem := range retry {
		mem.mu.Lock()
		reason := mem.pending
		mem.mu.Unlock()
		if err := m.evict(ctx, mem, reason); err != nil {
			m.log.Error("retry of node removal failed", zap.String("node_id", string(mem.id)), zap.Error(err))
		}
	}
}

// evict calls the remover and stops tracking the member once it succeeds. A
// departing member then emits Leaving -> Removed. On error the member is kept
// and marked for retry.
func (m *Monitor) evict(ctx context.Context, mem *member, reason string) error {
	if m.remover != nil {
		if err := m.remover.RemoveNode(ctx, mem.id, reason); err != nil {
			mem.mu.Lock()
			mem.pending = reason
			mem.mu.Unlock()
			return err
		}
	}

	mem.mu.Lock()
	mem.pending = ""
	leaving := mem.state == types.MemberLeaving
	if leaving {
		mem.state = types.MemberRemoved
	}
	mem.mu.Unlock()

	m.mu.Lock()
	delete(m.members, mem.id)
	m.mu.Unlock()

	if leaving {
		m.log.Info("node removed", zap.String("node_id", string(mem.id)), zap.String("reason", reason))
		m.emit(types.Transition{NodeID: mem.id, From: types.MemberLeaving, To: types.MemberRemoved, Reason: reason, At: m.clock.Now()})
	}
	return nil
}

// Run evaluates timers every CheckInterval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Evaluate(ctx)
		}
	}
}

// State returns the current state of a tracked node.
func (m *Monitor) State(id types.NodeID) (types.MemberState, error) {
	mem := m.lookup(id)
	if mem == nil {
		return "", fmt.Errorf("%w: %s", types.ErrNotFound, id)
	}
	mem.mu.Lock()
	defer mem.mu.Unlock()
	return mem.state, nil
}

// Members returns every tracked node sorted by id.
func (m *Monitor) Members() []types.Member {
	m.mu.RLock()
	list := make([]*member, 0, len(m.members))
	for _, mem := range m.members {
		list = append(list, mem)
	}
	m.mu.RUnlock()

	out := make([]types.Member, 0, len(list))
	for _, mem := range list {
		mem.mu.Lock()
		out = append(out, types.Member{
			NodeID:      mem.id,
			State:       mem.state,
			LastHeard:   mem.lastHeard,
			Missed:      mem.missed,
			SuspectedAt: mem.suspectedAt,
		})
		mem.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

func (m *Monitor) lookup(id types.NodeID) *member {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.members[id]
}

func (m *Monitor) emit(t types.Transition) {
	m.hookMu.RLock()
	hooks := m.hooks
	m.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(t)
	}
	m.events.Publish(&t)
}
