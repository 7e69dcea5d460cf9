package types

import (
	"fmt"
	"time"
)

// EventType defines ingestion event types.
type EventType string

const (
	EventRegister      EventType = "register"
	EventProfileUpdate EventType = "profile_update"
	EventProbe         EventType = "probe"
	EventHeartbeat     EventType = "heartbeat"
	EventLeave         EventType = "leave"
)

// Event is the envelope for everything delivered to the core.
type Event struct {
	Type      EventType    `json:"type"`
	NodeID    NodeID       `json:"node_id"`
	Timestamp time.Time    `json:"timestamp"`
	Profile   *NodeProfile `json:"profile,omitempty"`
	Probe     *ProbeResult `json:"probe,omitempty"`
}

// Validate checks that the payload required by the event type is present.
func (e *Event) Validate() error {
	if e.NodeID == "" {
		return fmt.Errorf("%w: missing node id", ErrInvalidEvent)
	}
	switch e.Type {
	case EventRegister, EventProfileUpdate:
		if e.Profile == nil {
			return fmt.Errorf("%w: %s requires a profile", ErrInvalidEvent, e.Type)
		}
	case EventProbe:
		if e.Probe == nil {
			return fmt.Errorf("%w: probe event without probe", ErrInvalidEvent)
		}
		if e.Probe.From != e.NodeID {
			return fmt.Errorf("%w: probe source %s does not match node %s", ErrInvalidEvent, e.Probe.From, e.NodeID)
		}
	case EventHeartbeat, EventLeave:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, e.Type)
	}
	return nil
}

// MemberState is the health state of a cluster member.
type MemberState string

const (
	MemberJoining   MemberState = "joining"
	MemberActive    MemberState = "active"
	MemberSuspected MemberState = "suspected"
	MemberFailed    MemberState = "failed"
	MemberLeaving   MemberState = "leaving"
	MemberRemoved   MemberState = "removed"
)

// Terminal reports whether no further transitions are possible.
func (s MemberState) Terminal() bool {
	return s == MemberFailed || s == MemberRemoved
}

// Member is a point-in-time view of a member's health.
type Member struct {
	NodeID      NodeID      `json:"node_id"`
	State       MemberState `json:"state"`
	LastHeard   time.Time   `json:"last_heard"`
	Missed      int         `json:"missed"`
	SuspectedAt time.Time   `json:"suspected_at,omitempty"`
}

// Transition records a membership state change.
type Transition struct {
	NodeID NodeID      `json:"node_id"`
	From   MemberState `json:"from"`
	To     MemberState `json:"to"`
	Reason string      `json:"reason"`
	At     time.Time   `json:"at"`
}
