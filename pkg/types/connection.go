package types

import (
	"fmt"
	"math"
	"time"
)

// EdgeKey identifies a directed connection.
type EdgeKey struct {
	From NodeID
	To   NodeID
}

// String formats the key as "from->to".
func (k EdgeKey) String() string {
	return fmt.Sprintf("%s->%s", k.From, k.To)
}

// Reverse returns the key of the opposite direction.
func (k EdgeKey) Reverse() EdgeKey {
	return EdgeKey{From: k.To, To: k.From}
}

// ProbeResult is a single measurement of a directed link.
type ProbeResult struct {
	From      NodeID        `json:"from"`
	To        NodeID        `json:"to"`
	Latency   time.Duration `json:"latency"`
	Bandwidth float64       `json:"bandwidth"` // Mbit/s
	Loss      float64       `json:"loss"`      // 0.0 to 1.0
	Timestamp time.Time     `json:"timestamp"`
}

// Key returns the directed edge the probe measured.
func (p ProbeResult) Key() EdgeKey {
	return EdgeKey{From: p.From, To: p.To}
}

// Validate checks the probe for values the profiler cannot accept.
func (p ProbeResult) Validate() error {
	switch {
	case p.From == "" || p.To == "":
		return fmt.Errorf("%w: empty endpoint", ErrInvalidProbe)
	case p.From == p.To:
		return fmt.Errorf("%w: %s", ErrSelfLoop, p.From)
	case p.Latency < 0:
		return fmt.Errorf("%w: negative latency %s", ErrInvalidProbe, p.Latency)
	case math.IsNaN(p.Bandwidth) || p.Bandwidth < 0:
		return fmt.Errorf("%w: bandwidth %f", ErrInvalidProbe, p.Bandwidth)
	case math.IsNaN(p.Loss) || p.Loss < 0 || p.Loss > 1:
		return fmt.Errorf("%w: loss %f outside [0,1]", ErrInvalidProbe, p.Loss)
	case p.Timestamp.IsZero():
		return fmt.Errorf("%w: missing timestamp", ErrInvalidProbe)
	}
	return nil
}

// ConnectionProfile is the latest accepted measurement of a directed link.
type ConnectionProfile struct {
	From        NodeID        `json:"from"`
	To          NodeID        `json:"to"`
	Latency     time.Duration `json:"latency"`
	Bandwidth   float64       `json:"bandwidth"`
	Loss        float64       `json:"loss"`
	Reliability float64       `json:"reliability"`
	Samples     int           `json:"samples"`
	Timestamp   time.Time     `json:"timestamp"`   // source clock, orders probes
	ReceivedAt  time.Time     `json:"received_at"` // local clock, drives staleness
}

// Key returns the directed edge of the profile.
func (c ConnectionProfile) Key() EdgeKey {
	return EdgeKey{From: c.From, To: c.To}
}

// EdgeStatus is the freshness of a connection profile at read time.
type EdgeStatus string

const (
	// EdgeFresh means the profile is usable.
	EdgeFresh EdgeStatus = "fresh"
	// EdgeStale means the last probe is older than the staleness threshold.
	EdgeStale EdgeStatus = "stale"
	// EdgeUnknown means the link was never probed.
	EdgeUnknown EdgeStatus = "unknown"
)

// Usable reports whether the edge may be used for routing.
func (s EdgeStatus) Usable() bool {
	return s == EdgeFresh
}
