package topology

import (
	"math"

	"yqhp/topology-engine/pkg/types"
)

// CostFunc weighs a directed edge. Results that are negative, NaN or +Inf
// make the edge unusable for that query. The built-in cost functions stay
// finite for every profile the profiler accepts, so under them a best path
// exists exactly when the endpoints are connected.
type CostFunc func(c types.ConnectionProfile) float64

const (
	// minBandwidthMbps stands in for a measured bandwidth of zero.
	minBandwidthMbps = 1e-6
	// minReliability stands in for a link that lost every probe.
	minReliability = 1e-6
)

// LatencyCost weighs an edge by its latency in seconds.
func LatencyCost(c types.ConnectionProfile) float64 {
	return c.Latency.Seconds()
}

// HopCost weighs every edge equally.
func HopCost(types.ConnectionProfile) float64 {
	return 1
}

// TransferCost weighs an edge by the time to move bytes across it: latency
// plus serialisation at the measured bandwidth (Mbit/s).
func TransferCost(bytes int64) CostFunc {
	return func(c types.ConnectionProfile) float64 {
		t := c.Latency.Seconds()
		if bytes <= 0 {
			return t
		}
		bw := math.Max(c.Bandwidth, minBandwidthMbps)
		return t + float64(bytes)*8/(bw*1e6)
	}
}

// ReliabilityWeighted inflates the inner cost of unreliable edges.
func ReliabilityWeighted(inner CostFunc) CostFunc {
	return func(c types.ConnectionProfile) float64 {
		return inner(c) / math.Max(c.Reliability, minReliability)
	}
}

// CostByName resolves a named metric. Unknown names fall back to latency.
func CostByName(name string, bytes int64) CostFunc {
	switch name {
	case "hops":
		return HopCost
	case "transfer":
		return TransferCost(bytes)
	case "reliable":
		return ReliabilityWeighted(TransferCost(bytes))
	default:
		return LatencyCost
	}
}

func usableCost(w float64) bool {
	return !math.IsNaN(w) && !math.IsInf(w, 0) && w >= 0
}

const costEpsilon = 1e-9

func costEqual(a, b float64) bool {
	scale := math.Max(1, math.Max(math.Abs(a), math.Abs(b)))
	return math.Abs(a-b) <= costEpsilon*scale
}

// CostLess orders costs, treating values within a relative epsilon as equal.
func CostLess(a, b float64) bool {
	return !costEqual(a, b) && a < b
}

// CostEqual reports whether two costs tie.
func CostEqual(a, b float64) bool {
	return costEqual(a, b)
}
