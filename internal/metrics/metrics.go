// Package metrics exposes coordinator counters and gauges to Prometheus and
// wraps OpenTelemetry spans for the query paths.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"yqhp/topology-engine/pkg/types"
)

// Plan outcomes.
const (
	PlanOK         = "ok"
	PlanInfeasible = "infeasible"
	PlanCancelled  = "cancelled"
	PlanError      = "error"
)

var (
	eventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "topology_events_total",
			Help: "Ingested events by type and result",
		},
		[]string{"type", "result"},
	)

	probesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "topology_probes_total",
			Help: "Probe results accepted into or discarded by the profiler",
		},
		[]string{"result"},
	)

	nodesGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "topology_nodes",
			Help: "Registered nodes",
		},
	)

	edgesGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "topology_edges",
			Help: "Known connection profiles by status",
		},
		[]string{"status"},
	)

	transitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "topology_member_transitions_total",
			Help: "Membership transitions by target state",
		},
		[]string{"to"},
	)

	plansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "topology_plans_total",
			Help: "Route plan requests by outcome",
		},
		[]string{"outcome"},
	)

	planLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "topology_plan_duration_seconds",
			Help:    "Time spent computing route plans",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
	)

	droppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "topology_ingest_rejected_total",
			Help: "Events rejected because an ingestion lane was full",
		},
	)

	rateLimitedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "topology_ingest_rate_limited_total",
			Help: "Ingestion requests rejected by the rate limiter",
		},
	)
)

// RecordEvent counts an applied event.
func RecordEvent(t types.EventType, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	eventsTotal.WithLabelValues(string(t), result).Inc()
}

// RecordProbe counts a probe as accepted or discarded.
func RecordProbe(accepted bool) {
	if accepted {
		probesTotal.WithLabelValues("accepted").Inc()
		return
	}
	probesTotal.WithLabelValues("discarded").Inc()
}

// RecordBackpressure counts a rejected submission.
func RecordBackpressure() {
	droppedTotal.Inc()
}

// RecordRateLimited counts a request refused by the ingestion limiter.
func RecordRateLimited() {
	rateLimitedTotal.Inc()
}

// RecordTransition counts a membership transition.
func RecordTransition(t types.Transition) {
	transitionsTotal.WithLabelValues(string(t.To)).Inc()
}

// RecordPlan records a planning outcome and its duration.
func RecordPlan(outcome string, elapsed time.Duration) {
	plansTotal.WithLabelValues(outcome).Inc()
	planLatency.Observe(elapsed.Seconds())
}

// SetClusterSize updates the node and edge gauges.
func SetClusterSize(nodes int, stats types.ProfilerStats) {
	nodesGauge.Set(float64(nodes))
	edgesGauge.WithLabelValues(string(types.EdgeFresh)).Set(float64(stats.FreshEdges))
	edgesGauge.WithLabelValues(string(types.EdgeStale)).Set(float64(stats.StaleEdges))
}
