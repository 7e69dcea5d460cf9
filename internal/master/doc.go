// Package master implements the cluster coordinator. The coordinator owns the
// node registry, connection profiler, topology graph, health monitor and
// planner, applies ingested events to them and answers topology and
// placement queries against consistent snapshots.
//
// Registration goes registry, graph, monitor. Removal goes graph, then
// registry, so the graph's vertex set is always a subset of the registry.
package master
