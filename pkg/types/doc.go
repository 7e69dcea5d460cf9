// Package types defines the shared data model of the topology engine:
// nodes and their profiles, directed connection profiles, ingestion
// events, membership states, route plans and the read-only export view.
package types
