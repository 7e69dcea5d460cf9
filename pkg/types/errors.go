package types

import "errors"

var (
	// ErrAlreadyRegistered is returned when registering an id that is present or retired.
	ErrAlreadyRegistered = errors.New("node already registered")
	// ErrNotFound is returned for operations on unknown nodes.
	ErrNotFound = errors.New("node not found")
	// ErrInfeasible is returned when no placement satisfies a plan request.
	ErrInfeasible = errors.New("plan infeasible")
	// ErrInvalidProbe is returned for malformed probe results.
	ErrInvalidProbe = errors.New("invalid probe")
	// ErrSelfLoop is returned for edges whose endpoints are equal.
	ErrSelfLoop = errors.New("self loop")
	// ErrBackpressure is returned when the ingestion queue is full.
	ErrBackpressure = errors.New("ingestion queue full")
	// ErrNotStarted is returned when the coordinator is not running.
	ErrNotStarted = errors.New("coordinator not started")
	// ErrInvalidEvent is returned for events missing required fields.
	ErrInvalidEvent = errors.New("invalid event")
)
