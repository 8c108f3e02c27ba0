package domain

import "errors"

var (
	// ErrUnexpectedStartEvent is returned when an event for an unknown
	// correlation key is not the designated start event.
	ErrUnexpectedStartEvent = errors.New("unexpected start event")

	// ErrStaleEventIgnored is returned when a duplicate or out-of-order
	// signal would re-trigger an already-applied transition, or when any
	// signal arrives after the saga reached a terminal step.
	ErrStaleEventIgnored = errors.New("stale event ignored")

	// ErrOrphanEvent is returned when a non-start event references a saga
	// that no longer exists or never started.
	ErrOrphanEvent = errors.New("orphan event")

	// ErrInvariantViolation indicates the per-key serialization contract
	// was broken (double create, removing a non-terminal saga, a signal
	// combination the transition table does not define). The offending
	// operation must be aborted.
	ErrInvariantViolation = errors.New("invariant violation")
)
