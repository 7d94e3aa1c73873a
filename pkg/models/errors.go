package models

import "errors"

// Error taxonomy for the control plane. Callers branch with errors.Is;
// call sites wrap with fmt.Errorf("...: %w", ...) to add identifiers.
var (
	// ErrNotFound indicates an unknown agent/task/command/operation id
	ErrNotFound = errors.New("not found")

	// ErrInvalidRequest indicates malformed parameters, an empty target
	// set, or an out-of-range priority
	ErrInvalidRequest = errors.New("invalid request")

	// ErrUnknownAgent indicates a heartbeat from an agent that never
	// registered; the agent must re-register
	ErrUnknownAgent = errors.New("unknown agent")

	// ErrAgentOffline indicates a command targeted an offline agent
	ErrAgentOffline = errors.New("agent offline")

	// ErrAgentUnreachable indicates a network or timeout failure talking
	// to an agent
	ErrAgentUnreachable = errors.New("agent unreachable")

	// ErrConflict indicates an illegal state transition, e.g. re-assigning
	// an already-assigned task without first clearing it
	ErrConflict = errors.New("conflict")

	// ErrExhausted indicates a scheduled command past max_repeats or
	// already cancelled
	ErrExhausted = errors.New("exhausted")
)
