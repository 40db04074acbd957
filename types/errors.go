package types

import "errors"

// Sentinel errors for the moly control plane.
//
// None of these conditions is fatal: callers log them and continue. Components
// wrap them with context using fmt.Errorf("...: %w", err) and callers match
// them with errors.Is.

// Registry errors.
var (
	// ErrNotFound is returned when an unknown middlebox or instance id is referenced.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned on duplicate registration.
	ErrAlreadyExists = errors.New("already exists")
)

// Assignment errors.
var (
	// ErrNoCapacity is returned when rules cannot be placed because there are
	// no service instances, or no policy chain contains the submitting middlebox.
	//
	// The rules themselves stay stored; whether they are placed later depends
	// on the strategy's self-healing contract.
	ErrNoCapacity = errors.New("no capacity for rules")

	// ErrStaleRule is reported when a removal names a rule id the middlebox
	// never held. It is logged per rule and the batch continues.
	ErrStaleRule = errors.New("stale rule reference")
)

// Lifecycle errors.
var (
	// ErrAlreadyStarted is returned when Start is called on a running component.
	ErrAlreadyStarted = errors.New("already started")

	// ErrNotStarted is returned when an operation requires a started component.
	ErrNotStarted = errors.New("not started")

	// ErrInvalidConfig is returned when the configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")
)
