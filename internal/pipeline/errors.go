package pipeline

import "errors"

var (
	// ErrDuplicateAgent is returned when registering a name twice.
	ErrDuplicateAgent = errors.New("agent already registered")

	// ErrInvalidDependency is returned when a declared dependency has
	// not been registered yet. Registering dependencies first keeps the
	// graph acyclic by construction.
	ErrInvalidDependency = errors.New("dependency not registered")

	// ErrConcurrentRegistration is returned by Run when the dependency
	// graph no longer resolves, which can only happen if the registry
	// was mutated while the run was being planned.
	ErrConcurrentRegistration = errors.New("registry changed during run")

	// ErrRequiredFailed is returned by Run when a caller-designated
	// required agent did not succeed.
	ErrRequiredFailed = errors.New("required agent did not succeed")
)
