package extension

import "errors"

// Extension system errors.
var (
	// ErrSpecNotFound is returned when no spec with the given name exists.
	ErrSpecNotFound = errors.New("plugin spec not found")

	// ErrAlreadyRegistered is returned when a spec with the same name
	// is already registered.
	ErrAlreadyRegistered = errors.New("plugin is already registered")

	// ErrDependencyNotFound is returned when a required dependency
	// cannot be resolved.
	ErrDependencyNotFound = errors.New("could not resolve dependency")

	// ErrCircularDependency is returned when plugins depend on each
	// other in a cycle.
	ErrCircularDependency = errors.New("circular dependency detected")

	// ErrDependencyFailed is returned when a required dependency failed
	// to reach the state its dependent needs.
	ErrDependencyFailed = errors.New("dependency failed to load")

	// ErrNoFactory is returned when no factory can construct a plugin
	// for a spec.
	ErrNoFactory = errors.New("no factory registered for plugin")

	// ErrShutdownTimeout is returned when asynchronous shutdown does
	// not complete within the shutdown deadline.
	ErrShutdownTimeout = errors.New("shutdown timed out waiting for asynchronous plugins")

	// ErrUnknownOption is returned for command-line options neither the
	// manager nor any plugin declares.
	ErrUnknownOption = errors.New("unknown option")

	// ErrOptionNeedsArgument is returned when an option requiring a
	// parameter appears last on the command line.
	ErrOptionNeedsArgument = errors.New("option requires an argument")
)
