package extension

// State represents the lifecycle state of a plugin spec.
// States advance strictly forward; an error freezes the spec in its
// current state with the failure recorded on the spec.
type State int

// Plugin lifecycle states, in order.
const (
	// StateInvalid - the manifest failed to parse or validate, or the
	// plugin failed somewhere along the lifecycle.
	StateInvalid State = iota

	// StateRead - the manifest was read and validated successfully.
	StateRead

	// StateResolved - all required dependencies were matched to
	// concrete specs.
	StateResolved

	// StateLoaded - the plugin instance exists.
	StateLoaded

	// StateInitialized - the plugin's Initialize hook succeeded.
	StateInitialized

	// StateRunning - dependencies are initialized and the plugin's
	// ExtensionsInitialized hook ran.
	StateRunning

	// StateStopped - the plugin's AboutToShutdown hook ran.
	StateStopped

	// StateDeleted - the plugin instance was released.
	StateDeleted
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateInvalid:
		return "invalid"
	case StateRead:
		return "read"
	case StateResolved:
		return "resolved"
	case StateLoaded:
		return "loaded"
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}
