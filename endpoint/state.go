package endpoint

// State represents the lifecycle state of an endpoint.
//
// States only move forward: Idle, Starting, Running, Stopping, Stopped.
// Running may be skipped when setup fails or Stop arrives during startup.
type State int32

const (
	// StateIdle indicates the endpoint was created but never started
	StateIdle State = iota
	// StateStarting indicates the setup hook is running
	StateStarting
	// StateRunning indicates the step loop is running
	StateRunning
	// StateStopping indicates a stop was requested or a hook failed
	StateStopping
	// StateStopped indicates teardown finished and buffers were released
	StateStopped
)

// String returns a string representation of the endpoint state
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
