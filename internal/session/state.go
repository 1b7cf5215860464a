package session

// State is the session lifecycle state. Transitions are driven by commands
// and by device events; the engine rejects commands that are not valid in
// the current state.
type State int

const (
	// StateUninitialized is the state before the initialize command.
	StateUninitialized State = iota
	// StateInitialized means the handshake completed and launch may begin.
	StateInitialized
	// StateLaunching means deployment and attach are in progress.
	StateLaunching
	// StateRunning means the debuggee is executing.
	StateRunning
	// StateStopped means the debuggee is halted and inspectable.
	StateStopped
	// StateDisconnecting means teardown is in progress in the background.
	StateDisconnecting
	// StateTerminated is the final state. No commands succeed after it.
	StateTerminated
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateLaunching:
		return "launching"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateDisconnecting:
		return "disconnecting"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}
