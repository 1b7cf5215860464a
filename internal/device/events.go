package device

// EventType identifies a device notification.
type EventType string

const (
	// EventThreadStarted reports a new thread.
	EventThreadStarted EventType = "thread-started"
	// EventThreadExited reports a thread ending.
	EventThreadExited EventType = "thread-exited"
	// EventBreakpointHit reports a stop caused by a breakpoint.
	EventBreakpointHit EventType = "breakpoint-hit"
	// EventStepComplete reports a stop caused by a completed step.
	EventStepComplete EventType = "step-complete"
	// EventPaused reports a stop caused by an acknowledged pause.
	EventPaused EventType = "paused"
	// EventFault reports a stop caused by an unhandled fault.
	EventFault EventType = "fault"
	// EventOutput carries text produced on the device.
	EventOutput EventType = "output"
	// EventDisconnected reports loss of the device connection.
	EventDisconnected EventType = "disconnected"
)

// Event is one device notification. Only the fields relevant to the Type are
// populated.
type Event struct {
	Type     EventType
	ThreadID int
	Category string // EventOutput: stdout or stderr
	Output   string // EventOutput
	Message  string // EventFault, EventDisconnected
}
