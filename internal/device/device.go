// Package device defines the capability contract the session engine holds
// over a concrete on-device debugger backend.
package device

import "context"

// StepKind selects the stepping granularity for Step.
type StepKind string

const (
	// StepInto steps into the next call.
	StepInto StepKind = "into"
	// StepOver steps over the next call.
	StepOver StepKind = "over"
	// StepOut runs until the current frame returns.
	StepOut StepKind = "out"
)

// Caps reports what the connected backend can do.
type Caps struct {
	// LiveBreakpoints is true when the backend can mutate breakpoints while
	// the debuggee is running. Backends without it require the session to
	// stage breakpoint changes until the next stop.
	LiveBreakpoints bool
}

// Thread is a device-sourced thread record. Identifiers are device-assigned
// and only valid while the owning thread is stopped.
type Thread struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// StackFrame is a device-sourced stack frame record.
type StackFrame struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	File string `json:"file,omitempty"`
	Line int    `json:"line,omitempty"`
}

// Variable is a device-sourced variable record.
type Variable struct {
	Name  string `json:"name"`
	Value string `json:"value"`
	Type  string `json:"type,omitempty"`
}

// SourceBreakpoint is a breakpoint requested by the IDE for a source file.
type SourceBreakpoint struct {
	Line      int    `json:"line"`
	Condition string `json:"condition,omitempty"`
}

// Breakpoint is the device's view of a requested breakpoint.
type Breakpoint struct {
	Line     int  `json:"line"`
	Verified bool `json:"verified"`
}

// Capability is the abstract contract over a device debugger transport. The
// session engine owns exactly one Capability instance for its lifetime and
// serializes all operations against it. Every operation may block on device
// I/O and honors context cancellation.
type Capability interface {
	// Connect performs the debug attach handshake and returns the backend's
	// capabilities. It fails with a ConnectionFailed error.
	Connect(ctx context.Context) (Caps, error)

	// Disconnect detaches from the device debugger and releases the
	// transport. Safe to call after a failed Connect.
	Disconnect(ctx context.Context) error

	// Resume resumes execution of all threads.
	Resume(ctx context.Context) error

	// Pause requests a halt. The device acknowledges the request; the actual
	// stop arrives on the event stream.
	Pause(ctx context.Context) error

	// Step performs one step of the given kind on a thread.
	Step(ctx context.Context, threadID int, kind StepKind) error

	// SetBreakpoints replaces the breakpoint set for a source file and
	// returns the device's verified view of it.
	SetBreakpoints(ctx context.Context, file string, bps []SourceBreakpoint) ([]Breakpoint, error)

	// Threads enumerates device threads.
	Threads(ctx context.Context) ([]Thread, error)

	// Frames enumerates the stack of a stopped thread.
	Frames(ctx context.Context, threadID int) ([]StackFrame, error)

	// Variables enumerates the variables of a frame.
	Variables(ctx context.Context, frameID int) ([]Variable, error)

	// Capabilities returns the Caps reported by Connect.
	Capabilities() Caps

	// Events returns the push-style device notification stream. The channel
	// is closed when the connection ends; events preserve device order.
	Events() <-chan Event
}
