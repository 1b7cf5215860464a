// Package protocol implements the line-delimited message envelope exchanged
// between the adapter and its host IDE.
package protocol

import (
	"encoding/json"
)

// Kind identifies the direction and role of an envelope.
type Kind string

const (
	// KindRequest is a command sent by the IDE.
	KindRequest Kind = "request"
	// KindResponse answers exactly one request.
	KindResponse Kind = "response"
	// KindEvent is an unsolicited notification from the adapter.
	KindEvent Kind = "event"
)

// Envelope is one line on the wire. Seq is monotonically increasing per
// direction; responses carry the request's seq inside their CommandResponse
// body in addition to their own outbound seq.
type Envelope struct {
	Seq  int             `json:"seq"`
	Kind Kind            `json:"kind"`
	Name string          `json:"name"`
	Body json.RawMessage `json:"body,omitempty"`
}

// CommandResponse is the canonical response body shape. Error is non-null
// exactly when the request failed; Response is meaningful only when Error
// is null.
type CommandResponse struct {
	ID       string          `json:"id"`
	Command  string          `json:"command"`
	Error    *string         `json:"error"`
	Response json.RawMessage `json:"response"`
}

// Event body types for the minimum event set.

// StoppedEvent is emitted on each transition into the Stopped state.
type StoppedEvent struct {
	Reason   string `json:"reason"`
	ThreadID int    `json:"threadId"`
}

// ThreadEvent is emitted when a device thread starts or exits.
type ThreadEvent struct {
	ThreadID int `json:"threadId"`
}

// OutputEvent carries text produced by the debuggee or the adapter.
type OutputEvent struct {
	Category string `json:"category"`
	Output   string `json:"output"`
}

// TerminatedEvent is emitted exactly once when the session ends.
type TerminatedEvent struct{}

// InitializedEvent confirms a successful launch.
type InitializedEvent struct{}

// Capabilities describes what this adapter supports, returned from the
// initialize command.
type Capabilities struct {
	SupportsConditionalBreakpoints bool `json:"supportsConditionalBreakpoints"`
	SupportsStepInto               bool `json:"supportsStepInto"`
	SupportsStepOut                bool `json:"supportsStepOut"`
	SupportsPause                  bool `json:"supportsPause"`
}
