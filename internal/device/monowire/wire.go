// Package monowire implements the device capability over the soft-debugger
// wire protocol spoken by the device's serial bridge: newline-delimited JSON
// frames over a TCP endpoint.
package monowire

import "encoding/json"

// Operation names understood by the device debug agent.
const (
	opAttach     = "attach"
	opDetach     = "detach"
	opResume     = "resume"
	opPause      = "pause"
	opStep       = "step"
	opSetBreaks  = "set-breakpoints"
	opThreads    = "threads"
	opFrames     = "frames"
	opVariables  = "variables"
	opXferBegin  = "xfer-begin"
	opXferData   = "xfer-data"
	opXferCommit = "xfer-commit"
)

// wireMessage is one frame in either direction. Requests carry ID+Op,
// responses carry ID+OK, events carry Evt.
type wireMessage struct {
	ID   *int            `json:"id,omitempty"`
	Op   string          `json:"op,omitempty"`
	Args json.RawMessage `json:"args,omitempty"`
	OK   *bool           `json:"ok,omitempty"`
	Err  string          `json:"err,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
	Evt  string          `json:"evt,omitempty"`
}

// Device event names on the wire.
const (
	evtThreadStart = "thread-start"
	evtThreadExit  = "thread-exit"
	evtBreakpoint  = "breakpoint"
	evtStep        = "step"
	evtPaused      = "paused"
	evtFault       = "fault"
	evtOutput      = "output"
)

// Argument and result payloads.

type attachResult struct {
	Caps struct {
		LiveBreakpoints bool `json:"liveBreakpoints"`
	} `json:"caps"`
}

type stepArgs struct {
	Thread int    `json:"thread"`
	Kind   string `json:"kind"`
}

type setBreaksArgs struct {
	File        string           `json:"file"`
	Breakpoints []wireBreakpoint `json:"breakpoints"`
}

type wireBreakpoint struct {
	Line      int    `json:"line"`
	Condition string `json:"condition,omitempty"`
	Verified  bool   `json:"verified,omitempty"`
}

type setBreaksResult struct {
	Breakpoints []wireBreakpoint `json:"breakpoints"`
}

type threadsResult struct {
	Threads []wireThread `json:"threads"`
}

type wireThread struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

type framesArgs struct {
	Thread int `json:"thread"`
}

type framesResult struct {
	Frames []wireFrame `json:"frames"`
}

type wireFrame struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	File string `json:"file,omitempty"`
	Line int    `json:"line,omitempty"`
}

type variablesArgs struct {
	Frame int `json:"frame"`
}

type variablesResult struct {
	Variables []wireVariable `json:"variables"`
}

type wireVariable struct {
	Name  string `json:"name"`
	Value string `json:"value"`
	Type  string `json:"type,omitempty"`
}

type threadEventData struct {
	Thread int `json:"thread"`
}

type outputEventData struct {
	Category string `json:"category"`
	Text     string `json:"text"`
}

type faultEventData struct {
	Thread  int    `json:"thread"`
	Message string `json:"message"`
}

type xferBeginArgs struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

type xferDataArgs struct {
	Name string `json:"name"`
	Data []byte `json:"data"` // base64 on the wire
}

type xferCommitArgs struct {
	Name   string `json:"name"`
	Digest string `json:"digest"` // xxhash64, hex
}
