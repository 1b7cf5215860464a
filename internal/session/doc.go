// Package session implements the debug session engine: the state machine
// that ties the command dispatcher to a device backend.
//
// # Architecture
//
// One Engine serves one session for its whole lifetime:
//
//	┌─────────────────────────────────────────────────────────────────┐
//	│                         Engine                                   │
//	│  - Owns the session state machine                               │
//	│  - Serializes all operations against the backend                │
//	│  - Stages breakpoints the device cannot take yet                │
//	└─────────────────────────────────────────────────────────────────┘
//	                              │
//	                              ▼
//	┌─────────────────────────────────────────────────────────────────┐
//	│                         Backend                                  │
//	│  - Device capability (resume, pause, step, inspect)             │
//	│  - Deployment target (chunked transfer, digest verify)          │
//	│  - monowire over TCP in production, a fake in tests             │
//	└─────────────────────────────────────────────────────────────────┘
//
// # Session States
//
// Sessions transition through the following states:
//
//   - Uninitialized: before the initialize handshake
//   - Initialized: handshake done, launch may begin
//   - Launching: deployment and attach in progress
//   - Running: the debuggee is executing
//   - Stopped: the debuggee is halted and inspectable
//   - Disconnecting: teardown running in the background
//   - Terminated: final state, emitted as an event exactly once
//
// # Concurrency
//
// Launch runs off the dispatch loop so a slow deployment never blocks
// disconnect. Disconnect answers before any teardown starts and finishes in
// the background under a hard time bound. A single pump goroutine drains
// device events in order and translates them into the IDE's vocabulary.
package session
