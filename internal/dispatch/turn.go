package dispatch

import (
	"log/slog"
	"sync"

	"github.com/dshills/mcudap/internal/protocol"
)

// Turn tracks the lifecycle of one command from receipt to response. A
// handler finishes its turn exactly once, with Respond or Fail. Events queued
// with Defer are written only after the response, so a client never observes
// a command's side effects before its outcome.
type Turn struct {
	writer  *protocol.Writer
	command string
	seq     int

	mu       sync.Mutex
	done     bool
	deferred []deferredEvent
}

type deferredEvent struct {
	name string
	body any
}

func newTurn(writer *protocol.Writer, command string, seq int) *Turn {
	return &Turn{writer: writer, command: command, seq: seq}
}

// Command returns the command name this turn answers.
func (t *Turn) Command() string { return t.command }

// Seq returns the request sequence number.
func (t *Turn) Seq() int { return t.seq }

// Respond writes a success response carrying result, then flushes any
// deferred events. Calls after the first completion are ignored.
func (t *Turn) Respond(result any) {
	t.finish(result, nil)
}

// Fail writes an error response for err, then flushes any deferred events.
// Calls after the first completion are ignored.
func (t *Turn) Fail(err error) {
	t.finish(nil, protocol.WrapError(err, protocol.CodeInternalError))
}

// Defer queues an event to be written after the response. If the turn has
// already completed the event is written immediately.
func (t *Turn) Defer(name string, body any) {
	t.mu.Lock()
	if !t.done {
		t.deferred = append(t.deferred, deferredEvent{name: name, body: body})
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	if err := t.writer.WriteEvent(name, body); err != nil {
		slog.Warn("write event failed", "event", name, "error", err)
	}
}

func (t *Turn) finish(result any, cmdErr *protocol.CommandError) {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return
	}
	t.done = true
	deferred := t.deferred
	t.deferred = nil
	t.mu.Unlock()

	if err := t.writer.WriteResponse(t.command, t.seq, result, cmdErr); err != nil {
		slog.Warn("write response failed", "command", t.command, "error", err)
	}
	for _, ev := range deferred {
		if err := t.writer.WriteEvent(ev.name, ev.body); err != nil {
			slog.Warn("write event failed", "event", ev.name, "error", err)
		}
	}
}

// completed reports whether the turn has been answered.
func (t *Turn) completed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}
