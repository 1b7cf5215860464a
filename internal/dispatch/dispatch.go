// Package dispatch reads command envelopes from a stream and routes them to
// registered handlers, enforcing the one-response-per-command contract.
package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"

	"github.com/dshills/mcudap/internal/protocol"
)

// Handler processes one command. It must complete the turn exactly once,
// either synchronously or from a goroutine it spawns.
type Handler func(turn *Turn, body json.RawMessage)

// Dispatcher owns the inbound read loop. The command set is fixed at
// construction; there is no registration after Run starts.
type Dispatcher struct {
	decoder  *protocol.Decoder
	writer   *protocol.Writer
	handlers map[string]Handler
}

// New builds a dispatcher reading envelopes from r. The writer is shared
// with event producers, which write outside any command turn.
func New(r io.Reader, writer *protocol.Writer, handlers map[string]Handler) *Dispatcher {
	return &Dispatcher{
		decoder:  protocol.NewDecoder(r),
		writer:   writer,
		handlers: handlers,
	}
}

// Writer exposes the shared output writer, for event producers that write
// outside any command turn.
func (d *Dispatcher) Writer() *protocol.Writer {
	return d.writer
}

// Run reads envelopes until the input stream ends. Malformed lines whose
// request sequence can be salvaged get an error response; the rest are logged
// and dropped. Run never stops on a bad line, only on EOF or a read failure.
func (d *Dispatcher) Run() error {
	for {
		env, err := d.decoder.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			var malformed *protocol.MalformedError
			if errors.As(err, &malformed) {
				d.rejectMalformed(malformed)
				continue
			}
			return fmt.Errorf("read envelope: %w", err)
		}

		if env.Kind != protocol.KindRequest {
			// Only requests flow inbound. An event or response seq is not a
			// request id, so there is nothing to answer.
			slog.Warn("dropping inbound envelope", "kind", env.Kind, "name", env.Name)
			continue
		}

		d.dispatch(env)
	}
}

func (d *Dispatcher) dispatch(env *protocol.Envelope) {
	turn := newTurn(d.writer, env.Name, env.Seq)

	handler, ok := d.handlers[env.Name]
	if !ok {
		turn.Fail(protocol.Errorf(protocol.CodeUnknownCommand, "unknown command %q", env.Name))
		return
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("handler panic", "command", env.Name, "panic", r,
				"stack", string(debug.Stack()))
			if !turn.completed() {
				turn.Fail(protocol.Errorf(protocol.CodeInternalError,
					"internal error handling %q", env.Name))
			}
		}
	}()

	handler(turn, env.Body)
}

func (d *Dispatcher) rejectMalformed(malformed *protocol.MalformedError) {
	if !malformed.Recoverable() {
		slog.Warn("dropping malformed envelope", "reason", malformed.Reason)
		return
	}
	cmdErr := protocol.Errorf(protocol.CodeMalformedEnvelope, "%s", malformed.Reason)
	if err := d.writer.WriteResponse("malformed", malformed.RequestSeq, nil, cmdErr); err != nil {
		slog.Warn("write malformed-envelope response failed", "error", err)
	}
}
