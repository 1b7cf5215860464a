package session

import (
	"log/slog"

	"github.com/dshills/mcudap/internal/device"
	"github.com/dshills/mcudap/internal/protocol"
)

// pump is the single event translator goroutine. It drains the backend's
// notification stream in order and turns each device event into the IDE's
// vocabulary. It exits when the stream closes.
func (e *Engine) pump(events <-chan device.Event) {
	for ev := range events {
		switch ev.Type {
		case device.EventThreadStarted:
			e.emit("started", protocol.ThreadEvent{ThreadID: ev.ThreadID})

		case device.EventThreadExited:
			e.emit("exited", protocol.ThreadEvent{ThreadID: ev.ThreadID})

		case device.EventBreakpointHit:
			e.enterStopped(ev.ThreadID, "breakpoint")

		case device.EventStepComplete:
			e.enterStopped(ev.ThreadID, "step")

		case device.EventPaused:
			e.enterStopped(ev.ThreadID, "pause")

		case device.EventFault:
			if ev.Message != "" {
				e.emit("output", protocol.OutputEvent{
					Category: "stderr",
					Output:   ev.Message + "\n",
				})
			}
			e.enterStopped(ev.ThreadID, "exception")

		case device.EventOutput:
			category := ev.Category
			if category == "" {
				category = "stdout"
			}
			e.emit("output", protocol.OutputEvent{
				Category: category,
				Output:   ev.Output,
			})

		case device.EventDisconnected:
			e.deviceLost(ev.Message)

		default:
			slog.Debug("ignoring device event", "type", ev.Type)
		}
	}
}

// enterStopped records the halt and emits the stopped event. Breakpoint
// changes staged while the debuggee was running are pushed first, so the IDE
// sees an up-to-date breakpoint set the moment it learns about the stop.
func (e *Engine) enterStopped(threadID int, reason string) {
	e.mu.Lock()
	if e.state != StateRunning {
		// A stop arriving during teardown is stale; drop it.
		e.mu.Unlock()
		return
	}
	e.state = StateStopped
	e.stoppedThread = threadID
	e.mu.Unlock()

	if pending := e.snapshotDirty(); pending != nil {
		e.applyStaged(pending)
	}

	e.emit("stopped", protocol.StoppedEvent{Reason: reason, ThreadID: threadID})
}

// deviceLost handles an unexpected transport loss. During an orderly
// disconnect the loss is expected and cleanup owns termination.
func (e *Engine) deviceLost(message string) {
	e.mu.Lock()
	if e.state == StateDisconnecting || e.state == StateTerminated {
		e.mu.Unlock()
		return
	}
	backend := e.backend
	e.backend = nil
	e.mu.Unlock()

	slog.Warn("device connection lost", "reason", message)
	if backend != nil {
		if err := backend.Close(); err != nil {
			slog.Warn("backend close failed", "error", err)
		}
	}
	if message != "" {
		e.emit("output", protocol.OutputEvent{
			Category: "stderr",
			Output:   "device connection lost: " + message + "\n",
		})
	}
	e.stopWatcher()
	e.terminate()
}

func (e *Engine) emit(name string, body any) {
	if err := e.writer.WriteEvent(name, body); err != nil {
		slog.Warn("write event failed", "event", name, "error", err)
	}
}
