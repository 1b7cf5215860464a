package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dshills/mcudap/internal/config"
	"github.com/dshills/mcudap/internal/deploy"
	"github.com/dshills/mcudap/internal/device"
	"github.com/dshills/mcudap/internal/dispatch"
	"github.com/dshills/mcudap/internal/protocol"
)

// Backend is everything the engine needs from a connected device: the debug
// capability, the deployment target, and transport teardown.
type Backend interface {
	device.Capability
	deploy.Target
	Close() error
}

// BackendFactory opens a backend for a launch configuration. The production
// factory dials the device's serial bridge; tests substitute a fake.
type BackendFactory func(ctx context.Context, launch config.Launch) (Backend, error)

// Engine is the debug session state machine. One engine serves one session
// from initialize to terminated. All device operations funnel through the
// engine so the single-owner discipline over the backend holds.
type Engine struct {
	writer     *protocol.Writer
	settings   config.Settings
	newBackend BackendFactory

	mu           sync.Mutex
	state        State
	backend      Backend
	launchCancel context.CancelFunc

	// staged holds the requested breakpoints per source file. Files in dirty
	// were changed while the debuggee was running on a backend that cannot
	// mutate breakpoints live; they are pushed at the next stop.
	staged map[string][]device.SourceBreakpoint
	dirty  map[string]bool

	stoppedThread int
	handles       *handleTable

	stopWatch     chan struct{}
	stopWatchOnce sync.Once

	// ops feeds the session worker, the single goroutine allowed to block on
	// the backend for command handling. The dispatch loop itself never waits
	// on the device.
	ops chan func()

	terminateOnce sync.Once
	done          chan struct{}
}

// New creates an engine writing responses and events through writer and
// opening device backends with factory.
func New(writer *protocol.Writer, settings config.Settings, factory BackendFactory) *Engine {
	e := &Engine{
		writer:     writer,
		settings:   settings,
		newBackend: factory,
		state:      StateUninitialized,
		staged:     make(map[string][]device.SourceBreakpoint),
		dirty:      make(map[string]bool),
		handles:    newHandleTable(),
		stopWatch:  make(chan struct{}),
		ops:        make(chan func(), 32),
		done:       make(chan struct{}),
	}
	go e.runOps()
	return e
}

// runOps executes queued device operations one at a time, preserving the
// single-owner discipline over the backend. Operations arriving after
// termination still run; their state checks answer immediately without
// touching the device.
func (e *Engine) runOps() {
	for op := range e.ops {
		op()
	}
}

// enqueue hands a device-touching operation to the session worker. The
// dispatch loop must stay responsive while the device is slow, so a full
// queue answers SessionBusy instead of blocking.
func (e *Engine) enqueue(turn *dispatch.Turn, run func()) {
	select {
	case e.ops <- run:
	default:
		turn.Fail(protocol.Errorf(protocol.CodeSessionBusy,
			"%s: too many device operations in flight", turn.Command()))
	}
}

// Handlers returns the engine's command table for the dispatcher.
func (e *Engine) Handlers() map[string]dispatch.Handler {
	return map[string]dispatch.Handler{
		"initialize":     e.handleInitialize,
		"launch":         e.handleLaunch,
		"disconnect":     e.handleDisconnect,
		"setBreakpoints": e.handleSetBreakpoints,
		"continue":       e.handleContinue,
		"pause":          e.handlePause,
		"step":           e.handleStep,
		"threads":        e.handleThreads,
		"stackFrames":    e.handleStackFrames,
		"variables":      e.handleVariables,
	}
}

// Shutdown tears the session down without a disconnect command, used when
// the input stream ends. Wait on Done for completion.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	if e.state == StateTerminated || e.state == StateDisconnecting {
		e.mu.Unlock()
		return
	}
	wasStopped := e.state == StateStopped
	e.state = StateDisconnecting
	e.mu.Unlock()
	go e.cleanup(wasStopped)
}

// Done is closed when the session reaches the terminated state.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// State returns the current session state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// opCtx derives the context for one device operation. The backend converts
// an exceeded deadline into a DeviceUnresponsive error.
func (e *Engine) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), e.settings.RequestTimeout.Std())
}

// invalidState builds the rejection for a command arriving in a state that
// does not permit it.
func invalidState(command string, state State) error {
	return protocol.Errorf(protocol.CodeInvalidState,
		"%s is not valid while the session is %s", command, state)
}

// terminate moves the session to its final state and emits the terminated
// event. Safe to call from any goroutine any number of times; only the first
// call has an effect.
func (e *Engine) terminate() {
	e.terminateOnce.Do(func() {
		e.mu.Lock()
		e.state = StateTerminated
		e.mu.Unlock()

		e.stopWatcher()
		e.handles.stop()

		if err := e.writer.WriteEvent("terminated", protocol.TerminatedEvent{}); err != nil {
			slog.Warn("write terminated event failed", "error", err)
		}
		close(e.done)
	})
}

func (e *Engine) stopWatcher() {
	e.stopWatchOnce.Do(func() { close(e.stopWatch) })
}

// cleanup is the detached teardown path behind disconnect. It runs after the
// disconnect response has been written and is bounded by CleanupTimeout; a
// device that never answers cannot wedge the session.
func (e *Engine) cleanup(wasStopped bool) {
	e.mu.Lock()
	if e.launchCancel != nil {
		e.launchCancel()
	}
	backend := e.backend
	e.backend = nil
	e.mu.Unlock()

	if backend != nil {
		ctx, cancel := context.WithTimeout(context.Background(), e.settings.CleanupTimeout.Std())
		defer cancel()

		// Leave the firmware running rather than wedged at a breakpoint.
		if wasStopped {
			if err := backend.Resume(ctx); err != nil {
				slog.Warn("resume during cleanup failed", "error", err)
			}
		}
		if err := backend.Disconnect(ctx); err != nil {
			slog.Warn("detach during cleanup failed",
				"error", err, "code", protocol.CodeOf(err))
		}
		if ctx.Err() != nil {
			slog.Warn("cleanup exceeded its bound",
				"code", protocol.CodeCleanupTimeout,
				"timeout", e.settings.CleanupTimeout.Std())
		}
		if err := backend.Close(); err != nil {
			slog.Debug("backend close failed", "error", err)
		}
	}

	e.terminate()
}

// watchBuildOutput notifies the IDE when the deployed binary changes on disk,
// so the user knows the device is running stale code.
func (e *Engine) watchBuildOutput(path string) {
	changes, err := deploy.WatchBuildOutput(path, e.stopWatch)
	if err != nil {
		slog.Debug("build output watch unavailable", "path", path, "error", err)
		return
	}
	go func() {
		for changed := range changes {
			msg := fmt.Sprintf(
				"%s changed on disk; the device is running a stale binary, relaunch to redeploy\n",
				changed)
			if err := e.writer.WriteEvent("output", protocol.OutputEvent{
				Category: "console",
				Output:   msg,
			}); err != nil {
				slog.Warn("write output event failed", "error", err)
			}
		}
	}()
}

// applyStaged pushes every staged file to the device. Caller holds no locks;
// the engine must be in a state where the device accepts breakpoint
// mutation.
func (e *Engine) applyStaged(files map[string][]device.SourceBreakpoint) {
	backend := e.backendRef()
	if backend == nil {
		return
	}
	for file, bps := range files {
		ctx, cancel := e.opCtx()
		verified, err := backend.SetBreakpoints(ctx, file, bps)
		cancel()
		if err != nil {
			slog.Warn("applying staged breakpoints failed",
				"file", file, "error", err)
			continue
		}
		slog.Debug("applied staged breakpoints",
			"file", file, "count", len(verified))
	}
}

func (e *Engine) backendRef() Backend {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.backend
}

// unverified maps requested breakpoints to an unverified response, used when
// the device cannot confirm them yet.
func unverified(bps []device.SourceBreakpoint) []device.Breakpoint {
	out := make([]device.Breakpoint, len(bps))
	for i, bp := range bps {
		out[i] = device.Breakpoint{Line: bp.Line, Verified: false}
	}
	return out
}

// snapshotDirty removes and returns the files whose staged breakpoints still
// need to reach the device.
func (e *Engine) snapshotDirty() map[string][]device.SourceBreakpoint {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.dirty) == 0 {
		return nil
	}
	pending := make(map[string][]device.SourceBreakpoint, len(e.dirty))
	for file := range e.dirty {
		pending[file] = e.staged[file]
	}
	e.dirty = make(map[string]bool)
	return pending
}

// launchTimeout bounds the whole launch sequence: dial, deploy, attach.
func (e *Engine) launchTimeout() time.Duration {
	settings := e.settings
	dial := settings.DialTimeout.Std() * time.Duration(settings.DialRetries)
	return dial + 2*settings.RequestTimeout.Std() + 30*time.Second
}
