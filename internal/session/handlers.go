package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/dshills/mcudap/internal/config"
	"github.com/dshills/mcudap/internal/deploy"
	"github.com/dshills/mcudap/internal/device"
	"github.com/dshills/mcudap/internal/dispatch"
	"github.com/dshills/mcudap/internal/protocol"
)

func (e *Engine) handleInitialize(turn *dispatch.Turn, _ json.RawMessage) {
	e.mu.Lock()
	if e.state != StateUninitialized {
		state := e.state
		e.mu.Unlock()
		turn.Fail(invalidState("initialize", state))
		return
	}
	e.state = StateInitialized
	e.mu.Unlock()

	turn.Respond(protocol.Capabilities{
		SupportsConditionalBreakpoints: true,
		SupportsStepInto:               true,
		SupportsStepOut:                true,
		SupportsPause:                  true,
	})
}

func (e *Engine) handleLaunch(turn *dispatch.Turn, body json.RawMessage) {
	launch, err := config.ParseLaunch(body)
	if err != nil {
		turn.Fail(err)
		return
	}

	e.mu.Lock()
	switch e.state {
	case StateLaunching:
		e.mu.Unlock()
		turn.Fail(protocol.Errorf(protocol.CodeSessionBusy, "a launch is already in progress"))
		return
	case StateInitialized:
	default:
		state := e.state
		e.mu.Unlock()
		turn.Fail(invalidState("launch", state))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.launchTimeout())
	e.state = StateLaunching
	e.launchCancel = cancel
	e.mu.Unlock()

	go e.runLaunch(ctx, turn, launch)
}

// runLaunch performs the deploy-then-attach sequence off the dispatch loop,
// so disconnect stays responsive while a slow device is being programmed.
func (e *Engine) runLaunch(ctx context.Context, turn *dispatch.Turn, launch config.Launch) {
	backend, err := e.newBackend(ctx, launch)
	if err != nil {
		e.failLaunch(turn, nil, err)
		return
	}

	deployer := deploy.New(backend)
	if err := deployer.Deploy(ctx, deploy.Config{
		BuildOutput: launch.BuildOutput,
		Assets:      launch.Assets,
		ChunkSize:   e.settings.TransferChunkSize,
	}); err != nil {
		e.failLaunch(turn, backend, err)
		return
	}

	caps, err := backend.Connect(ctx)
	if err != nil {
		e.failLaunch(turn, backend, err)
		return
	}
	slog.Info("device attached",
		"endpoint", launch.SerialEndpoint, "liveBreakpoints", caps.LiveBreakpoints)

	e.mu.Lock()
	if e.state != StateLaunching {
		// Disconnect won the race. Its cleanup never saw this backend, so
		// release it here.
		e.mu.Unlock()
		e.releaseBackend(backend)
		turn.Fail(protocol.Errorf(protocol.CodeSessionBusy, "launch cancelled by disconnect"))
		return
	}
	e.backend = backend
	e.state = StateRunning
	e.launchCancel = nil
	staged := make(map[string][]device.SourceBreakpoint, len(e.staged))
	for file, bps := range e.staged {
		staged[file] = bps
	}
	e.dirty = make(map[string]bool)
	e.mu.Unlock()

	if len(staged) > 0 && caps.LiveBreakpoints {
		e.applyStaged(staged)
	} else if len(staged) > 0 {
		// Backend needs a halted target to mutate breakpoints; push them at
		// the first stop.
		e.mu.Lock()
		for file := range staged {
			e.dirty[file] = true
		}
		e.mu.Unlock()
	}

	go e.pump(backend.Events())
	e.watchBuildOutput(launch.BuildOutput)

	turn.Defer("initialized", protocol.InitializedEvent{})
	turn.Respond(struct{}{})
}

func (e *Engine) failLaunch(turn *dispatch.Turn, backend Backend, err error) {
	if backend != nil {
		e.releaseBackend(backend)
	}

	e.mu.Lock()
	cancelled := e.state != StateLaunching
	if !cancelled {
		e.state = StateInitialized
	}
	if e.launchCancel != nil {
		e.launchCancel()
		e.launchCancel = nil
	}
	e.mu.Unlock()

	if cancelled || errors.Is(err, context.Canceled) {
		turn.Fail(protocol.Errorf(protocol.CodeSessionBusy, "launch cancelled by disconnect"))
		return
	}
	slog.Warn("launch failed", "code", protocol.CodeOf(err), "error", err)
	turn.Fail(err)
}

func (e *Engine) releaseBackend(backend Backend) {
	ctx, cancel := context.WithTimeout(context.Background(), e.settings.CleanupTimeout.Std())
	defer cancel()
	if err := backend.Disconnect(ctx); err != nil {
		slog.Debug("detach after failed launch", "error", err)
	}
	_ = backend.Close()
}

func (e *Engine) handleDisconnect(turn *dispatch.Turn, _ json.RawMessage) {
	e.mu.Lock()
	if e.state == StateTerminated || e.state == StateDisconnecting {
		// Idempotent: the first disconnect already owns teardown.
		e.mu.Unlock()
		turn.Respond(struct{}{})
		return
	}
	wasStopped := e.state == StateStopped
	e.state = StateDisconnecting
	e.mu.Unlock()

	// The response goes out before any teardown work starts; the IDE must
	// never wait on a dying device.
	turn.Respond(struct{}{})
	go e.cleanup(wasStopped)
}

type setBreakpointsArgs struct {
	Path        string                    `json:"path"`
	Breakpoints []device.SourceBreakpoint `json:"breakpoints"`
}

type setBreakpointsResult struct {
	Breakpoints []device.Breakpoint `json:"breakpoints"`
}

func (e *Engine) handleSetBreakpoints(turn *dispatch.Turn, body json.RawMessage) {
	var args setBreakpointsArgs
	if err := json.Unmarshal(body, &args); err != nil || args.Path == "" {
		turn.Fail(protocol.Errorf(protocol.CodeMalformedEnvelope,
			"setBreakpoints requires a path and a breakpoints array"))
		return
	}

	e.enqueue(turn, func() { e.setBreakpoints(turn, args) })
}

func (e *Engine) setBreakpoints(turn *dispatch.Turn, args setBreakpointsArgs) {
	e.mu.Lock()
	state := e.state
	live := false
	if e.backend != nil {
		live = e.backend.Capabilities().LiveBreakpoints
	}

	switch {
	case state == StateInitialized || state == StateLaunching:
		// No device yet. Remember the full set; launch pushes it.
		e.staged[args.Path] = args.Breakpoints
		e.mu.Unlock()
		turn.Respond(setBreakpointsResult{Breakpoints: unverified(args.Breakpoints)})
		return

	case state == StateRunning && !live:
		e.staged[args.Path] = args.Breakpoints
		e.dirty[args.Path] = true
		e.mu.Unlock()
		turn.Respond(setBreakpointsResult{Breakpoints: unverified(args.Breakpoints)})
		return

	case state == StateRunning || state == StateStopped:
		e.staged[args.Path] = args.Breakpoints
		backend := e.backend
		e.mu.Unlock()

		ctx, cancel := e.opCtx()
		defer cancel()
		verified, err := backend.SetBreakpoints(ctx, args.Path, args.Breakpoints)
		if err != nil {
			turn.Fail(err)
			return
		}
		turn.Respond(setBreakpointsResult{Breakpoints: verified})
		return

	default:
		e.mu.Unlock()
		turn.Fail(invalidState("setBreakpoints", state))
	}
}

func (e *Engine) handleContinue(turn *dispatch.Turn, _ json.RawMessage) {
	e.enqueue(turn, func() { e.resumeDebuggee(turn) })
}

func (e *Engine) resumeDebuggee(turn *dispatch.Turn) {
	backend, err := e.stoppedBackend("continue")
	if err != nil {
		turn.Fail(err)
		return
	}

	e.handles.purge()
	ctx, cancel := e.opCtx()
	defer cancel()
	if err := backend.Resume(ctx); err != nil {
		turn.Fail(err)
		return
	}

	e.mu.Lock()
	if e.state == StateStopped {
		e.state = StateRunning
	}
	e.mu.Unlock()
	turn.Respond(struct{}{})
}

type stepArgs struct {
	ThreadID int    `json:"threadId"`
	Kind     string `json:"kind"`
}

func (e *Engine) handleStep(turn *dispatch.Turn, body json.RawMessage) {
	var args stepArgs
	if len(body) > 0 {
		if err := json.Unmarshal(body, &args); err != nil {
			turn.Fail(protocol.Errorf(protocol.CodeMalformedEnvelope, "invalid step arguments"))
			return
		}
	}
	kind := device.StepKind(args.Kind)
	switch kind {
	case device.StepInto, device.StepOver, device.StepOut:
	case "":
		kind = device.StepOver
	default:
		turn.Fail(protocol.Errorf(protocol.CodeMalformedEnvelope,
			"unknown step kind %q", args.Kind))
		return
	}

	e.enqueue(turn, func() { e.step(turn, args.ThreadID, kind) })
}

func (e *Engine) step(turn *dispatch.Turn, threadID int, kind device.StepKind) {
	backend, err := e.stoppedBackend("step")
	if err != nil {
		turn.Fail(err)
		return
	}

	if threadID == 0 {
		e.mu.Lock()
		threadID = e.stoppedThread
		e.mu.Unlock()
	}

	e.handles.purge()
	ctx, cancel := e.opCtx()
	defer cancel()
	if err := backend.Step(ctx, threadID, kind); err != nil {
		turn.Fail(err)
		return
	}

	e.mu.Lock()
	if e.state == StateStopped {
		e.state = StateRunning
	}
	e.mu.Unlock()
	turn.Respond(struct{}{})
}

func (e *Engine) handlePause(turn *dispatch.Turn, _ json.RawMessage) {
	e.enqueue(turn, func() { e.pauseDebuggee(turn) })
}

func (e *Engine) pauseDebuggee(turn *dispatch.Turn) {
	e.mu.Lock()
	if e.state != StateRunning {
		state := e.state
		e.mu.Unlock()
		turn.Fail(invalidState("pause", state))
		return
	}
	backend := e.backend
	e.mu.Unlock()

	ctx, cancel := e.opCtx()
	defer cancel()
	if err := backend.Pause(ctx); err != nil {
		turn.Fail(err)
		return
	}
	// The device only acknowledged; the stopped event follows when the halt
	// actually lands.
	turn.Respond(struct{}{})
}

type threadsResult struct {
	Threads []device.Thread `json:"threads"`
}

func (e *Engine) handleThreads(turn *dispatch.Turn, _ json.RawMessage) {
	e.enqueue(turn, func() { e.listThreads(turn) })
}

func (e *Engine) listThreads(turn *dispatch.Turn) {
	e.mu.Lock()
	state := e.state
	backend := e.backend
	e.mu.Unlock()

	if state != StateRunning && state != StateStopped {
		turn.Fail(invalidState("threads", state))
		return
	}

	ctx, cancel := e.opCtx()
	defer cancel()
	threads, err := backend.Threads(ctx)
	if err != nil {
		turn.Fail(err)
		return
	}
	turn.Respond(threadsResult{Threads: threads})
}

type stackFramesArgs struct {
	ThreadID int `json:"threadId"`
}

type stackFramesResult struct {
	StackFrames []device.StackFrame `json:"stackFrames"`
}

func (e *Engine) handleStackFrames(turn *dispatch.Turn, body json.RawMessage) {
	var args stackFramesArgs
	if len(body) > 0 {
		if err := json.Unmarshal(body, &args); err != nil {
			turn.Fail(protocol.Errorf(protocol.CodeMalformedEnvelope, "invalid stackFrames arguments"))
			return
		}
	}

	e.enqueue(turn, func() { e.listFrames(turn, args.ThreadID) })
}

func (e *Engine) listFrames(turn *dispatch.Turn, threadID int) {
	backend, err := e.stoppedBackend("stackFrames")
	if err != nil {
		turn.Fail(err)
		return
	}

	if threadID == 0 {
		e.mu.Lock()
		threadID = e.stoppedThread
		e.mu.Unlock()
	}

	ctx, cancel := e.opCtx()
	defer cancel()
	frames, err := backend.Frames(ctx, threadID)
	if err != nil {
		turn.Fail(err)
		return
	}
	for _, frame := range frames {
		e.handles.registerFrame(frame.ID)
	}
	turn.Respond(stackFramesResult{StackFrames: frames})
}

type variablesArgs struct {
	FrameID int `json:"frameId"`
}

type variablesResult struct {
	Variables []device.Variable `json:"variables"`
}

func (e *Engine) handleVariables(turn *dispatch.Turn, body json.RawMessage) {
	var args variablesArgs
	if err := json.Unmarshal(body, &args); err != nil {
		turn.Fail(protocol.Errorf(protocol.CodeMalformedEnvelope, "invalid variables arguments"))
		return
	}

	e.enqueue(turn, func() { e.listVariables(turn, args.FrameID) })
}

func (e *Engine) listVariables(turn *dispatch.Turn, frameID int) {
	backend, err := e.stoppedBackend("variables")
	if err != nil {
		turn.Fail(err)
		return
	}

	if !e.handles.validFrame(frameID) {
		turn.Fail(protocol.Errorf(protocol.CodeInvalidState,
			"frame %d is not from the current stop", frameID))
		return
	}

	ctx, cancel := e.opCtx()
	defer cancel()
	vars, err := backend.Variables(ctx, frameID)
	if err != nil {
		turn.Fail(err)
		return
	}
	turn.Respond(variablesResult{Variables: vars})
}

// stoppedBackend returns the backend if the session is stopped, else the
// InvalidState rejection for command.
func (e *Engine) stoppedBackend(command string) (Backend, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateStopped {
		return nil, invalidState(command, e.state)
	}
	return e.backend, nil
}
