package session

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/mcudap/internal/config"
	"github.com/dshills/mcudap/internal/device"
	"github.com/dshills/mcudap/internal/dispatch"
	"github.com/dshills/mcudap/internal/protocol"
)

// fakeBackend is an in-memory device for engine tests.
type fakeBackend struct {
	mu sync.Mutex

	caps        device.Caps
	connectErr  error
	connectHold chan struct{} // Connect blocks until closed when non-nil

	resumeCalls  int
	resumeHold   chan struct{} // Resume blocks until closed when non-nil
	pauseCalls   int
	stepCalls    []device.StepKind
	breakCalls   map[string][]device.SourceBreakpoint
	threadsCalls int
	threadsHold  chan struct{} // Threads blocks until closed when non-nil
	disconnected bool
	closed       bool

	begun     map[string]int64
	committed map[string]string

	events    chan device.Event
	closeOnce sync.Once
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		breakCalls: make(map[string][]device.SourceBreakpoint),
		begun:      make(map[string]int64),
		committed:  make(map[string]string),
		events:     make(chan device.Event, 16),
	}
}

func (f *fakeBackend) Connect(ctx context.Context) (device.Caps, error) {
	f.mu.Lock()
	hold := f.connectHold
	f.mu.Unlock()
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return device.Caps{}, ctx.Err()
		}
	}
	if f.connectErr != nil {
		return device.Caps{}, f.connectErr
	}
	return f.caps, nil
}

func (f *fakeBackend) Disconnect(context.Context) error {
	f.mu.Lock()
	f.disconnected = true
	f.mu.Unlock()
	f.closeEvents()
	return nil
}

func (f *fakeBackend) Resume(ctx context.Context) error {
	f.mu.Lock()
	f.resumeCalls++
	hold := f.resumeHold
	f.mu.Unlock()
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (f *fakeBackend) Pause(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pauseCalls++
	return nil
}

func (f *fakeBackend) Step(_ context.Context, _ int, kind device.StepKind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stepCalls = append(f.stepCalls, kind)
	return nil
}

func (f *fakeBackend) SetBreakpoints(_ context.Context, file string, bps []device.SourceBreakpoint) ([]device.Breakpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.breakCalls[file] = bps
	out := make([]device.Breakpoint, len(bps))
	for i, bp := range bps {
		out[i] = device.Breakpoint{Line: bp.Line, Verified: true}
	}
	return out, nil
}

func (f *fakeBackend) Threads(ctx context.Context) ([]device.Thread, error) {
	f.mu.Lock()
	f.threadsCalls++
	hold := f.threadsHold
	f.mu.Unlock()
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return []device.Thread{{ID: 1, Name: "main"}}, nil
}

func (f *fakeBackend) Frames(_ context.Context, threadID int) ([]device.StackFrame, error) {
	return []device.StackFrame{{ID: 100, Name: "loop", File: "main.c", Line: 42}}, nil
}

func (f *fakeBackend) Variables(_ context.Context, frameID int) ([]device.Variable, error) {
	return []device.Variable{{Name: "counter", Value: "7", Type: "int"}}, nil
}

func (f *fakeBackend) Capabilities() device.Caps {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.caps
}

func (f *fakeBackend) Events() <-chan device.Event { return f.events }

func (f *fakeBackend) BeginTransfer(_ context.Context, name string, size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.begun[name] = size
	return nil
}

func (f *fakeBackend) WriteChunk(context.Context, string, []byte) error { return nil }

func (f *fakeBackend) CommitTransfer(_ context.Context, name string, digest string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed[name] = digest
	return nil
}

func (f *fakeBackend) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.closeEvents()
	return nil
}

func (f *fakeBackend) wasClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeBackend) closeEvents() {
	f.closeOnce.Do(func() { close(f.events) })
}

func (f *fakeBackend) emit(ev device.Event) { f.events <- ev }

func (f *fakeBackend) wasDisconnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnected
}

func (f *fakeBackend) breakpointsFor(file string) []device.SourceBreakpoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.breakCalls[file]
}

// envSink parses each written line back into an envelope for assertions.
type envSink struct {
	ch chan protocol.Envelope
}

func (s *envSink) Write(p []byte) (int, error) {
	var env protocol.Envelope
	if err := json.Unmarshal(bytes.TrimSpace(p), &env); err == nil {
		s.ch <- env
	}
	return len(p), nil
}

// harness runs a full dispatcher+engine pair against a fake backend.
type harness struct {
	t       *testing.T
	in      *io.PipeWriter
	envs    chan protocol.Envelope
	engine  *Engine
	backend *fakeBackend
	seq     int
}

func newHarness(t *testing.T, backend *fakeBackend, factoryErr error) *harness {
	t.Helper()

	sink := &envSink{ch: make(chan protocol.Envelope, 128)}
	writer := protocol.NewWriter(sink)

	settings := config.DefaultSettings()
	settings.RequestTimeout = config.Duration(time.Second)
	settings.CleanupTimeout = config.Duration(time.Second)

	factory := func(context.Context, config.Launch) (Backend, error) {
		if factoryErr != nil {
			return nil, factoryErr
		}
		return backend, nil
	}

	engine := New(writer, settings, factory)

	pr, pw := io.Pipe()
	d := dispatch.New(pr, writer, engine.Handlers())
	go d.Run()
	t.Cleanup(func() { pw.Close() })

	return &harness{t: t, in: pw, envs: sink.ch, engine: engine, backend: backend}
}

func (h *harness) send(name string, body any) {
	h.t.Helper()
	h.seq++
	var raw json.RawMessage
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(h.t, err)
		raw = data
	}
	line, err := protocol.Encode(&protocol.Envelope{
		Seq: h.seq, Kind: protocol.KindRequest, Name: name, Body: raw,
	})
	require.NoError(h.t, err)
	_, err = h.in.Write(line)
	require.NoError(h.t, err)
}

func (h *harness) next() protocol.Envelope {
	h.t.Helper()
	select {
	case env := <-h.envs:
		return env
	case <-time.After(3 * time.Second):
		h.t.Fatal("timed out waiting for an envelope")
		return protocol.Envelope{}
	}
}

// awaitResponse returns the next response for command, failing the test on
// any other response first. Events arriving in between are returned via
// skipped.
func (h *harness) awaitResponse(command string) (protocol.CommandResponse, []protocol.Envelope) {
	h.t.Helper()
	var skipped []protocol.Envelope
	for {
		env := h.next()
		if env.Kind != protocol.KindResponse {
			skipped = append(skipped, env)
			continue
		}
		var resp protocol.CommandResponse
		require.NoError(h.t, json.Unmarshal(env.Body, &resp))
		require.Equal(h.t, command, resp.Command)
		return resp, skipped
	}
}

func (h *harness) awaitEvent(name string) protocol.Envelope {
	h.t.Helper()
	for {
		env := h.next()
		if env.Kind == protocol.KindEvent && env.Name == name {
			return env
		}
	}
}

func requireOK(t *testing.T, resp protocol.CommandResponse) {
	t.Helper()
	require.Nil(t, resp.Error, "unexpected error response: %v", resp.Error)
}

func requireCode(t *testing.T, resp protocol.CommandResponse, code protocol.Code) {
	t.Helper()
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(code), *resp.Error)
}

func launchBody(t *testing.T) map[string]any {
	t.Helper()
	path := filepath.Join(t.TempDir(), "firmware.bin")
	require.NoError(t, os.WriteFile(path, []byte("firmware image"), 0o644))
	return map[string]any{
		"serialEndpoint":  "bridge:5331",
		"buildOutputPath": path,
	}
}

// initialize+launch, asserting the standard happy path ordering.
func (h *harness) start(t *testing.T) {
	t.Helper()
	h.send("initialize", nil)
	resp, _ := h.awaitResponse("initialize")
	requireOK(t, resp)

	h.send("launch", launchBody(t))
	resp, skipped := h.awaitResponse("launch")
	requireOK(t, resp)
	assert.Empty(t, skipped, "no events may precede the launch response")

	ev := h.awaitEvent("initialized")
	assert.Equal(t, "initialized", ev.Name)
}

func TestInitializeReportsCapabilities(t *testing.T) {
	h := newHarness(t, newFakeBackend(), nil)

	h.send("initialize", nil)
	resp, _ := h.awaitResponse("initialize")
	requireOK(t, resp)

	var caps protocol.Capabilities
	require.NoError(t, json.Unmarshal(resp.Response, &caps))
	assert.True(t, caps.SupportsPause)

	// The handshake runs once per session.
	h.send("initialize", nil)
	resp, _ = h.awaitResponse("initialize")
	requireCode(t, resp, protocol.CodeInvalidState)
}

func TestLaunchDeploysThenAttaches(t *testing.T) {
	backend := newFakeBackend()
	h := newHarness(t, backend, nil)
	h.start(t)

	backend.mu.Lock()
	size := backend.begun["firmware.bin"]
	digest := backend.committed["firmware.bin"]
	backend.mu.Unlock()
	assert.Equal(t, int64(len("firmware image")), size)
	assert.NotEmpty(t, digest)
	assert.Equal(t, StateRunning, h.engine.State())
}

func TestStopInspectResume(t *testing.T) {
	backend := newFakeBackend()
	h := newHarness(t, backend, nil)
	h.start(t)

	backend.emit(device.Event{Type: device.EventBreakpointHit, ThreadID: 1})
	ev := h.awaitEvent("stopped")
	var stopped protocol.StoppedEvent
	require.NoError(t, json.Unmarshal(ev.Body, &stopped))
	assert.Equal(t, "breakpoint", stopped.Reason)
	assert.Equal(t, 1, stopped.ThreadID)

	h.send("threads", nil)
	resp, _ := h.awaitResponse("threads")
	requireOK(t, resp)
	assert.Contains(t, string(resp.Response), "main")

	h.send("stackFrames", map[string]any{"threadId": 1})
	resp, _ = h.awaitResponse("stackFrames")
	requireOK(t, resp)
	assert.Contains(t, string(resp.Response), "loop")

	h.send("variables", map[string]any{"frameId": 100})
	resp, _ = h.awaitResponse("variables")
	requireOK(t, resp)
	assert.Contains(t, string(resp.Response), "counter")

	// A frame id the device never handed out is rejected.
	h.send("variables", map[string]any{"frameId": 999})
	resp, _ = h.awaitResponse("variables")
	requireCode(t, resp, protocol.CodeInvalidState)

	h.send("continue", nil)
	resp, _ = h.awaitResponse("continue")
	requireOK(t, resp)
	assert.Equal(t, StateRunning, h.engine.State())

	// Frame handles died with the resume.
	backend.emit(device.Event{Type: device.EventBreakpointHit, ThreadID: 1})
	h.awaitEvent("stopped")
	h.send("variables", map[string]any{"frameId": 100})
	resp, _ = h.awaitResponse("variables")
	requireCode(t, resp, protocol.CodeInvalidState)
}

func TestPauseIsAnAcknowledgement(t *testing.T) {
	backend := newFakeBackend()
	h := newHarness(t, backend, nil)
	h.start(t)

	h.send("pause", nil)
	resp, _ := h.awaitResponse("pause")
	requireOK(t, resp)
	// Still running until the device reports the halt.
	assert.Equal(t, StateRunning, h.engine.State())

	backend.emit(device.Event{Type: device.EventPaused, ThreadID: 1})
	ev := h.awaitEvent("stopped")
	var stopped protocol.StoppedEvent
	require.NoError(t, json.Unmarshal(ev.Body, &stopped))
	assert.Equal(t, "pause", stopped.Reason)
}

func TestStepResumesUntilStepComplete(t *testing.T) {
	backend := newFakeBackend()
	h := newHarness(t, backend, nil)
	h.start(t)

	backend.emit(device.Event{Type: device.EventBreakpointHit, ThreadID: 1})
	h.awaitEvent("stopped")

	h.send("step", map[string]any{"threadId": 1, "kind": "into"})
	resp, _ := h.awaitResponse("step")
	requireOK(t, resp)
	assert.Equal(t, StateRunning, h.engine.State())

	backend.mu.Lock()
	kinds := append([]device.StepKind(nil), backend.stepCalls...)
	backend.mu.Unlock()
	assert.Equal(t, []device.StepKind{device.StepInto}, kinds)

	backend.emit(device.Event{Type: device.EventStepComplete, ThreadID: 1})
	ev := h.awaitEvent("stopped")
	var stopped protocol.StoppedEvent
	require.NoError(t, json.Unmarshal(ev.Body, &stopped))
	assert.Equal(t, "step", stopped.Reason)
}

func TestFaultStopsWithOutput(t *testing.T) {
	backend := newFakeBackend()
	h := newHarness(t, backend, nil)
	h.start(t)

	backend.emit(device.Event{Type: device.EventFault, ThreadID: 1, Message: "hard fault at 0x0800"})

	out := h.awaitEvent("output")
	var output protocol.OutputEvent
	require.NoError(t, json.Unmarshal(out.Body, &output))
	assert.Equal(t, "stderr", output.Category)
	assert.Contains(t, output.Output, "hard fault")

	ev := h.awaitEvent("stopped")
	var stopped protocol.StoppedEvent
	require.NoError(t, json.Unmarshal(ev.Body, &stopped))
	assert.Equal(t, "exception", stopped.Reason)
}

func TestDeviceOutputForwarded(t *testing.T) {
	backend := newFakeBackend()
	h := newHarness(t, backend, nil)
	h.start(t)

	backend.emit(device.Event{Type: device.EventOutput, Output: "hello from the device\n"})
	ev := h.awaitEvent("output")
	var output protocol.OutputEvent
	require.NoError(t, json.Unmarshal(ev.Body, &output))
	assert.Equal(t, "stdout", output.Category)
	assert.Equal(t, "hello from the device\n", output.Output)
}

func TestCommandsRejectedInWrongState(t *testing.T) {
	h := newHarness(t, newFakeBackend(), nil)

	for _, command := range []string{"continue", "pause", "step", "threads", "stackFrames", "variables"} {
		h.send(command, map[string]any{})
		resp, _ := h.awaitResponse(command)
		requireCode(t, resp, protocol.CodeInvalidState)
	}

	h.send("launch", map[string]any{"serialEndpoint": "a:1", "buildOutputPath": "b"})
	resp, _ := h.awaitResponse("launch")
	requireCode(t, resp, protocol.CodeInvalidState)
}

func TestLaunchFailureRevertsToInitialized(t *testing.T) {
	h := newHarness(t, nil, protocol.Errorf(protocol.CodeConnectionFailed, "no route to device"))

	h.send("initialize", nil)
	resp, _ := h.awaitResponse("initialize")
	requireOK(t, resp)

	h.send("launch", launchBody(t))
	resp, _ = h.awaitResponse("launch")
	requireCode(t, resp, protocol.CodeConnectionFailed)

	// A retry is allowed: the failure returned the session to initialized,
	// so the rejection is ConnectionFailed again, not InvalidState.
	h.send("launch", launchBody(t))
	resp, _ = h.awaitResponse("launch")
	requireCode(t, resp, protocol.CodeConnectionFailed)
}

func TestLaunchMissingBuildOutput(t *testing.T) {
	h := newHarness(t, newFakeBackend(), nil)

	h.send("initialize", nil)
	resp, _ := h.awaitResponse("initialize")
	requireOK(t, resp)

	h.send("launch", map[string]any{
		"serialEndpoint":  "bridge:5331",
		"buildOutputPath": filepath.Join(t.TempDir(), "nope.bin"),
	})
	resp, _ = h.awaitResponse("launch")
	requireCode(t, resp, protocol.CodeBuildOutputMissing)
}

func TestOverlappingLaunchIsBusy(t *testing.T) {
	backend := newFakeBackend()
	backend.connectHold = make(chan struct{})
	h := newHarness(t, backend, nil)

	h.send("initialize", nil)
	resp, _ := h.awaitResponse("initialize")
	requireOK(t, resp)

	h.send("launch", launchBody(t))

	// The second launch answers while the first is still attaching.
	h.send("launch", launchBody(t))
	resp, _ = h.awaitResponse("launch")
	requireCode(t, resp, protocol.CodeSessionBusy)

	close(backend.connectHold)
	resp, _ = h.awaitResponse("launch")
	requireOK(t, resp)
}

func TestDisconnectDuringLaunchCancelsIt(t *testing.T) {
	backend := newFakeBackend()
	backend.connectHold = make(chan struct{})
	h := newHarness(t, backend, nil)

	h.send("initialize", nil)
	resp, _ := h.awaitResponse("initialize")
	requireOK(t, resp)

	h.send("launch", launchBody(t))
	h.send("disconnect", nil)

	// Disconnect answers immediately even though the launch is wedged.
	resp, _ = h.awaitResponse("disconnect")
	requireOK(t, resp)

	sawTerminated := false
	sawLaunchError := false
	deadline := time.After(3 * time.Second)
	for !(sawTerminated && sawLaunchError) {
		select {
		case env := <-h.envs:
			if env.Kind == protocol.KindEvent && env.Name == "terminated" {
				sawTerminated = true
			}
			if env.Kind == protocol.KindResponse {
				var r protocol.CommandResponse
				require.NoError(t, json.Unmarshal(env.Body, &r))
				if r.Command == "launch" {
					requireCode(t, r, protocol.CodeSessionBusy)
					sawLaunchError = true
				}
			}
		case <-deadline:
			t.Fatalf("terminated=%v launchError=%v", sawTerminated, sawLaunchError)
		}
	}

	select {
	case <-h.engine.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("engine did not finish")
	}
}

func TestDisconnectRespondsBeforeTerminated(t *testing.T) {
	backend := newFakeBackend()
	h := newHarness(t, backend, nil)
	h.start(t)

	h.send("disconnect", nil)
	resp, skipped := h.awaitResponse("disconnect")
	requireOK(t, resp)
	for _, env := range skipped {
		require.NotEqual(t, "terminated", env.Name, "terminated may not precede the disconnect response")
	}

	h.awaitEvent("terminated")
	require.Eventually(t, backend.wasDisconnected, 2*time.Second, 10*time.Millisecond)

	select {
	case <-h.engine.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not finish")
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	backend := newFakeBackend()
	h := newHarness(t, backend, nil)
	h.start(t)

	h.send("disconnect", nil)
	resp, _ := h.awaitResponse("disconnect")
	requireOK(t, resp)
	h.awaitEvent("terminated")

	h.send("disconnect", nil)
	resp, skipped := h.awaitResponse("disconnect")
	requireOK(t, resp)
	for _, env := range skipped {
		require.NotEqual(t, "terminated", env.Name, "terminated is a one-shot event")
	}
}

func TestDisconnectWhileStoppedResumesFirmware(t *testing.T) {
	backend := newFakeBackend()
	h := newHarness(t, backend, nil)
	h.start(t)

	backend.emit(device.Event{Type: device.EventBreakpointHit, ThreadID: 1})
	h.awaitEvent("stopped")

	h.send("disconnect", nil)
	resp, _ := h.awaitResponse("disconnect")
	requireOK(t, resp)
	h.awaitEvent("terminated")

	backend.mu.Lock()
	resumes := backend.resumeCalls
	backend.mu.Unlock()
	assert.Equal(t, 1, resumes, "a halted device must be resumed before detach")
}

func TestDisconnectNotDelayedByStalledQuery(t *testing.T) {
	backend := newFakeBackend()
	backend.threadsHold = make(chan struct{})
	h := newHarness(t, backend, nil)
	h.start(t)

	// Park the session worker inside a device call.
	h.send("threads", nil)
	require.Eventually(t, func() bool {
		backend.mu.Lock()
		defer backend.mu.Unlock()
		return backend.threadsCalls >= 1
	}, 2*time.Second, 5*time.Millisecond)

	begin := time.Now()
	h.send("disconnect", nil)
	resp, _ := h.awaitResponse("disconnect")
	requireOK(t, resp)
	require.Less(t, time.Since(begin), 500*time.Millisecond,
		"disconnect must not queue behind a stalled device call")

	close(backend.threadsHold)
	h.awaitEvent("terminated")

	select {
	case <-h.engine.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not finish")
	}
}

func TestDisconnectWhileResumeInFlight(t *testing.T) {
	backend := newFakeBackend()
	backend.resumeHold = make(chan struct{})
	h := newHarness(t, backend, nil)
	h.start(t)

	backend.emit(device.Event{Type: device.EventBreakpointHit, ThreadID: 1})
	h.awaitEvent("stopped")

	// The device never acknowledges the resume.
	h.send("continue", nil)
	require.Eventually(t, func() bool {
		backend.mu.Lock()
		defer backend.mu.Unlock()
		return backend.resumeCalls >= 1
	}, 2*time.Second, 5*time.Millisecond)

	begin := time.Now()
	h.send("disconnect", nil)
	resp, _ := h.awaitResponse("disconnect")
	requireOK(t, resp)
	require.Less(t, time.Since(begin), 500*time.Millisecond,
		"disconnect must not wait for the unacknowledged resume")

	close(backend.resumeHold)
	h.awaitEvent("terminated")

	select {
	case <-h.engine.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not finish")
	}
}

func TestBreakpointsStagedBeforeLaunch(t *testing.T) {
	backend := newFakeBackend()
	h := newHarness(t, backend, nil)

	h.send("initialize", nil)
	resp, _ := h.awaitResponse("initialize")
	requireOK(t, resp)

	h.send("setBreakpoints", map[string]any{
		"path":        "main.c",
		"breakpoints": []map[string]any{{"line": 10}, {"line": 20, "condition": "x > 3"}},
	})
	resp, _ = h.awaitResponse("setBreakpoints")
	requireOK(t, resp)
	// No device yet, so nothing is verified.
	assert.Contains(t, string(resp.Response), `"verified":false`)

	// A backend without live breakpoint support takes them at the first
	// stop, not at attach.
	h.send("launch", launchBody(t))
	resp, _ = h.awaitResponse("launch")
	requireOK(t, resp)
	h.awaitEvent("initialized")
	assert.Empty(t, backend.breakpointsFor("main.c"))

	backend.emit(device.Event{Type: device.EventBreakpointHit, ThreadID: 1})
	h.awaitEvent("stopped")
	require.Len(t, backend.breakpointsFor("main.c"), 2)
}

func TestBreakpointsAppliedAtAttachWithLiveSupport(t *testing.T) {
	backend := newFakeBackend()
	backend.caps = device.Caps{LiveBreakpoints: true}
	h := newHarness(t, backend, nil)

	h.send("initialize", nil)
	resp, _ := h.awaitResponse("initialize")
	requireOK(t, resp)

	h.send("setBreakpoints", map[string]any{
		"path":        "main.c",
		"breakpoints": []map[string]any{{"line": 10}},
	})
	resp, _ = h.awaitResponse("setBreakpoints")
	requireOK(t, resp)

	h.send("launch", launchBody(t))
	resp, _ = h.awaitResponse("launch")
	requireOK(t, resp)
	h.awaitEvent("initialized")

	require.Eventually(t, func() bool {
		return len(backend.breakpointsFor("main.c")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// With live support, changes while running go straight to the device
	// and come back verified.
	h.send("setBreakpoints", map[string]any{
		"path":        "main.c",
		"breakpoints": []map[string]any{{"line": 30}},
	})
	resp, _ = h.awaitResponse("setBreakpoints")
	requireOK(t, resp)
	assert.Contains(t, string(resp.Response), `"verified":true`)
}

func TestBreakpointsWhileRunningWithoutLiveSupport(t *testing.T) {
	backend := newFakeBackend()
	h := newHarness(t, backend, nil)
	h.start(t)

	h.send("setBreakpoints", map[string]any{
		"path":        "timer.c",
		"breakpoints": []map[string]any{{"line": 5}},
	})
	resp, _ := h.awaitResponse("setBreakpoints")
	requireOK(t, resp)
	assert.Contains(t, string(resp.Response), `"verified":false`)
	assert.Empty(t, backend.breakpointsFor("timer.c"))

	backend.emit(device.Event{Type: device.EventPaused, ThreadID: 1})
	h.awaitEvent("stopped")
	require.Len(t, backend.breakpointsFor("timer.c"), 1)
}

func TestThreadLifecycleEvents(t *testing.T) {
	backend := newFakeBackend()
	h := newHarness(t, backend, nil)
	h.start(t)

	backend.emit(device.Event{Type: device.EventThreadStarted, ThreadID: 2})
	ev := h.awaitEvent("started")
	var thread protocol.ThreadEvent
	require.NoError(t, json.Unmarshal(ev.Body, &thread))
	assert.Equal(t, 2, thread.ThreadID)

	backend.emit(device.Event{Type: device.EventThreadExited, ThreadID: 2})
	ev = h.awaitEvent("exited")
	require.NoError(t, json.Unmarshal(ev.Body, &thread))
	assert.Equal(t, 2, thread.ThreadID)
}

func TestDeviceLossTerminatesSession(t *testing.T) {
	backend := newFakeBackend()
	h := newHarness(t, backend, nil)
	h.start(t)

	backend.emit(device.Event{Type: device.EventDisconnected, Message: "bridge reset"})
	backend.closeEvents()

	ev := h.awaitEvent("output")
	var output protocol.OutputEvent
	require.NoError(t, json.Unmarshal(ev.Body, &output))
	assert.Contains(t, output.Output, "bridge reset")

	h.awaitEvent("terminated")
	assert.Equal(t, StateTerminated, h.engine.State())
	require.Eventually(t, backend.wasClosed, 2*time.Second, 10*time.Millisecond,
		"a lost backend still owns resources that need releasing")
}

func TestShutdownReleasesDevice(t *testing.T) {
	backend := newFakeBackend()
	h := newHarness(t, backend, nil)
	h.start(t)

	h.engine.Shutdown()
	h.awaitEvent("terminated")
	require.Eventually(t, backend.wasDisconnected, 2*time.Second, 10*time.Millisecond)

	select {
	case <-h.engine.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not finish")
	}
}
