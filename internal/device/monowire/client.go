package monowire

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/dshills/mcudap/internal/device"
	"github.com/dshills/mcudap/internal/protocol"
)

// Options tunes the wire client.
type Options struct {
	// DialTimeout bounds a single connection attempt.
	DialTimeout time.Duration

	// DialRetries is the number of attempts before dial fails.
	DialRetries int

	// RequestTimeout bounds each request/response exchange. Exceeding it
	// yields a DeviceUnresponsive error.
	RequestTimeout time.Duration
}

// DefaultOptions returns the options used when a field is zero.
func DefaultOptions() Options {
	return Options{
		DialTimeout:    5 * time.Second,
		DialRetries:    3,
		RequestTimeout: 10 * time.Second,
	}
}

// Client speaks the soft-debugger wire protocol to a device agent. It
// implements device.Capability and the deployer's transfer target.
type Client struct {
	conn io.ReadWriteCloser
	opts Options

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[int]chan wireResult
	nextID    int

	events chan device.Event

	capsMu sync.RWMutex
	caps   device.Caps

	done      chan struct{}
	closeOnce sync.Once
}

// wireResult is a resolved response delivered to a waiting request.
type wireResult struct {
	data json.RawMessage
	err  error
}

// Dial connects to the device's serial bridge endpoint, retrying failed
// attempts, and starts the receive loop.
func Dial(ctx context.Context, endpoint string, opts Options) (*Client, error) {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultOptions().DialTimeout
	}
	if opts.DialRetries <= 0 {
		opts.DialRetries = DefaultOptions().DialRetries
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultOptions().RequestTimeout
	}

	var conn net.Conn
	var err error
	dialer := &net.Dialer{Timeout: opts.DialTimeout}

	for attempt := 0; attempt < opts.DialRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, protocol.Errorf(protocol.CodeConnectionFailed, "dial %s: %v", endpoint, ctx.Err())
			case <-time.After(time.Second):
			}
		}
		conn, err = dialer.DialContext(ctx, "tcp", endpoint)
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, protocol.Errorf(protocol.CodeConnectionFailed, "dial %s: %v", endpoint, err)
	}

	return NewClient(conn, opts), nil
}

// NewClient wraps an established connection. Used directly by tests; Dial is
// the production path.
func NewClient(conn io.ReadWriteCloser, opts Options) *Client {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultOptions().RequestTimeout
	}

	c := &Client{
		conn:    conn,
		opts:    opts,
		pending: make(map[int]chan wireResult),
		events:  make(chan device.Event, 32),
		done:    make(chan struct{}),
	}
	go c.receiveLoop()
	return c
}

// receiveLoop reads frames until the connection ends, resolving pending
// requests and forwarding device events in arrival order.
func (c *Client) receiveLoop() {
	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), protocol.MaxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg wireMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}

		switch {
		case msg.ID != nil && msg.OK != nil:
			c.resolve(*msg.ID, msg)
		case msg.Evt != "":
			c.forwardEvent(msg)
		}
	}

	err := scanner.Err()
	c.failPending(err)

	// Connection loss is itself a device event unless we initiated it.
	select {
	case <-c.done:
	default:
		msg := "connection closed"
		if err != nil {
			msg = err.Error()
		}
		select {
		case c.events <- device.Event{Type: device.EventDisconnected, Message: msg}:
		case <-c.done:
		}
	}
	close(c.events)
}

// resolve delivers a response to its waiting request.
func (c *Client) resolve(id int, msg wireMessage) {
	c.pendingMu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()

	if !ok {
		return
	}

	if !*msg.OK {
		ch <- wireResult{err: errors.New(msg.Err)}
		return
	}
	ch <- wireResult{data: msg.Data}
}

// failPending cancels every in-flight request after connection loss.
func (c *Client) failPending(cause error) {
	if cause == nil {
		cause = io.ErrUnexpectedEOF
	}

	c.pendingMu.Lock()
	for id, ch := range c.pending {
		ch <- wireResult{err: fmt.Errorf("connection lost: %w", cause)}
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
}

// forwardEvent maps one wire event onto a device.Event.
func (c *Client) forwardEvent(msg wireMessage) {
	var ev device.Event

	switch msg.Evt {
	case evtThreadStart, evtThreadExit, evtBreakpoint, evtStep, evtPaused:
		var data threadEventData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return
		}
		ev.ThreadID = data.Thread
		switch msg.Evt {
		case evtThreadStart:
			ev.Type = device.EventThreadStarted
		case evtThreadExit:
			ev.Type = device.EventThreadExited
		case evtBreakpoint:
			ev.Type = device.EventBreakpointHit
		case evtStep:
			ev.Type = device.EventStepComplete
		case evtPaused:
			ev.Type = device.EventPaused
		}
	case evtFault:
		var data faultEventData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return
		}
		ev = device.Event{Type: device.EventFault, ThreadID: data.Thread, Message: data.Message}
	case evtOutput:
		var data outputEventData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return
		}
		ev = device.Event{Type: device.EventOutput, Category: data.Category, Output: data.Text}
	default:
		return
	}

	// Blocking send keeps device ordering intact; the session's translator
	// drains this channel promptly.
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// request performs one request/response exchange.
func (c *Client) request(ctx context.Context, op string, args any) (json.RawMessage, error) {
	var rawArgs json.RawMessage
	if args != nil {
		data, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("marshal %s args: %w", op, err)
		}
		rawArgs = data
	}

	c.pendingMu.Lock()
	c.nextID++
	id := c.nextID
	ch := make(chan wireResult, 1)
	c.pending[id] = ch
	c.pendingMu.Unlock()

	msg := wireMessage{ID: &id, Op: op, Args: rawArgs}
	if err := c.send(msg); err != nil {
		c.dropPending(id)
		return nil, err
	}

	timer := time.NewTimer(c.opts.RequestTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("%s: %w", op, res.err)
		}
		return res.data, nil
	case <-ctx.Done():
		c.dropPending(id)
		return nil, ctx.Err()
	case <-timer.C:
		c.dropPending(id)
		return nil, protocol.Errorf(protocol.CodeDeviceUnresponsive, "%s: no reply within %s", op, c.opts.RequestTimeout)
	case <-c.done:
		c.dropPending(id)
		return nil, fmt.Errorf("%s: client closed", op)
	}
}

func (c *Client) dropPending(id int) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *Client) send(msg wireMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := c.conn.Write(data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Close tears down the connection without a detach handshake.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// Connect performs the attach handshake and records the reported
// capabilities.
func (c *Client) Connect(ctx context.Context) (device.Caps, error) {
	data, err := c.request(ctx, opAttach, nil)
	if err != nil {
		return device.Caps{}, protocol.WrapError(err, protocol.CodeConnectionFailed)
	}

	var res attachResult
	if err := json.Unmarshal(data, &res); err != nil {
		return device.Caps{}, protocol.Errorf(protocol.CodeConnectionFailed, "attach: bad handshake: %v", err)
	}

	caps := device.Caps{LiveBreakpoints: res.Caps.LiveBreakpoints}
	c.capsMu.Lock()
	c.caps = caps
	c.capsMu.Unlock()
	return caps, nil
}

// Disconnect detaches (best effort) and closes the connection.
func (c *Client) Disconnect(ctx context.Context) error {
	_, detachErr := c.request(ctx, opDetach, nil)
	closeErr := c.Close()
	if detachErr != nil {
		return fmt.Errorf("detach: %w", detachErr)
	}
	return closeErr
}

// Resume resumes all threads.
func (c *Client) Resume(ctx context.Context) error {
	_, err := c.request(ctx, opResume, nil)
	return err
}

// Pause requests a halt; the stop arrives on the event stream.
func (c *Client) Pause(ctx context.Context) error {
	_, err := c.request(ctx, opPause, nil)
	return err
}

// Step performs one step on a thread.
func (c *Client) Step(ctx context.Context, threadID int, kind device.StepKind) error {
	_, err := c.request(ctx, opStep, stepArgs{Thread: threadID, Kind: string(kind)})
	return err
}

// SetBreakpoints replaces the breakpoint set for a file.
func (c *Client) SetBreakpoints(ctx context.Context, file string, bps []device.SourceBreakpoint) ([]device.Breakpoint, error) {
	args := setBreaksArgs{File: file, Breakpoints: make([]wireBreakpoint, len(bps))}
	for i, bp := range bps {
		args.Breakpoints[i] = wireBreakpoint{Line: bp.Line, Condition: bp.Condition}
	}

	data, err := c.request(ctx, opSetBreaks, args)
	if err != nil {
		return nil, err
	}

	var res setBreaksResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("set-breakpoints: bad reply: %w", err)
	}

	out := make([]device.Breakpoint, len(res.Breakpoints))
	for i, bp := range res.Breakpoints {
		out[i] = device.Breakpoint{Line: bp.Line, Verified: bp.Verified}
	}
	return out, nil
}

// Threads enumerates device threads.
func (c *Client) Threads(ctx context.Context) ([]device.Thread, error) {
	data, err := c.request(ctx, opThreads, nil)
	if err != nil {
		return nil, err
	}

	var res threadsResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("threads: bad reply: %w", err)
	}

	out := make([]device.Thread, len(res.Threads))
	for i, th := range res.Threads {
		out[i] = device.Thread{ID: th.ID, Name: th.Name}
	}
	return out, nil
}

// Frames enumerates the stack of a stopped thread.
func (c *Client) Frames(ctx context.Context, threadID int) ([]device.StackFrame, error) {
	data, err := c.request(ctx, opFrames, framesArgs{Thread: threadID})
	if err != nil {
		return nil, err
	}

	var res framesResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("frames: bad reply: %w", err)
	}

	out := make([]device.StackFrame, len(res.Frames))
	for i, fr := range res.Frames {
		out[i] = device.StackFrame{ID: fr.ID, Name: fr.Name, File: fr.File, Line: fr.Line}
	}
	return out, nil
}

// Variables enumerates the variables of a frame.
func (c *Client) Variables(ctx context.Context, frameID int) ([]device.Variable, error) {
	data, err := c.request(ctx, opVariables, variablesArgs{Frame: frameID})
	if err != nil {
		return nil, err
	}

	var res variablesResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("variables: bad reply: %w", err)
	}

	out := make([]device.Variable, len(res.Variables))
	for i, v := range res.Variables {
		out[i] = device.Variable{Name: v.Name, Value: v.Value, Type: v.Type}
	}
	return out, nil
}

// Capabilities returns the Caps recorded by Connect.
func (c *Client) Capabilities() device.Caps {
	c.capsMu.RLock()
	defer c.capsMu.RUnlock()
	return c.caps
}

// Events returns the device notification stream.
func (c *Client) Events() <-chan device.Event {
	return c.events
}

// BeginTransfer opens a named transfer slot on the device for deployment.
func (c *Client) BeginTransfer(ctx context.Context, name string, size int64) error {
	_, err := c.request(ctx, opXferBegin, xferBeginArgs{Name: name, Size: size})
	return err
}

// WriteChunk appends one chunk to an open transfer.
func (c *Client) WriteChunk(ctx context.Context, name string, chunk []byte) error {
	_, err := c.request(ctx, opXferData, xferDataArgs{Name: name, Data: chunk})
	return err
}

// CommitTransfer finishes a transfer; the device checks size and digest.
func (c *Client) CommitTransfer(ctx context.Context, name string, digest string) error {
	_, err := c.request(ctx, opXferCommit, xferCommitArgs{Name: name, Digest: digest})
	return err
}
