package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/tidwall/gjson"
)

// MaxLineSize is the largest accepted envelope line (10MB).
const MaxLineSize = 10 * 1024 * 1024

// MalformedError reports a line that could not be decoded into an Envelope.
// RequestSeq is the request's seq when it could be recovered from the raw
// line, allowing the dispatcher to answer with a protocol-level error; it is
// zero when the line must be dropped.
type MalformedError struct {
	RequestSeq int
	Reason     string
}

// Error implements the error interface.
func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed envelope: %s", e.Reason)
}

// Recoverable reports whether the offending line carried a usable request id.
func (e *MalformedError) Recoverable() bool {
	return e.RequestSeq > 0
}

// Decoder reads envelopes from a newline-delimited byte stream. It is not
// safe for concurrent use; the dispatcher owns it.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder creates a Decoder over r.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxLineSize)
	return &Decoder{scanner: scanner}
}

// Next returns the next envelope. It returns io.EOF when the stream closes,
// a *MalformedError for undecodable lines (the stream remains usable), and
// skips blank lines.
func (d *Decoder) Next() (*Envelope, error) {
	for d.scanner.Scan() {
		line := d.scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		env, err := Decode(line)
		if err != nil {
			return nil, err
		}
		return env, nil
	}

	if err := d.scanner.Err(); err != nil {
		return nil, fmt.Errorf("read envelope: %w", err)
	}
	return nil, io.EOF
}

// Decode parses a single line into an Envelope.
func Decode(line []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, &MalformedError{RequestSeq: recoverSeq(line), Reason: err.Error()}
	}

	switch {
	case env.Seq <= 0:
		return nil, &MalformedError{Reason: "missing or invalid seq"}
	case env.Kind != KindRequest && env.Kind != KindResponse && env.Kind != KindEvent:
		return nil, &MalformedError{RequestSeq: recoverSeq(line), Reason: fmt.Sprintf("unknown kind %q", env.Kind)}
	case env.Name == "":
		return nil, &MalformedError{RequestSeq: recoverSeq(line), Reason: "missing name"}
	}

	return &env, nil
}

// recoverSeq pulls a request seq out of a broken line, best effort. Only
// lines that still look like requests are worth answering.
func recoverSeq(line []byte) int {
	if !gjson.ValidBytes(line) {
		return 0
	}
	kind := gjson.GetBytes(line, "kind")
	if kind.Exists() && kind.String() != string(KindRequest) {
		return 0
	}
	seq := gjson.GetBytes(line, "seq")
	if !seq.Exists() || seq.Int() <= 0 {
		return 0
	}
	return int(seq.Int())
}

// Encode serializes an envelope to one newline-terminated wire line.
func Encode(env *Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return append(data, '\n'), nil
}

// Writer serializes outbound envelopes onto a shared stream. It owns the
// outbound seq counter and is safe for concurrent use; each envelope is
// written as one uninterrupted line.
type Writer struct {
	mu  sync.Mutex
	w   io.Writer
	seq int
}

// NewWriter creates a Writer over w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteResponse writes the response for the request with seq requestSeq.
// cmdErr non-nil marks failure; result is ignored in that case.
func (w *Writer) WriteResponse(command string, requestSeq int, result any, cmdErr *CommandError) error {
	body := CommandResponse{
		ID:      fmt.Sprintf("%d", requestSeq),
		Command: command,
	}

	if cmdErr != nil {
		code := string(cmdErr.Code)
		body.Error = &code
	} else if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal response body: %w", err)
		}
		body.Response = data
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal command response: %w", err)
	}

	return w.write(KindResponse, command, raw)
}

// WriteEvent writes an event envelope.
func (w *Writer) WriteEvent(name string, body any) error {
	var raw json.RawMessage
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal event body: %w", err)
		}
		raw = data
	}

	return w.write(KindEvent, name, raw)
}

func (w *Writer) write(kind Kind, name string, body json.RawMessage) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.seq++
	env := &Envelope{
		Seq:  w.seq,
		Kind: kind,
		Name: name,
		Body: body,
	}

	line, err := Encode(env)
	if err != nil {
		return err
	}

	if _, err := w.w.Write(line); err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	return nil
}
