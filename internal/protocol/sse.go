package protocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// DoneData is the payload of the end-of-stream frame.
const DoneData = "[DONE]"

var ErrStreamClosed = errors.New("stream already closed")

// SetupSSEHeaders prepares a response for a server-sent event stream.
func SetupSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// Encoder writes increments as server-sent events, flushing after each one.
type Encoder struct {
	w       io.Writer
	flusher http.Flusher

	mu     sync.Mutex
	closed bool
}

func NewEncoder(w io.Writer) *Encoder {
	e := &Encoder{w: w}
	if f, ok := w.(http.Flusher); ok {
		e.flusher = f
	}
	return e
}

func (e *Encoder) Encode(inc Increment) error {
	data, err := json.Marshal(inc)
	if err != nil {
		return fmt.Errorf("marshal increment: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrStreamClosed
	}
	return e.writeFrame(string(inc.Phase), data)
}

// Close writes the end-of-stream sentinel. Subsequent calls are no-ops.
func (e *Encoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return e.writeFrame(string(PhaseDone), []byte(DoneData))
}

func (e *Encoder) writeFrame(event string, data []byte) error {
	if _, err := fmt.Fprintf(e.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
	return nil
}

// Frame is one raw server-sent event.
type Frame struct {
	Event string
	Data  string
}

func (f Frame) IsDone() bool {
	return f.Event == string(PhaseDone) || strings.TrimSpace(f.Data) == DoneData
}

// Decoder reads server-sent events from a stream.
type Decoder struct {
	scanner *bufio.Scanner
}

func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &Decoder{scanner: scanner}
}

// NextFrame returns the next event. Comment lines are skipped and multiple
// data lines are joined with newlines. io.EOF marks the end of input.
func (d *Decoder) NextFrame() (Frame, error) {
	var (
		frame   Frame
		data    []string
		hasData bool
	)
	for d.scanner.Scan() {
		line := strings.TrimRight(d.scanner.Text(), "\r")
		if line == "" {
			if hasData || frame.Event != "" {
				frame.Data = strings.Join(data, "\n")
				return frame, nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			frame.Event = value
		case "data":
			data = append(data, value)
			hasData = true
		}
	}
	if err := d.scanner.Err(); err != nil {
		return Frame{}, fmt.Errorf("stream read: %w", err)
	}
	if hasData || frame.Event != "" {
		frame.Data = strings.Join(data, "\n")
		return frame, nil
	}
	return Frame{}, io.EOF
}

// Next decodes the next increment, returning io.EOF after the end marker.
func (d *Decoder) Next() (Increment, error) {
	frame, err := d.NextFrame()
	if err != nil {
		return Increment{}, err
	}
	if frame.IsDone() {
		return Increment{}, io.EOF
	}
	var inc Increment
	if err := json.Unmarshal([]byte(frame.Data), &inc); err != nil {
		return Increment{}, fmt.Errorf("decode increment: %w", err)
	}
	if inc.Phase == "" {
		inc.Phase = Phase(frame.Event)
	}
	return inc, nil
}
