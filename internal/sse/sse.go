// Package sse adapts github.com/tmaxmax/go-sse to the frames exchanged by
// the event stream client and the relay.
package sse

import (
	"fmt"
	"io"
	"iter"
	"strings"

	gosse "github.com/tmaxmax/go-sse"
)

// MaxEventSize bounds a single event on the wire.
const MaxEventSize = 1 << 20

// Frame is one dispatched Server-Sent Event.
type Frame struct {
	Event string
	Data  []byte
	ID    string
}

// Read yields the frames of a text/event-stream body in order. It never
// reconnects. When the body ends the sequence yields io.EOF once; a read
// or parse failure is yielded as is. Unnamed frames get the event name
// "message" and frames without data are skipped.
func Read(r io.Reader) iter.Seq2[Frame, error] {
	return func(yield func(Frame, error) bool) {
		for ev, err := range gosse.Read(r, &gosse.ReadConfig{MaxEventSize: MaxEventSize}) {
			if err != nil {
				yield(Frame{}, err)
				return
			}
			if ev.Data == "" {
				continue
			}
			name := ev.Type
			if name == "" {
				name = "message"
			}
			if !yield(Frame{Event: name, Data: []byte(ev.Data), ID: ev.LastEventID}, nil) {
				return
			}
		}
		yield(Frame{}, io.EOF)
	}
}

// Encode writes one frame. Names and ids containing a line break are
// rejected, since they would split the frame.
func Encode(w io.Writer, f Frame) error {
	m := &gosse.Message{}
	if f.ID != "" {
		id, err := gosse.NewID(f.ID)
		if err != nil {
			return fmt.Errorf("sse: id: %w", err)
		}
		m.ID = id
	}
	if f.Event != "" {
		typ, err := gosse.NewType(f.Event)
		if err != nil {
			return fmt.Errorf("sse: event name: %w", err)
		}
		m.Type = typ
	}
	m.AppendData(strings.Split(string(f.Data), "\n")...)
	_, err := m.WriteTo(w)
	return err
}

// Comment writes a comment line, commonly used as a keep-alive.
func Comment(w io.Writer, text string) error {
	_, err := fmt.Fprintf(w, ": %s\n\n", text)
	return err
}
