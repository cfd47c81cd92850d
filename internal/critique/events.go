package critique

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Kind discriminates stream events. A stream is any number of KindDelta
// frames, at most one KindSaved frame, and exactly one terminal frame
// (KindDone or KindError) after which nothing follows.
type Kind int

const (
	// KindDelta carries one incremental chunk of critique text.
	KindDelta Kind = iota
	// KindSaved carries the persisted record's id and version.
	KindSaved
	// KindError is a terminal failure frame.
	KindError
	// KindDone is the normal end-of-stream marker.
	KindDone
)

// Event is the tagged variant flowing between the pipeline and the wire.
type Event struct {
	Kind    Kind
	Delta   string
	SavedID int64
	Version int
	Err     string
}

// doneSentinel is the literal end-of-stream frame body.
const doneSentinel = "[DONE]"

// wireFrame is the JSON shape of a non-sentinel frame. Exactly one field
// group is populated per frame.
type wireFrame struct {
	Critique *string `json:"critique,omitempty"`
	SavedID  *int64  `json:"savedId,omitempty"`
	Version  *int    `json:"version,omitempty"`
	Error    *string `json:"error,omitempty"`
}

// WriteEvent serializes one event as a text-event-stream frame
// ("data: <JSON>\n\n", or the literal "data: [DONE]\n\n" for KindDone).
// The caller is responsible for flushing.
func WriteEvent(w io.Writer, ev Event) error {
	if ev.Kind == KindDone {
		_, err := fmt.Fprintf(w, "data: %s\n\n", doneSentinel)
		return err
	}

	var f wireFrame
	switch ev.Kind {
	case KindDelta:
		f.Critique = &ev.Delta
	case KindSaved:
		f.SavedID = &ev.SavedID
		f.Version = &ev.Version
	case KindError:
		f.Error = &ev.Err
	}

	payload, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshalling event frame: %w", err)
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", payload)
	return err
}

// Decoder reads the frame sequence back into events; the CLI client and
// tests use it so the wire format has exactly one reader and one writer.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder wraps a raw event stream.
func NewDecoder(r io.Reader) *Decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	return &Decoder{scanner: sc}
}

// Next returns the next event. io.EOF signals the underlying stream ended;
// a well-formed stream ends right after a KindDone or KindError frame.
func (d *Decoder) Next() (Event, error) {
	for d.scanner.Scan() {
		line := strings.TrimRight(d.scanner.Text(), "\r")
		if line == "" {
			continue // frame separator
		}
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			return Event{}, fmt.Errorf("malformed frame %q", line)
		}

		if data == doneSentinel {
			return Event{Kind: KindDone}, nil
		}

		var f wireFrame
		if err := json.Unmarshal([]byte(data), &f); err != nil {
			return Event{}, fmt.Errorf("decoding frame: %w", err)
		}
		switch {
		case f.Error != nil:
			return Event{Kind: KindError, Err: *f.Error}, nil
		case f.SavedID != nil:
			ev := Event{Kind: KindSaved, SavedID: *f.SavedID}
			if f.Version != nil {
				ev.Version = *f.Version
			}
			return ev, nil
		case f.Critique != nil:
			return Event{Kind: KindDelta, Delta: *f.Critique}, nil
		default:
			return Event{}, fmt.Errorf("frame %q matches no variant", data)
		}
	}
	if err := d.scanner.Err(); err != nil {
		return Event{}, err
	}
	return Event{}, io.EOF
}
