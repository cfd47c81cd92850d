package critique

import (
	"bytes"
	"io"
	"strings"
	"testing"
)

func TestEventWireRoundTrip(t *testing.T) {
	events := []Event{
		{Kind: KindDelta, Delta: "The framing "},
		{Kind: KindDelta, Delta: "is strong.\n"},
		{Kind: KindSaved, SavedID: 42, Version: 2},
		{Kind: KindDone},
	}

	var buf bytes.Buffer
	for _, ev := range events {
		if err := WriteEvent(&buf, ev); err != nil {
			t.Fatalf("WriteEvent(%v): %v", ev.Kind, err)
		}
	}

	dec := NewDecoder(&buf)
	for i, want := range events {
		got, err := dec.Next()
		if err != nil {
			t.Fatalf("Next() %d: %v", i, err)
		}
		if got != want {
			t.Errorf("event %d = %+v, want %+v", i, got, want)
		}
	}
	if _, err := dec.Next(); err != io.EOF {
		t.Fatalf("after last frame: err = %v, want io.EOF", err)
	}
}

func TestWriteEventFrameShape(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteEvent(&buf, Event{Kind: KindDelta, Delta: "hi"}); err != nil {
		t.Fatalf("WriteEvent: %v", err)
	}
	if got := buf.String(); got != "data: {\"critique\":\"hi\"}\n\n" {
		t.Errorf("delta frame = %q", got)
	}

	buf.Reset()
	if err := WriteEvent(&buf, Event{Kind: KindDone}); err != nil {
		t.Fatalf("WriteEvent: %v", err)
	}
	if got := buf.String(); got != "data: [DONE]\n\n" {
		t.Errorf("done frame = %q", got)
	}
}

func TestDecodeErrorFrame(t *testing.T) {
	dec := NewDecoder(strings.NewReader("data: {\"error\":\"Failed to generate critique\"}\n\n"))
	ev, err := dec.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if ev.Kind != KindError || ev.Err != "Failed to generate critique" {
		t.Errorf("event = %+v", ev)
	}
}

func TestDecodeMalformedFrames(t *testing.T) {
	cases := []string{
		"bogus line\n\n",
		"data: {not json}\n\n",
		"data: {}\n\n",
	}
	for _, in := range cases {
		dec := NewDecoder(strings.NewReader(in))
		if _, err := dec.Next(); err == nil {
			t.Errorf("Next accepted malformed input %q", in)
		}
	}
}
