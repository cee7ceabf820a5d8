package providers

import (
	"io"
	"strings"
	"testing"
)

// chunkedReader returns its fragments one Read at a time, simulating TCP
// reads that split events mid-line.
type chunkedReader struct {
	fragments []string
}

func (r *chunkedReader) Read(p []byte) (int, error) {
	if len(r.fragments) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.fragments[0])
	if n < len(r.fragments[0]) {
		r.fragments[0] = r.fragments[0][n:]
	} else {
		r.fragments = r.fragments[1:]
	}
	return n, nil
}

func TestSSEReaderMultipleEvents(t *testing.T) {
	input := "data: first\n\ndata: second\n\n"
	r := NewSSEReader(strings.NewReader(input))

	ev, err := r.ReadEvent()
	if err != nil || ev.Data != "first" {
		t.Fatalf("event 1: %v %+v", err, ev)
	}
	ev, err = r.ReadEvent()
	if err != nil || ev.Data != "second" {
		t.Fatalf("event 2: %v %+v", err, ev)
	}
	if _, err := r.ReadEvent(); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestSSEReaderPartialLines(t *testing.T) {
	// The event arrives split across reads, including mid-word.
	r := NewSSEReader(&chunkedReader{fragments: []string{
		"data: hel", "lo wor", "ld\n", "\n",
		"da", "ta: done\n\n",
	}})

	ev, err := r.ReadEvent()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if ev.Data != "hello world" {
		t.Errorf("split event reassembled wrong: %q", ev.Data)
	}
	ev, err = r.ReadEvent()
	if err != nil || ev.Data != "done" {
		t.Fatalf("second event: %v %+v", err, ev)
	}
}

func TestSSEReaderNamedEventsAndComments(t *testing.T) {
	input := ": keepalive\nevent: message_start\nid: 42\ndata: {\"x\":1}\n\n"
	r := NewSSEReader(strings.NewReader(input))

	ev, err := r.ReadEvent()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if ev.Event != "message_start" || ev.ID != "42" || ev.Data != `{"x":1}` {
		t.Errorf("unexpected event: %+v", ev)
	}
}

func TestSSEReaderMultilineData(t *testing.T) {
	input := "data: line one\ndata: line two\n\n"
	r := NewSSEReader(strings.NewReader(input))

	ev, err := r.ReadEvent()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if ev.Data != "line one\nline two" {
		t.Errorf("data lines should join with newline: %q", ev.Data)
	}
}

func TestSSEReaderCRLF(t *testing.T) {
	input := "data: windows\r\n\r\n"
	r := NewSSEReader(strings.NewReader(input))

	ev, err := r.ReadEvent()
	if err != nil || ev.Data != "windows" {
		t.Fatalf("CRLF handling: %v %+v", err, ev)
	}
}

func TestSingleChunkStream(t *testing.T) {
	s := NewSingleChunkStream(&Chunk{ID: "one"})

	c, err := s.Recv()
	if err != nil || c.ID != "one" {
		t.Fatalf("recv: %v %+v", err, c)
	}
	if _, err := s.Recv(); err != io.EOF {
		t.Fatalf("expected EOF after the chunk, got %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestSingleChunkStreamCloseDropsChunk(t *testing.T) {
	s := NewSingleChunkStream(&Chunk{ID: "one"})
	_ = s.Close()
	if _, err := s.Recv(); err != io.EOF {
		t.Fatalf("expected EOF after close, got %v", err)
	}
}

func TestBackendModelName(t *testing.T) {
	cases := map[string]string{
		"local/qwen3-8b":       "qwen3-8b",
		"openai/gpt-4o-mini":   "gpt-4o-mini",
		"bare-name":            "bare-name",
		"a/b/qwen3-coder-30b":  "qwen3-coder-30b",
	}
	for in, want := range cases {
		if got := BackendModelName(in); got != want {
			t.Errorf("%q: expected %q, got %q", in, want, got)
		}
	}
}
