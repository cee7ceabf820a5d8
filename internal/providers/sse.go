package providers

import (
	"bufio"
	"io"
	"strings"
	"sync"
)

// SSEEvent is one server-sent event.
type SSEEvent struct {
	Event string
	Data  string
	ID    string
}

// SSEReader decodes server-sent events from a byte stream. The underlying
// bufio.Reader carries unfinished trailing lines across reads, so chunks are
// never duplicated or dropped on read boundaries.
type SSEReader struct {
	reader *bufio.Reader
}

// NewSSEReader creates an SSE reader over r.
func NewSSEReader(r io.Reader) *SSEReader {
	return &SSEReader{reader: bufio.NewReader(r)}
}

// ReadEvent reads the next complete event. It returns the reader's error
// (io.EOF at clean end of stream) once the stream is exhausted.
func (r *SSEReader) ReadEvent() (*SSEEvent, error) {
	event := &SSEEvent{}
	for {
		line, err := r.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			// Blank line terminates an event.
			if event.Data != "" {
				return event, nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			// Comment line.
			continue
		}

		field, value, found := strings.Cut(line, ":")
		if !found {
			field, value = line, ""
		}
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "event":
			event.Event = value
		case "data":
			if event.Data != "" {
				event.Data += "\n"
			}
			event.Data += value
		case "id":
			event.ID = value
		}
	}
}

// singleChunkStream yields one synthesized chunk then io.EOF. Used by the
// non-streaming paths of both adapters.
type singleChunkStream struct {
	mu    sync.Mutex
	chunk *Chunk
}

// NewSingleChunkStream wraps a fully-formed chunk as a Stream.
func NewSingleChunkStream(c *Chunk) Stream {
	return &singleChunkStream{chunk: c}
}

func (s *singleChunkStream) Recv() (*Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chunk == nil {
		return nil, io.EOF
	}
	c := s.chunk
	s.chunk = nil
	return c, nil
}

func (s *singleChunkStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunk = nil
	return nil
}
