// Package openai implements the adapter for OpenAI-shaped backends
// (OpenAI itself plus the co-located and LAN servers that speak the same
// wire format).
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/bonjohen/smartclaw/internal/providers"
	"github.com/bonjohen/smartclaw/internal/store"
)

// Adapter sends chat requests to ${endpoint}/chat/completions and decodes
// the response into the normalized chunk stream.
type Adapter struct {
	client *http.Client
	getenv func(string) string
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithHTTPClient overrides the HTTP client (tests).
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.client = c }
}

// WithGetenv overrides credential lookup (tests).
func WithGetenv(fn func(string) string) Option {
	return func(a *Adapter) { a.getenv = fn }
}

// New creates an OpenAI-shaped adapter. Streaming responses have no client
// timeout; the request context governs cancellation.
func New(opts ...Option) *Adapter {
	a := &Adapter{
		client: &http.Client{},
		getenv: os.Getenv,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Adapter) payload(m *store.ModelRecord, req *providers.ChatRequest) map[string]any {
	p := map[string]any{
		"model":    providers.BackendModelName(m.ID),
		"messages": req.Messages,
		"stream":   req.Stream,
	}
	switch {
	case req.MaxTokens != nil:
		p["max_tokens"] = *req.MaxTokens
	case m.MaxOutputTokens > 0:
		p["max_tokens"] = m.MaxOutputTokens
	}
	if req.Temperature != nil {
		p["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		p["top_p"] = *req.TopP
	}
	if req.Stop != nil {
		p["stop"] = req.Stop
	}
	return p
}

func (a *Adapter) headers(m *store.ModelRecord) map[string]string {
	h := map[string]string{}
	if key := providers.Credential(m, a.getenv); key != "" {
		h["Authorization"] = "Bearer " + key
	}
	return h
}

// Send issues the request. Streaming requests return a stream that decodes
// `data:` lines until the `[DONE]` terminator; non-streaming requests return
// a single synthesized chunk.
func (a *Adapter) Send(ctx context.Context, m *store.ModelRecord, req *providers.ChatRequest) (*providers.StreamResponse, error) {
	url := m.Endpoint + "/chat/completions"

	if !req.Stream {
		body, err := providers.DoRequest(ctx, a.client, url, a.payload(m, req), a.headers(m))
		if err != nil {
			return nil, err
		}
		chunk, err := completionToChunk(body, m.ID)
		if err != nil {
			return nil, err
		}
		return &providers.StreamResponse{
			Stream:  providers.NewSingleChunkStream(chunk),
			ModelID: m.ID,
			Model:   m,
		}, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	body, err := providers.DoStreamRequest(ctx, a.client, url, a.payload(m, req), a.headers(m))
	if err != nil {
		cancel()
		return nil, err
	}
	return &providers.StreamResponse{
		Stream: &chunkStream{
			sse:    providers.NewSSEReader(body),
			body:   body,
			cancel: cancel,
		},
		ModelID: m.ID,
		Model:   m,
	}, nil
}

// chunkStream decodes the OpenAI event stream. Chunks are already in the
// normalized shape, so decoding is a straight JSON parse per data line.
type chunkStream struct {
	sse    *providers.SSEReader
	body   io.ReadCloser
	cancel context.CancelFunc

	closeOnce sync.Once
	closed    bool
	mu        sync.Mutex
}

func (s *chunkStream) Recv() (*providers.Chunk, error) {
	for {
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return nil, io.EOF
		}
		ev, err := s.sse.ReadEvent()
		if err != nil {
			return nil, err
		}
		if ev.Data == "[DONE]" {
			return nil, io.EOF
		}
		var chunk providers.Chunk
		if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
			return nil, fmt.Errorf("decode chunk: %w", err)
		}
		return &chunk, nil
	}
}

func (s *chunkStream) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.cancel()
		_ = s.body.Close()
	})
	return nil
}

// completionToChunk synthesizes one normalized chunk from a non-streaming
// completion response.
func completionToChunk(body []byte, modelID string) (*providers.Chunk, error) {
	var resp struct {
		ID      string `json:"id"`
		Created int64  `json:"created"`
		Choices []struct {
			Message struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"message"`
			FinishReason *string `json:"finish_reason"`
		} `json:"choices"`
		Usage *providers.Usage `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode completion: %w", err)
	}
	chunk := &providers.Chunk{
		ID:      resp.ID,
		Object:  "chat.completion.chunk",
		Created: resp.Created,
		Model:   modelID,
	}
	if chunk.Created == 0 {
		chunk.Created = time.Now().Unix()
	}
	for i, c := range resp.Choices {
		chunk.Choices = append(chunk.Choices, providers.ChunkChoice{
			Index: i,
			Delta: providers.Delta{
				Role:    c.Message.Role,
				Content: c.Message.Content,
			},
			FinishReason: c.FinishReason,
		})
	}
	chunk.Usage = resp.Usage
	return chunk, nil
}
