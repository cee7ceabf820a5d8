// Package anthropic implements the adapter for the Anthropic Messages API,
// translating between the gateway's OpenAI-shaped envelope and Anthropic's
// wire format in both directions.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/bonjohen/smartclaw/internal/providers"
	"github.com/bonjohen/smartclaw/internal/store"
)

// DefaultVersion is the anthropic-version header value sent with every
// request unless overridden.
const DefaultVersion = "2023-06-01"

// modelNames maps internal model ids to Anthropic's published names.
// Unmapped ids pass through unchanged.
var modelNames = map[string]string{
	"anthropic/claude-sonnet-4": "claude-sonnet-4-20250514",
	"anthropic/claude-opus-4":   "claude-opus-4-20250514",
	"anthropic/claude-haiku-35": "claude-3-5-haiku-20241022",
}

// Adapter sends chat requests to ${endpoint}/messages.
type Adapter struct {
	client  *http.Client
	getenv  func(string) string
	version string
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

// WithVersion overrides the anthropic-version header value.
func WithVersion(v string) Option {
	return func(a *Adapter) { a.version = v }
}

// New creates an Anthropic adapter.
func New(opts ...Option) *Adapter {
	a := &Adapter{
		client:  &http.Client{},
		getenv:  os.Getenv,
		version: DefaultVersion,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// WireModelName returns the name sent to the API for an internal model id.
func WireModelName(id string) string {
	if name, ok := modelNames[id]; ok {
		return name
	}
	return id
}

// payload builds the Messages API body. System-role messages are pulled out
// and concatenated into the top-level system field; assistant messages keep
// their role and every other role is coerced to user.
func (a *Adapter) payload(m *store.ModelRecord, req *providers.ChatRequest) map[string]any {
	var systemParts []string
	var messages []map[string]any
	for _, msg := range req.Messages {
		if msg.Role == "system" {
			if s, ok := msg.ContentString(); ok {
				systemParts = append(systemParts, s)
			}
			continue
		}
		role := "user"
		if msg.Role == "assistant" {
			role = "assistant"
		}
		messages = append(messages, map[string]any{
			"role":    role,
			"content": msg.Content,
		})
	}

	maxTokens := m.MaxOutputTokens
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	p := map[string]any{
		"model":      WireModelName(m.ID),
		"messages":   messages,
		"max_tokens": maxTokens,
		"stream":     req.Stream,
	}
	if len(systemParts) > 0 {
		p["system"] = strings.Join(systemParts, "\n")
	}
	if req.Temperature != nil {
		p["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		p["top_p"] = *req.TopP
	}
	if req.Stop != nil {
		p["stop_sequences"] = stopSequences(req.Stop)
	}
	return p
}

// stopSequences normalizes the OpenAI stop field (string or array) to
// Anthropic's stop_sequences list.
func stopSequences(stop any) []string {
	switch v := stop.(type) {
	case string:
		return []string{v}
	case []string:
		return v
	case []any:
		var out []string
		for _, s := range v {
			if str, ok := s.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

// Send issues the request. A missing credential fails immediately without
// touching the network.
func (a *Adapter) Send(ctx context.Context, m *store.ModelRecord, req *providers.ChatRequest) (*providers.StreamResponse, error) {
	key := providers.Credential(m, a.getenv)
	if key == "" {
		return nil, fmt.Errorf("anthropic: no API key for %s (env %s unset)", m.ID, m.APIKeyEnv)
	}
	headers := map[string]string{
		"x-api-key":         key,
		"anthropic-version": a.version,
	}
	url := m.Endpoint + "/messages"

	if !req.Stream {
		body, err := providers.DoRequest(ctx, a.client, url, a.payload(m, req), headers)
		if err != nil {
			return nil, err
		}
		chunk, err := messageToChunk(body, m.ID)
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
	body, err := providers.DoStreamRequest(ctx, a.client, url, a.payload(m, req), headers)
	if err != nil {
		cancel()
		return nil, err
	}
	return &providers.StreamResponse{
		Stream: &eventStream{
			sse:     providers.NewSSEReader(body),
			body:    body,
			cancel:  cancel,
			modelID: m.ID,
		},
		ModelID: m.ID,
		Model:   m,
	}, nil
}

// anthropicEvent covers the union of stream event payloads the translation
// cares about.
type anthropicEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Message struct {
		ID string `json:"id"`
	} `json:"message"`
}

// eventStream translates Anthropic stream events into normalized chunks.
// Events that carry nothing for the client (ping, content_block_start,
// content_block_stop, message_stop) are skipped.
type eventStream struct {
	sse     *providers.SSEReader
	body    io.ReadCloser
	cancel  context.CancelFunc
	modelID string
	msgID   string

	closeOnce sync.Once
	closed    bool
	mu        sync.Mutex
}

func (s *eventStream) Recv() (*providers.Chunk, error) {
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
		var parsed anthropicEvent
		if err := json.Unmarshal([]byte(ev.Data), &parsed); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}

		switch parsed.Type {
		case "message_start":
			s.msgID = parsed.Message.ID
			return s.chunk(providers.ChunkChoice{
				Delta: providers.Delta{Role: "assistant"},
			}, nil), nil
		case "content_block_delta":
			if parsed.Delta.Text == "" {
				continue
			}
			return s.chunk(providers.ChunkChoice{
				Delta: providers.Delta{Content: parsed.Delta.Text},
			}, nil), nil
		case "message_delta":
			reason := mapStopReason(parsed.Delta.StopReason)
			var usage *providers.Usage
			if parsed.Usage != nil {
				usage = &providers.Usage{
					PromptTokens:     parsed.Usage.InputTokens,
					CompletionTokens: parsed.Usage.OutputTokens,
					TotalTokens:      parsed.Usage.InputTokens + parsed.Usage.OutputTokens,
				}
			}
			return s.chunk(providers.ChunkChoice{
				FinishReason: &reason,
			}, usage), nil
		case "error":
			return nil, fmt.Errorf("anthropic stream error: %s", ev.Data)
		default:
			// ping, content_block_start, content_block_stop, message_stop.
			continue
		}
	}
}

func (s *eventStream) chunk(choice providers.ChunkChoice, usage *providers.Usage) *providers.Chunk {
	return &providers.Chunk{
		ID:      s.msgID,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   s.modelID,
		Choices: []providers.ChunkChoice{choice},
		Usage:   usage,
	}
}

func (s *eventStream) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.cancel()
		_ = s.body.Close()
	})
	return nil
}

func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	default:
		return "stop"
	}
}

// messageToChunk synthesizes one normalized chunk from a non-streaming
// Messages API response, joining the text content blocks.
func messageToChunk(body []byte, modelID string) (*providers.Chunk, error) {
	var resp struct {
		ID      string `json:"id"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		StopReason string `json:"stop_reason"`
		Usage      *struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	reason := mapStopReason(resp.StopReason)
	chunk := &providers.Chunk{
		ID:      resp.ID,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   modelID,
		Choices: []providers.ChunkChoice{{
			Delta: providers.Delta{
				Role:    "assistant",
				Content: text.String(),
			},
			FinishReason: &reason,
		}},
	}
	if resp.Usage != nil {
		chunk.Usage = &providers.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		}
	}
	return chunk, nil
}
