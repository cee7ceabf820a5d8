// Package providers defines the backend adapter contract: a normalized chat
// request in, a pull-driven stream of OpenAI-shaped chunks out.
package providers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bonjohen/smartclaw/internal/store"
)

// Adapter translates a normalized request into one backend's wire format and
// yields a normalized chunk stream. Adapters are stateless; per-model data
// (endpoint, credential env var, prices) rides on the ModelRecord.
type Adapter interface {
	Send(ctx context.Context, m *store.ModelRecord, req *ChatRequest) (*StreamResponse, error)
}

// Message is one chat message. Content is kept raw: string and null are the
// common cases, arrays/objects carry media parts and pass through untouched.
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// ContentString returns the content as a plain string. The second return is
// false for null or structured content.
func (m Message) ContentString() (string, bool) {
	var s string
	if err := json.Unmarshal(m.Content, &s); err != nil {
		return "", false
	}
	return s, true
}

// ChatRequest is the provider-agnostic request envelope handed to adapters.
// Only the whitelisted tuning fields are ever forwarded.
type ChatRequest struct {
	Messages    []Message
	Stream      bool
	MaxTokens   *int
	Temperature *float64
	TopP        *float64
	Stop        any
}

// StreamResponse couples a chunk stream with the model that is actually
// serving it. After retries the serving model may differ from the request's
// first candidate; cost attribution always uses Model.
type StreamResponse struct {
	Stream  Stream
	ModelID string
	Model   *store.ModelRecord
}

// Abort cancels the upstream fetch and releases the connection.
func (r *StreamResponse) Abort() {
	if r.Stream != nil {
		_ = r.Stream.Close()
	}
}

// Stream is a one-shot, pull-driven sequence of normalized chunks.
// Recv returns io.EOF after the final chunk. Close aborts the upstream
// request; it is safe to call concurrently with Recv and more than once.
type Stream interface {
	Recv() (*Chunk, error)
	Close() error
}

// Chunk mirrors the OpenAI streaming chunk shape. Adapters for non-OpenAI
// backends translate into this shape; the completion handler forwards it
// verbatim.
type Chunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object,omitempty"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
	Usage   *Usage        `json:"usage,omitempty"`
}

// ChunkChoice is one choice delta within a chunk.
type ChunkChoice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason,omitempty"`
}

// Delta carries the incremental message content.
type Delta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// Usage mirrors the OpenAI usage object.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StatusError captures a non-2xx backend response. The dispatcher's failure
// classification inspects StatusCode.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend error (status %d): %s", e.StatusCode, e.Body)
}

// BackendModelName maps an internal "{provider}/{name}" id to the name sent
// on the wire: the last path segment when a provider prefix is present.
func BackendModelName(id string) string {
	for i := len(id) - 1; i >= 0; i-- {
		if id[i] == '/' {
			return id[i+1:]
		}
	}
	return id
}

// Credential resolves a model's API key from its named environment variable.
// Returns "" when no variable is named or it is unset.
func Credential(m *store.ModelRecord, getenv func(string) string) string {
	if m.APIKeyEnv == "" {
		return ""
	}
	return getenv(m.APIKeyEnv)
}
