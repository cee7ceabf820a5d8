package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bonjohen/smartclaw/internal/providers"
	"github.com/bonjohen/smartclaw/internal/store"
)

func testModel(endpoint string) *store.ModelRecord {
	return &store.ModelRecord{
		ID:        "anthropic/claude-sonnet-4",
		Provider:  "anthropic",
		Endpoint:  endpoint,
		Format:    store.FormatAnthropic,
		APIKeyEnv: "TEST_ANTHROPIC_KEY",
	}
}

func withKey(k string) func(string) string {
	return func(name string) string {
		if name == "TEST_ANTHROPIC_KEY" {
			return k
		}
		return ""
	}
}

func message(role, text string) providers.Message {
	raw, _ := json.Marshal(text)
	return providers.Message{Role: role, Content: raw}
}

func TestSendMissingCredentialFailsFast(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request must not reach the network without a credential")
	}))
	defer srv.Close()

	a := New(WithGetenv(withKey("")))
	_, err := a.Send(context.Background(), testModel(srv.URL), &providers.ChatRequest{})
	if err == nil {
		t.Fatal("expected an error for the missing key")
	}
	if !strings.Contains(err.Error(), "TEST_ANTHROPIC_KEY") {
		t.Errorf("error should name the env var, got %v", err)
	}
}

func TestPayloadTranslation(t *testing.T) {
	a := New()
	req := &providers.ChatRequest{
		Messages: []providers.Message{
			message("system", "be brief"),
			message("system", "be polite"),
			message("user", "hello"),
			message("assistant", "hi"),
			message("tool", "tool output"),
		},
		Stop: "END",
	}

	p := a.payload(testModel("http://example"), req)

	if p["model"] != "claude-sonnet-4-20250514" {
		t.Errorf("wire model name: %v", p["model"])
	}
	if p["system"] != "be brief\nbe polite" {
		t.Errorf("system messages should concatenate, got %v", p["system"])
	}
	if p["max_tokens"] != 4096 {
		t.Errorf("expected default max_tokens 4096, got %v", p["max_tokens"])
	}
	stops, ok := p["stop_sequences"].([]string)
	if !ok || len(stops) != 1 || stops[0] != "END" {
		t.Errorf("stop translation: %v", p["stop_sequences"])
	}

	msgs := p["messages"].([]map[string]any)
	if len(msgs) != 3 {
		t.Fatalf("system messages should not stay in the list, got %d", len(msgs))
	}
	roles := []string{msgs[0]["role"].(string), msgs[1]["role"].(string), msgs[2]["role"].(string)}
	if roles[0] != "user" || roles[1] != "assistant" || roles[2] != "user" {
		t.Errorf("unknown roles should coerce to user, got %v", roles)
	}
}

func TestWireModelNamePassthrough(t *testing.T) {
	if got := WireModelName("anthropic/claude-custom"); got != "anthropic/claude-custom" {
		t.Errorf("unmapped ids must pass through, got %q", got)
	}
}

func TestSendStreamTranslation(t *testing.T) {
	var gotVersion, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		gotVersion = r.Header.Get("anthropic-version")
		gotKey = r.Header.Get("x-api-key")

		w.Header().Set("Content-Type", "text/event-stream")
		events := []string{
			`{"type":"message_start","message":{"id":"msg_1"}}`,
			`{"type":"ping"}`,
			`{"type":"content_block_start"}`,
			`{"type":"content_block_delta","delta":{"type":"text_delta","text":"Hel"}}`,
			`{"type":"content_block_delta","delta":{"type":"text_delta","text":"lo"}}`,
			`{"type":"content_block_stop"}`,
			`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"input_tokens":10,"output_tokens":2}}`,
			`{"type":"message_stop"}`,
		}
		for _, e := range events {
			fmt.Fprintf(w, "event: x\ndata: %s\n\n", e)
		}
	}))
	defer srv.Close()

	a := New(WithGetenv(withKey("sk-ant")))
	resp, err := a.Send(context.Background(), testModel(srv.URL), &providers.ChatRequest{
		Messages: []providers.Message{message("user", "hi")},
		Stream:   true,
	})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	defer resp.Stream.Close()

	if gotVersion != DefaultVersion {
		t.Errorf("version header: %q", gotVersion)
	}
	if gotKey != "sk-ant" {
		t.Errorf("x-api-key header: %q", gotKey)
	}

	var chunks []*providers.Chunk
	for {
		c, err := resp.Stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		chunks = append(chunks, c)
	}

	// Role chunk, two content chunks, one finish chunk. Pings and block
	// boundary events vanish.
	if len(chunks) != 4 {
		t.Fatalf("expected 4 chunks, got %d", len(chunks))
	}
	if chunks[0].Choices[0].Delta.Role != "assistant" {
		t.Errorf("first chunk should carry the role, got %+v", chunks[0].Choices[0])
	}
	if chunks[0].ID != "msg_1" || chunks[0].Model != "anthropic/claude-sonnet-4" {
		t.Errorf("chunk identity: %+v", chunks[0])
	}
	if chunks[1].Choices[0].Delta.Content+chunks[2].Choices[0].Delta.Content != "Hello" {
		t.Errorf("content deltas: %q %q", chunks[1].Choices[0].Delta.Content, chunks[2].Choices[0].Delta.Content)
	}
	final := chunks[3]
	if final.Choices[0].FinishReason == nil || *final.Choices[0].FinishReason != "stop" {
		t.Errorf("finish reason: %+v", final.Choices[0].FinishReason)
	}
	if final.Usage == nil || final.Usage.PromptTokens != 10 || final.Usage.CompletionTokens != 2 || final.Usage.TotalTokens != 12 {
		t.Errorf("usage translation: %+v", final.Usage)
	}
}

func TestSendStreamErrorEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: error\ndata: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\"}}\n\n")
	}))
	defer srv.Close()

	a := New(WithGetenv(withKey("sk-ant")))
	resp, err := a.Send(context.Background(), testModel(srv.URL), &providers.ChatRequest{Stream: true})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	defer resp.Stream.Close()

	if _, err := resp.Stream.Recv(); err == nil || !strings.Contains(err.Error(), "overloaded_error") {
		t.Errorf("expected the stream error surfaced, got %v", err)
	}
}

func TestSendNonStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"msg_2","content":[{"type":"text","text":"part one "},{"type":"text","text":"part two"}],"stop_reason":"max_tokens","usage":{"input_tokens":5,"output_tokens":7}}`)
	}))
	defer srv.Close()

	a := New(WithGetenv(withKey("sk-ant")))
	resp, err := a.Send(context.Background(), testModel(srv.URL), &providers.ChatRequest{
		Messages: []providers.Message{message("user", "go on")},
	})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}

	c, err := resp.Stream.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if c.Choices[0].Delta.Content != "part one part two" {
		t.Errorf("text blocks should join, got %q", c.Choices[0].Delta.Content)
	}
	if *c.Choices[0].FinishReason != "length" {
		t.Errorf("max_tokens should map to length, got %q", *c.Choices[0].FinishReason)
	}
	if c.Usage.TotalTokens != 12 {
		t.Errorf("usage: %+v", c.Usage)
	}
	if _, err := resp.Stream.Recv(); err != io.EOF {
		t.Errorf("expected EOF, got %v", err)
	}
}

func TestMapStopReason(t *testing.T) {
	cases := map[string]string{
		"end_turn":      "stop",
		"stop_sequence": "stop",
		"max_tokens":    "length",
		"tool_use":      "stop",
		"":              "stop",
	}
	for in, want := range cases {
		if got := mapStopReason(in); got != want {
			t.Errorf("%q: expected %q, got %q", in, want, got)
		}
	}
}
