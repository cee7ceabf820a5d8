package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

// fakeClassifierServer returns an OpenAI-shaped completion whose content is
// the given string.
func fakeClassifierServer(t *testing.T, content string, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" {
			t.Errorf("expected system+user messages, got %+v", req.Messages)
		}

		w.WriteHeader(status)
		if status == http.StatusOK {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"choices": []map[string]any{
					{"message": map[string]string{"role": "assistant", "content": content}},
				},
			})
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClassifyValidResponse(t *testing.T) {
	srv := fakeClassifierServer(t, `{"complexity":"complex","task_type":"coding","estimated_tokens":2000,"sensitive":false}`, http.StatusOK)
	c := NewClassifier(srv.URL, "tiny", 1000, nil)

	got := c.Classify(context.Background(), "Write a Python web server")
	if got.Complexity != "complex" || got.TaskType != "coding" {
		t.Errorf("unexpected classification: %+v", got)
	}
	if got.EstimatedTokens != 2000 {
		t.Errorf("expected 2000 tokens, got %d", got.EstimatedTokens)
	}
}

func TestClassifyFencedOutput(t *testing.T) {
	fenced := "```json\n{\"complexity\":\"simple\",\"task_type\":\"simple_qa\",\"estimated_tokens\":50,\"sensitive\":true}\n```"
	srv := fakeClassifierServer(t, fenced, http.StatusOK)
	c := NewClassifier(srv.URL, "tiny", 1000, nil)

	got := c.Classify(context.Background(), "what is 2+2")
	if got.Complexity != "simple" || got.TaskType != "simple_qa" {
		t.Errorf("fenced output not parsed: %+v", got)
	}
	if !got.Sensitive {
		t.Error("sensitive flag lost")
	}
}

func TestClassifyClampsUnknownFields(t *testing.T) {
	srv := fakeClassifierServer(t, `{"complexity":"galactic","task_type":"sorcery","estimated_tokens":-5,"sensitive":false}`, http.StatusOK)
	c := NewClassifier(srv.URL, "tiny", 1000, nil)

	got := c.Classify(context.Background(), "anything")
	def := DefaultClassification()
	if got.Complexity != def.Complexity || got.TaskType != def.TaskType || got.EstimatedTokens != def.EstimatedTokens {
		t.Errorf("unknown fields should clamp to defaults, got %+v", got)
	}
}

func TestClassifyDegradesToDefaults(t *testing.T) {
	cases := []struct {
		name    string
		content string
		status  int
	}{
		{"garbage", "I think this is probably a coding question!", http.StatusOK},
		{"empty", "", http.StatusOK},
		{"server error", "", http.StatusInternalServerError},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			srv := fakeClassifierServer(t, c.content, c.status)
			cl := NewClassifier(srv.URL, "tiny", 1000, nil)
			got := cl.Classify(context.Background(), "hello")
			if got != DefaultClassification() {
				t.Errorf("expected defaults, got %+v", got)
			}
		})
	}
}

func TestClassifyUnreachableEndpoint(t *testing.T) {
	c := NewClassifier("http://127.0.0.1:1", "tiny", 200, nil)
	got := c.Classify(context.Background(), "hello")
	if got != DefaultClassification() {
		t.Errorf("expected defaults on network error, got %+v", got)
	}
}

func TestClassifyTruncatesPreview(t *testing.T) {
	var sentLen int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		sentLen = len(req.Messages[1].Content)
		fmt.Fprint(w, `{"choices":[{"message":{"content":"{}"}}]}`)
	}))
	defer srv.Close()

	c := NewClassifier(srv.URL, "tiny", 1000, nil)
	long := make([]byte, 2000)
	for i := range long {
		long[i] = 'a'
	}
	c.Classify(context.Background(), string(long))

	prefix := len("Classify this request:\n\n")
	if sentLen != prefix+500 {
		t.Errorf("expected preview clipped to 500 chars, sent %d", sentLen-prefix)
	}
}
