package routing

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// classifierSystemPrompt instructs the local model to emit bare JSON. The
// whitelists below clamp anything it gets wrong.
const classifierSystemPrompt = `You are a request classifier. Analyze the user request and respond with ONLY a JSON object, no other text:
{"complexity": "simple|medium|complex|reasoning", "task_type": "coding|math|reasoning|tool_use|summarization|extraction|simple_qa|conversation|classification|analysis|writing|agentic", "estimated_tokens": <integer>, "sensitive": <boolean>}`

var validComplexities = map[string]bool{
	"simple": true, "medium": true, "complex": true, "reasoning": true,
}

var validTaskTypes = map[string]bool{
	"coding": true, "math": true, "reasoning": true, "tool_use": true,
	"summarization": true, "extraction": true, "simple_qa": true,
	"conversation": true, "classification": true, "analysis": true,
	"writing": true, "agentic": true,
}

// DefaultClassification is used whenever the classifier cannot produce a
// usable result.
func DefaultClassification() Classification {
	return Classification{
		Complexity:      "medium",
		TaskType:        "conversation",
		EstimatedTokens: 1000,
		Sensitive:       false,
	}
}

// Classifier is the Tier-2 stage: a small local model asked to label the
// request. It never fails the request; every error path degrades to the
// default classification.
type Classifier struct {
	endpoint string
	model    string
	client   *http.Client
	logger   *slog.Logger
}

// NewClassifier creates a classifier against an OpenAI-shaped local endpoint
// (the path /v1/chat/completions is appended). A timeoutMs of 0 uses the
// 5000ms default.
func NewClassifier(endpoint, model string, timeoutMs int, logger *slog.Logger) *Classifier {
	if timeoutMs <= 0 {
		timeoutMs = 5000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{
		endpoint: strings.TrimRight(endpoint, "/"),
		model:    model,
		client:   &http.Client{Timeout: time.Duration(timeoutMs) * time.Millisecond},
		logger:   logger,
	}
}

// Classify labels the preview. The returned classification is always valid;
// network errors, bad status codes, and unparseable output all produce the
// defaults.
func (c *Classifier) Classify(ctx context.Context, preview string) Classification {
	if len(preview) > previewLimit {
		preview = preview[:previewLimit]
	}

	payload := map[string]any{
		"model": c.model,
		"messages": []map[string]string{
			{"role": "system", "content": classifierSystemPrompt},
			{"role": "user", "content": "Classify this request:\n\n" + preview},
		},
		"stream":      false,
		"temperature": 0,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return DefaultClassification()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return DefaultClassification()
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("classifier unreachable, using defaults", slog.String("error", err.Error()))
		return DefaultClassification()
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Debug("classifier returned error status", slog.Int("status", resp.StatusCode))
		return DefaultClassification()
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return DefaultClassification()
	}

	var completion struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(data, &completion); err != nil || len(completion.Choices) == 0 {
		return DefaultClassification()
	}
	content := strings.TrimSpace(completion.Choices[0].Message.Content)
	if content == "" {
		return DefaultClassification()
	}
	return parseClassification(content)
}

// parseClassification strips optional code fencing, parses the JSON, and
// clamps each field to its whitelist.
func parseClassification(content string) Classification {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		if i := strings.LastIndex(content, "```"); i >= 0 {
			content = content[:i]
		}
		content = strings.TrimSpace(content)
	}

	var raw struct {
		Complexity      string `json:"complexity"`
		TaskType        string `json:"task_type"`
		EstimatedTokens int    `json:"estimated_tokens"`
		Sensitive       bool   `json:"sensitive"`
	}
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return DefaultClassification()
	}

	out := DefaultClassification()
	if validComplexities[raw.Complexity] {
		out.Complexity = raw.Complexity
	}
	if validTaskTypes[raw.TaskType] {
		out.TaskType = raw.TaskType
	}
	if raw.EstimatedTokens > 0 {
		out.EstimatedTokens = raw.EstimatedTokens
	}
	out.Sensitive = raw.Sensitive
	return out
}
