// Package routing implements the three-tier routing pipeline: deterministic
// rule matching, classifier-driven selection against the model registry, and
// the policy fallback of last resort.
package routing

import (
	"errors"

	"github.com/bonjohen/smartclaw/internal/providers"
	"github.com/bonjohen/smartclaw/internal/store"
)

// ErrNoModel is returned when no tier can produce a candidate, and by rules
// whose action rejects the request outright.
var ErrNoModel = errors.New("routing: no available model")

// previewLimit bounds how much request text the rule regexes and the
// classifier ever see.
const previewLimit = 500

// RequestMeta is the routing view of an incoming request. RawTokens is the
// unfloored chars/4 estimate used by rule token_max predicates (so short
// probes stay short); EstimatedTokens applies the 100-token floor used for
// context-window checks.
type RequestMeta struct {
	TextPreview     string
	RawTokens       int
	EstimatedTokens int
	HasMedia        bool
	Source          string
	Channel         string
}

// Classification is the Tier-2 output. Fields are always populated; parse
// failures clamp to the defaults rather than erroring.
type Classification struct {
	Complexity      string `json:"complexity"`
	TaskType        string `json:"task_type"`
	EstimatedTokens int    `json:"estimated_tokens"`
	Sensitive       bool   `json:"sensitive"`
}

// Criteria is the selector input derived from a classification.
type Criteria struct {
	QualityFloor    int
	Capability      string
	Sensitive       bool
	EstimatedTokens int
}

// Candidate is one ranked model.
type Candidate struct {
	Model *store.ModelRecord
	Rank  int
}

// Decision is the routing outcome handed to the dispatcher.
type Decision struct {
	Tier           int
	RuleID         *int64
	Classification *Classification
	Candidates     []Candidate
}

// ExtractMeta derives routing metadata from the request. The preview is the
// last user message's string content; estimated tokens use the chars/4
// heuristic with a floor of 100.
func ExtractMeta(messages []providers.Message, source, channel string) RequestMeta {
	meta := RequestMeta{Source: source, Channel: channel}

	totalChars := 0
	for _, m := range messages {
		if s, ok := m.ContentString(); ok {
			totalChars += len(s)
			if m.Role == "user" {
				meta.TextPreview = s
			}
		} else if len(m.Content) > 0 && string(m.Content) != "null" {
			meta.HasMedia = true
			totalChars += len(m.Content)
		}
	}

	meta.RawTokens = (totalChars + 3) / 4
	meta.EstimatedTokens = meta.RawTokens
	if meta.EstimatedTokens < 100 {
		meta.EstimatedTokens = 100
	}
	return meta
}

// Preview returns the text preview clipped to the shared bound.
func (m RequestMeta) Preview() string {
	if len(m.TextPreview) > previewLimit {
		return m.TextPreview[:previewLimit]
	}
	return m.TextPreview
}
