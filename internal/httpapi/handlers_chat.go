package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/bonjohen/smartclaw/internal/dispatch"
	"github.com/bonjohen/smartclaw/internal/events"
	"github.com/bonjohen/smartclaw/internal/providers"
	"github.com/bonjohen/smartclaw/internal/routing"
	"github.com/bonjohen/smartclaw/internal/stats"
	"github.com/bonjohen/smartclaw/internal/store"
)

// CompletionsRequest is the OpenAI-compatible request for
// /v1/chat/completions. The model field is accepted ("auto" is typical) but
// routing decides the target.
type CompletionsRequest struct {
	Model    string              `json:"model"`
	Messages []providers.Message `json:"messages"`
	Stream   *bool               `json:"stream,omitempty"`

	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	Stop        any      `json:"stop,omitempty"`
}

// completionsResponse is the OpenAI-compatible non-streaming response.
type completionsResponse struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []completionChoice `json:"choices"`
	Usage   *providers.Usage   `json:"usage,omitempty"`
}

type completionChoice struct {
	Index        int               `json:"index"`
	Message      completionMessage `json:"message"`
	FinishReason string            `json:"finish_reason"`
}

type completionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// openaiErrorBody is the standard OpenAI error envelope:
//
//	{"error": {"message": "...", "type": "...", "code": null}}
type openaiErrorBody struct {
	Error openaiErrorDetail `json:"error"`
}

type openaiErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}

func writeOpenAIError(w http.ResponseWriter, msg, errType string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(openaiErrorBody{
		Error: openaiErrorDetail{Message: msg, Type: errType, Code: nil},
	})
}

var validRoles = map[string]bool{"system": true, "user": true, "assistant": true}

// validate returns a client-facing message for the first syntactic problem,
// or "" when the request is acceptable.
func validate(req *CompletionsRequest) string {
	if len(req.Messages) == 0 {
		return "messages is required and must be a non-empty array"
	}
	for i, m := range req.Messages {
		if !validRoles[m.Role] {
			return fmt.Sprintf("messages[%d]: invalid role %q", i, m.Role)
		}
		if !validContent(m.Content) {
			return fmt.Sprintf("messages[%d]: content must be a string, null, or content parts", i)
		}
	}
	if req.MaxTokens != nil && *req.MaxTokens < 1 {
		return "max_tokens must be >= 1"
	}
	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 2) {
		return "temperature must be between 0 and 2"
	}
	if req.TopP != nil && (*req.TopP < 0 || *req.TopP > 1) {
		return "top_p must be between 0 and 1"
	}
	return ""
}

// validContent accepts string, null, or structured content (arrays/objects
// carrying media parts). Bare numbers and booleans are rejected.
func validContent(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return true
	}
	switch trimmed[0] {
	case '"', '[', '{':
		return true
	}
	return false
}

// requestOutcome is everything the post-stream bookkeeping needs. Logging,
// ledger, stats, metrics, and events all happen exactly once per request,
// after delivery finishes or fails.
type requestOutcome struct {
	decision  *routing.Decision
	model     *store.ModelRecord
	meta      routing.RequestMeta
	status    int
	usage     providers.Usage
	success   bool
	errMsg    string
	latencyMs int64
}

func (d Dependencies) finalize(r *http.Request, o requestOutcome) {
	// Bookkeeping must survive client disconnects.
	ctx := context.WithoutCancel(r.Context())

	cost, err := d.Ledger.RecordRequestCost(ctx, o.model, int64(o.usage.PromptTokens), int64(o.usage.CompletionTokens))
	if err != nil {
		d.Logger.Error("budget ledger write failed", slog.String("error", err.Error()))
	}

	entry := store.RequestLogEntry{
		Timestamp:     time.Now(),
		Source:        o.meta.Source,
		Channel:       o.meta.Channel,
		Tier:          o.decision.Tier,
		RuleID:        o.decision.RuleID,
		SelectedModel: o.model.ID,
		InputTokens:   int64(o.usage.PromptTokens),
		OutputTokens:  int64(o.usage.CompletionTokens),
		CostUSD:       cost,
		LatencyMs:     o.latencyMs,
		Success:       o.success,
		Error:         o.errMsg,
		Preview:       o.meta.Preview(),
	}
	if o.decision.Classification != nil {
		if b, err := json.Marshal(o.decision.Classification); err == nil {
			entry.Classification = string(b)
		}
	}
	if err := d.Store.InsertRequestLog(ctx, entry); err != nil {
		d.Logger.Error("request log write failed", slog.String("error", err.Error()))
	}

	if d.Stats != nil {
		d.Stats.Record(stats.Snapshot{
			ModelID:      o.model.ID,
			Provider:     o.model.Provider,
			Tier:         o.decision.Tier,
			LatencyMs:    float64(o.latencyMs),
			CostUSD:      cost,
			Success:      o.success,
			InputTokens:  o.usage.PromptTokens,
			OutputTokens: o.usage.CompletionTokens,
		})
	}
	if d.Metrics != nil {
		d.Metrics.ObserveRequest(o.model.ID, o.model.Provider, o.status, o.decision.Tier, float64(o.latencyMs), cost)
	}
	if d.EventBus != nil {
		evType := events.EventRouteSuccess
		if !o.success {
			evType = events.EventRouteError
		}
		d.EventBus.Publish(events.Event{
			Type:      evType,
			ModelID:   o.model.ID,
			Provider:  o.model.Provider,
			Tier:      o.decision.Tier,
			LatencyMs: float64(o.latencyMs),
			CostUSD:   cost,
			ErrorMsg:  o.errMsg,
		})
	}
}

// ChatCompletionsHandler serves the OpenAI-compatible completion endpoint:
// validate, route, dispatch, then relay the stream (or accumulate it) back
// to the client.
func ChatCompletionsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		var req CompletionsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeOpenAIError(w, "invalid JSON: "+err.Error(), "invalid_request_error", http.StatusBadRequest)
			return
		}
		if msg := validate(&req); msg != "" {
			writeOpenAIError(w, msg, "invalid_request_error", http.StatusBadRequest)
			return
		}
		streaming := req.Stream == nil || *req.Stream

		meta := routing.ExtractMeta(req.Messages, TrustedSource(r), TrustedChannel(r))

		decision, err := d.Router.Route(r.Context(), meta)
		if err != nil {
			if errors.Is(err, routing.ErrNoModel) {
				writeOpenAIError(w, "no model available for this request", "server_error", http.StatusServiceUnavailable)
				return
			}
			d.Logger.Error("routing failed", slog.String("error", err.Error()))
			writeOpenAIError(w, "routing failed", "server_error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("X-Router-Model", decision.Candidates[0].Model.ID)
		w.Header().Set("X-Router-Tier", strconv.Itoa(decision.Tier))
		if decision.Classification != nil {
			if b, err := json.Marshal(decision.Classification); err == nil {
				w.Header().Set("X-Router-Classification", string(b))
			}
		}

		chatReq := &providers.ChatRequest{
			Messages:    req.Messages,
			Stream:      streaming,
			MaxTokens:   req.MaxTokens,
			Temperature: req.Temperature,
			TopP:        req.TopP,
			Stop:        req.Stop,
		}
		resp, err := d.Dispatcher.Dispatch(r.Context(), decision.Candidates, chatReq)
		if err != nil {
			if !errors.Is(err, dispatch.ErrExhausted) {
				d.Logger.Error("dispatch failed", slog.String("error", err.Error()))
			}
			writeOpenAIError(w, "no model available for this request", "server_error", http.StatusServiceUnavailable)
			return
		}

		if streaming {
			d.streamToClient(w, r, resp, decision, meta, start)
			return
		}
		d.collectToClient(w, r, resp, decision, meta, start)
	}
}

// streamToClient relays normalized chunks as SSE. The upstream fetch was
// started under the request context, so a client disconnect cancels it; the
// explicit Abort covers early returns.
func (d Dependencies) streamToClient(w http.ResponseWriter, r *http.Request, resp *providers.StreamResponse, decision *routing.Decision, meta routing.RequestMeta, start time.Time) {
	defer resp.Abort()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	var usage providers.Usage
	success := true
	errMsg := ""

	for {
		chunk, err := resp.Stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			if r.Context().Err() != nil {
				success = false
				errMsg = "client disconnected"
				break
			}
			success = false
			errMsg = err.Error()
			body, _ := json.Marshal(map[string]any{"error": map[string]string{"message": errMsg, "type": "server_error"}})
			_, _ = fmt.Fprintf(w, "data: %s\n\n", body)
			if flusher != nil {
				flusher.Flush()
			}
			break
		}
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		body, err := json.Marshal(chunk)
		if err != nil {
			continue
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", body); err != nil {
			resp.Abort()
			success = false
			errMsg = "client disconnected"
			break
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	if success {
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
		if flusher != nil {
			flusher.Flush()
		}
	}

	d.finalize(r, requestOutcome{
		decision:  decision,
		model:     resp.Model,
		meta:      meta,
		status:    http.StatusOK,
		usage:     usage,
		success:   success,
		errMsg:    errMsg,
		latencyMs: time.Since(start).Milliseconds(),
	})
}

// collectToClient accumulates the stream into a single completion object.
// Zero chunks from the backend is a 502.
func (d Dependencies) collectToClient(w http.ResponseWriter, r *http.Request, resp *providers.StreamResponse, decision *routing.Decision, meta routing.RequestMeta, start time.Time) {
	defer resp.Abort()

	var content strings.Builder
	var usage providers.Usage
	finishReason := "stop"
	chunks := 0
	errMsg := ""

	for {
		chunk, err := resp.Stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			d.Logger.Warn("backend stream error", slog.String("model", resp.ModelID), slog.String("error", err.Error()))
			errMsg = err.Error()
			break
		}
		chunks++
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		if len(chunk.Choices) > 0 {
			content.WriteString(chunk.Choices[0].Delta.Content)
			if fr := chunk.Choices[0].FinishReason; fr != nil {
				finishReason = *fr
			}
		}
	}

	latencyMs := time.Since(start).Milliseconds()
	if chunks == 0 {
		if errMsg == "" {
			errMsg = "empty backend response"
		}
		writeOpenAIError(w, "backend returned an empty response", "server_error", http.StatusBadGateway)
		d.finalize(r, requestOutcome{
			decision:  decision,
			model:     resp.Model,
			meta:      meta,
			status:    http.StatusBadGateway,
			success:   false,
			errMsg:    errMsg,
			latencyMs: latencyMs,
		})
		return
	}
	// A stream that died mid-way still yields the partial content, but the
	// log row records the truncation like the streaming path does.
	if errMsg != "" {
		finishReason = "length"
	}

	reqID := middleware.GetReqID(r.Context())
	if reqID == "" {
		reqID = uuid.NewString()
	}
	out := completionsResponse{
		ID:      "chatcmpl-" + reqID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model.ID,
		Choices: []completionChoice{{
			Message:      completionMessage{Role: "assistant", Content: content.String()},
			FinishReason: finishReason,
		}},
	}
	if usage != (providers.Usage{}) {
		out.Usage = &usage
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)

	d.finalize(r, requestOutcome{
		decision:  decision,
		model:     resp.Model,
		meta:      meta,
		status:    http.StatusOK,
		usage:     usage,
		success:   errMsg == "",
		errMsg:    errMsg,
		latencyMs: latencyMs,
	})
}
