package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/bonjohen/smartclaw/internal/events"
)

// StatsHandler serves rolling request aggregates: global, per model, per
// provider, and the tier breakdown. Request previews never appear here.
func StatsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Stats == nil {
			jsonError(w, "stats collector not configured", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"global":      d.Stats.Global(),
			"by_model":    d.Stats.Summary(),
			"by_provider": d.Stats.SummaryByProvider(),
			"tiers":       d.Stats.Tiers(),
		})
	}
}

// RequestLogsHandler pages through the request log, newest first. The stored
// preview column is excluded from serialization.
func RequestLogsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := queryInt(r, "limit", 100)
		if limit < 1 || limit > 1000 {
			limit = 100
		}
		offset := queryInt(r, "offset", 0)
		if offset < 0 {
			offset = 0
		}

		logs, err := d.Store.ListRequestLogs(r.Context(), limit, offset)
		if err != nil {
			jsonError(w, "failed to read request log", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"logs":   logs,
			"limit":  limit,
			"offset": offset,
		})
	}
}

// AdminModelsHandler lists the full fleet with health and pricing detail.
func AdminModelsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		models, err := d.Store.ListModels(r.Context())
		if err != nil {
			jsonError(w, "failed to list models", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"models": models})
	}
}

// BudgetHandler reports spend against the configured limits.
func BudgetHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		policy, err := d.Store.LoadPolicy(r.Context())
		if err != nil {
			jsonError(w, "failed to load policy", http.StatusInternalServerError)
			return
		}
		st, err := d.Ledger.GetStatus(r.Context(), policy)
		if err != nil {
			jsonError(w, "failed to read budget", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(st)
	}
}

// SSEHandler streams routing and health events to the client.
func SSEHandler(bus *events.Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			jsonError(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		sub := bus.Subscribe(64)
		defer bus.Unsubscribe(sub)

		_, _ = fmt.Fprintf(w, "event: connected\ndata: {\"status\":\"ok\"}\n\n")
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case e := <-sub.C:
				_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, e.JSON())
				flusher.Flush()
			}
		}
	}
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
