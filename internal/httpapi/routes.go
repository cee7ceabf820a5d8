// Package httpapi exposes the OpenAI-compatible surface plus the admin and
// observability endpoints.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/bonjohen/smartclaw/internal/budget"
	"github.com/bonjohen/smartclaw/internal/dispatch"
	"github.com/bonjohen/smartclaw/internal/events"
	"github.com/bonjohen/smartclaw/internal/metrics"
	"github.com/bonjohen/smartclaw/internal/routing"
	"github.com/bonjohen/smartclaw/internal/stats"
	"github.com/bonjohen/smartclaw/internal/store"
)

type Dependencies struct {
	Router     *routing.Router
	Dispatcher *dispatch.Dispatcher
	Store      store.Store
	Ledger     *budget.Ledger
	EventBus   *events.Bus
	Stats      *stats.Collector
	Metrics    *metrics.Registry
	Logger     *slog.Logger

	// GatewayKey enables bearer auth on everything but /health when set.
	GatewayKey string
}

func MountRoutes(r chi.Router, d Dependencies) {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}

	// Liveness is deliberately outside the auth wrapper.
	r.Get("/health", HealthHandler(d))

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(d.GatewayKey))

		r.Route("/v1", func(r chi.Router) {
			r.Post("/chat/completions", ChatCompletionsHandler(d))
			r.Get("/models", ModelsListHandler(d))
		})

		r.Route("/admin/v1", func(r chi.Router) {
			r.Get("/stats", StatsHandler(d))
			r.Get("/logs", RequestLogsHandler(d))
			r.Get("/models", AdminModelsHandler(d))
			r.Get("/budget", BudgetHandler(d))
			if d.EventBus != nil {
				r.Get("/events", SSEHandler(d.EventBus))
			}
		})

		if d.Metrics != nil {
			r.Handle("/metrics", d.Metrics.Handler())
		}
	})
}

// jsonError writes a bare JSON error for the admin endpoints. The OpenAI
// surface uses writeOpenAIError instead.
func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
