package httpapi

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"
)

// locationOrder fixes the display order for the public model listing.
var locationOrder = map[string]int{"colocated": 0, "lan": 1, "cloud": 2}

// ModelsListHandler serves the OpenAI-shaped GET /v1/models: enabled models
// only, ordered by location then quality descending.
func ModelsListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		models, err := d.Store.ListEnabledModels(r.Context())
		if err != nil {
			writeOpenAIError(w, "model listing unavailable", "server_error", http.StatusInternalServerError)
			return
		}
		sort.SliceStable(models, func(i, j int) bool {
			li, lj := locationOrder[models[i].Location], locationOrder[models[j].Location]
			if li != lj {
				return li < lj
			}
			return models[i].QualityScore > models[j].QualityScore
		})

		type modelObj struct {
			ID      string `json:"id"`
			Object  string `json:"object"`
			Created int64  `json:"created"`
			OwnedBy string `json:"owned_by"`
		}
		data := make([]modelObj, 0, len(models))
		created := time.Now().Unix()
		for _, m := range models {
			data = append(data, modelObj{
				ID:      m.ID,
				Object:  "model",
				Created: created,
				OwnedBy: m.Provider,
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"data":   data,
		})
	}
}

// HealthHandler reports gateway liveness: store reachability, fleet health
// counts, and budget posture. 200 needs a reachable store and at least one
// healthy enabled model.
func HealthHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		dbOK := d.Store.Ping(r.Context()) == nil
		total, healthy := 0, 0
		if dbOK {
			var err error
			total, healthy, err = d.Store.ModelHealthCounts(r.Context())
			if err != nil {
				dbOK = false
			}
		}

		body := map[string]any{
			"status":   "ok",
			"database": "ok",
			"models": map[string]int{
				"total":     total,
				"healthy":   healthy,
				"unhealthy": total - healthy,
			},
		}
		if !dbOK {
			body["database"] = "unreachable"
		}

		if dbOK {
			if policy, err := d.Store.LoadPolicy(r.Context()); err == nil {
				if st, err := d.Ledger.GetStatus(r.Context(), policy); err == nil {
					body["budget"] = map[string]float64{
						"daily_spend":   st.DailySpend,
						"daily_limit":   st.DailyLimit,
						"monthly_spend": st.MonthlySpend,
						"monthly_limit": st.MonthlyLimit,
					}
				}
			}
		}

		if d.Metrics != nil {
			d.Metrics.HealthyModels.Set(float64(healthy))
		}

		if !dbOK || healthy == 0 {
			body["status"] = "unhealthy"
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(body)
	}
}
