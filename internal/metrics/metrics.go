// Package metrics exposes Prometheus counters for routed requests, routing
// tier usage, and accumulated spend.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg *prometheus.Registry

	RequestsTotal  *prometheus.CounterVec
	RequestLatency *prometheus.HistogramVec
	CostUSD        *prometheus.CounterVec
	TierDecisions  *prometheus.CounterVec
	RateLimited    prometheus.Counter
	HealthyModels  prometheus.Gauge
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smartclaw_requests_total",
			Help: "Total requests routed through the gateway",
		}, []string{"model", "provider", "status"}),
		RequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "smartclaw_request_latency_ms",
			Help:    "Request latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		}, []string{"model", "provider"}),
		CostUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smartclaw_cost_usd_total",
			Help: "Estimated USD cost",
		}, []string{"model", "provider"}),
		TierDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smartclaw_routing_tier_total",
			Help: "Routing decisions by tier",
		}, []string{"tier"}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smartclaw_rate_limited_total",
			Help: "Requests rejected by the per-client rate limiter",
		}),
		HealthyModels: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "smartclaw_healthy_models",
			Help: "Enabled models currently marked healthy",
		}),
	}
	reg.MustRegister(m.RequestsTotal, m.RequestLatency, m.CostUSD, m.TierDecisions, m.RateLimited, m.HealthyModels)
	return m
}

// ObserveRequest records one completed request across the request vectors.
func (m *Registry) ObserveRequest(modelID, provider string, status int, tier int, latencyMs, costUSD float64) {
	m.RequestsTotal.WithLabelValues(modelID, provider, strconv.Itoa(status)).Inc()
	m.RequestLatency.WithLabelValues(modelID, provider).Observe(latencyMs)
	if costUSD > 0 {
		m.CostUSD.WithLabelValues(modelID, provider).Add(costUSD)
	}
	if tier > 0 {
		m.TierDecisions.WithLabelValues(strconv.Itoa(tier)).Inc()
	}
}

func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
