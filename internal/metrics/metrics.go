// Package metrics exposes the relay's Prometheus instrumentation. A Registry
// is created per Core so tests can run in isolation; the HTTP server mounts
// Handler() at /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg *prometheus.Registry

	DispatchesTotal  *prometheus.CounterVec
	DispatchLatency  *prometheus.HistogramVec
	CostUSD          *prometheus.CounterVec
	TokensTotal      *prometheus.CounterVec
	CacheLookups     *prometheus.CounterVec
	FailoversTotal   *prometheus.CounterVec
	CircuitState     *prometheus.GaugeVec
	InFlight         *prometheus.GaugeVec
	BudgetUsageRatio *prometheus.GaugeVec
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		DispatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_dispatches_total",
			Help: "Completed dispatch attempts by provider, model and outcome",
		}, []string{"provider", "model", "outcome"}),
		DispatchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_dispatch_latency_ms",
			Help:    "Dispatch latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		}, []string{"provider", "model"}),
		CostUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_cost_usd_total",
			Help: "Accumulated USD cost by provider and model",
		}, []string{"provider", "model"}),
		TokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_tokens_total",
			Help: "Tokens consumed by provider, model and direction",
		}, []string{"provider", "model", "direction"}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_cache_lookups_total",
			Help: "Cache lookups by result tier (memory, durable, distributed, semantic, miss)",
		}, []string{"tier"}),
		FailoversTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_failovers_total",
			Help: "Failover attempts by source and destination provider",
		}, []string{"from", "to"}),
		CircuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_circuit_state",
			Help: "Circuit breaker state per provider (0=closed, 1=half-open, 2=open)",
		}, []string{"provider"}),
		InFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_in_flight_requests",
			Help: "Requests currently executing per provider",
		}, []string{"provider"}),
		BudgetUsageRatio: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_budget_usage_ratio",
			Help: "Spend divided by limit per budget scope",
		}, []string{"scope"}),
	}
	reg.MustRegister(
		m.DispatchesTotal,
		m.DispatchLatency,
		m.CostUSD,
		m.TokensTotal,
		m.CacheLookups,
		m.FailoversTotal,
		m.CircuitState,
		m.InFlight,
		m.BudgetUsageRatio,
	)
	return m
}

func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
