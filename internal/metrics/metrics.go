// Package metrics exposes the counters and histograms backing the /stats
// endpoint: per-account and per-model request volume, retries, cache
// outcomes, and upstream latency.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds every metric ccproxy exports. It wraps a private
// prometheus.Registry rather than using the global default, so tests can
// construct independent instances without colliding on metric names.
type Registry struct {
	reg *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RetriesTotal    *prometheus.CounterVec
	CacheTotal      *prometheus.CounterVec
	UpstreamLatency *prometheus.HistogramVec
	AccountFailures *prometheus.CounterVec
	ActiveAccounts  prometheus.Gauge
}

// New builds a Registry with all metrics registered.
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,

		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ccproxy_requests_total",
			Help: "Requests handled by model and outcome.",
		}, []string{"model", "status"}),

		RetriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ccproxy_upstream_retries_total",
			Help: "Upstream dispatch retries by account and outcome.",
		}, []string{"account", "outcome"}),

		CacheTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ccproxy_cache_total",
			Help: "Cache probes by status (hit, miss, bypass).",
		}, []string{"status"}),

		UpstreamLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ccproxy_upstream_latency_seconds",
			Help:    "Upstream dispatch latency by account and model.",
			Buckets: prometheus.DefBuckets,
		}, []string{"account", "model"}),

		AccountFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ccproxy_account_failures_total",
			Help: "Failed dispatch attempts by account.",
		}, []string{"account"}),

		ActiveAccounts: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ccproxy_active_accounts",
			Help: "Accounts currently available for scheduling.",
		}),
	}
}

// Gatherer exposes the underlying prometheus.Gatherer for the /stats
// handler to render.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// ObserveRequest records a completed request's terminal status.
func (r *Registry) ObserveRequest(model, status string) {
	r.RequestsTotal.WithLabelValues(model, status).Inc()
}

// ObserveRetry records one retry attempt against a given account.
func (r *Registry) ObserveRetry(accountID, outcome string) {
	r.RetriesTotal.WithLabelValues(accountID, outcome).Inc()
}

// ObserveCache records a cache probe outcome.
func (r *Registry) ObserveCache(status string) {
	r.CacheTotal.WithLabelValues(status).Inc()
}

// ObserveUpstreamLatency records how long a single dispatch attempt took.
func (r *Registry) ObserveUpstreamLatency(accountID, model string, d time.Duration) {
	r.UpstreamLatency.WithLabelValues(accountID, model).Observe(d.Seconds())
}

// ObserveAccountFailure records a dispatch failure attributed to an account.
func (r *Registry) ObserveAccountFailure(accountID string) {
	r.AccountFailures.WithLabelValues(accountID).Inc()
}

// SetActiveAccounts sets the current count of schedulable accounts.
func (r *Registry) SetActiveAccounts(n int) {
	r.ActiveAccounts.Set(float64(n))
}
