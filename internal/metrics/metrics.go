// Package metrics owns the prometheus registry shared by the HTTP layer,
// upstream clients and caches. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the collectors exported on /metrics.
type Metrics struct {
	registry     *prometheus.Registry
	requests     *prometheus.CounterVec
	durations    *prometheus.HistogramVec
	upstream     *prometheus.CounterVec
	cacheLookups *prometheus.CounterVec
	tokens       prometheus.Gauge
}

// New registers all collectors under namespace.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "defiagg"
	}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests served.",
		}, []string{"route", "method", "status"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
		upstream: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_requests_total",
			Help:      "Outbound HTTP attempts by upstream and outcome.",
		}, []string{"upstream", "outcome"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by cache name and result.",
		}, []string{"cache", "result"}),
		tokens: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "token_directory_tokens",
			Help:      "Tokens currently indexed by the token directory.",
		}),
	}
	m.registry.MustRegister(m.requests, m.durations, m.upstream, m.cacheLookups, m.tokens)
	return m
}

// Handler exposes the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveRequest records one served HTTP request.
func (m *Metrics) ObserveRequest(route, method, status string, seconds float64) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, method, status).Inc()
	m.durations.WithLabelValues(route, method).Observe(seconds)
}

// ObserveUpstream records one outbound attempt.
func (m *Metrics) ObserveUpstream(upstream, outcome string) {
	if m == nil {
		return
	}
	m.upstream.WithLabelValues(upstream, outcome).Inc()
}

// CacheLookup records a cache hit or miss.
func (m *Metrics) CacheLookup(cache string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(cache, result).Inc()
}

// SetTokenCount records the size of the token directory.
func (m *Metrics) SetTokenCount(n int) {
	if m == nil {
		return
	}
	m.tokens.Set(float64(n))
}
