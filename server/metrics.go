package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a dedicated Prometheus registry for the auth service.
type Metrics struct {
	registry      *prometheus.Registry
	authEvents    *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
	backendStatus *prometheus.CounterVec
}

// NewMetrics registers the service collectors plus the Go and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		authEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dashauth",
			Name:      "auth_events_total",
			Help:      "Security-relevant auth outcomes by event and outcome.",
		}, []string{"event", "outcome"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dashauth",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "status"}),
		backendStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dashauth",
			Name:      "backend_requests_total",
			Help:      "Requests forwarded to the backend API by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(
		m.authEvents,
		m.httpDuration,
		m.backendStatus,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
