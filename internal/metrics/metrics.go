package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector tracks gateway metrics for Prometheus export. It owns a private
// registry so test instances never collide on default-registry registration.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	rateLimitRejects *prometheus.CounterVec
	backendErrors    *prometheus.CounterVec
	reloadsTotal     *prometheus.CounterVec
}

// NewCollector creates a collector with all gateway metrics registered.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	c := &Collector{
		registry: reg,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Requests handled, by API, operation and status code.",
		}, []string{"api", "operation", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "End-to-end request latency.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"api", "operation"}),
		rateLimitRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_ratelimit_rejects_total",
			Help: "Requests rejected by rate limiting.",
		}, []string{"api", "operation"}),
		backendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_backend_errors_total",
			Help: "Backend call failures, by backend and failure class.",
		}, []string{"backend", "kind"}),
		reloadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_config_reloads_total",
			Help: "Configuration reload attempts, by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		c.requestsTotal,
		c.requestDuration,
		c.rateLimitRejects,
		c.backendErrors,
		c.reloadsTotal,
	)
	return c
}

// RecordRequest records a completed request.
func (c *Collector) RecordRequest(api, operation string, statusCode int, duration time.Duration) {
	code := strconv.Itoa(statusCode)
	c.requestsTotal.WithLabelValues(api, operation, code).Inc()
	c.requestDuration.WithLabelValues(api, operation).Observe(duration.Seconds())
}

// RecordRateLimitReject records a request turned away by a rate limit.
func (c *Collector) RecordRateLimitReject(api, operation string) {
	c.rateLimitRejects.WithLabelValues(api, operation).Inc()
}

// RecordBackendError records a backend call failure.
func (c *Collector) RecordBackendError(backend, kind string) {
	c.backendErrors.WithLabelValues(backend, kind).Inc()
}

// RecordReload records a configuration reload attempt.
func (c *Collector) RecordReload(ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	c.reloadsTotal.WithLabelValues(result).Inc()
}

// Handler returns the scrape endpoint for this collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
