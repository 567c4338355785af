package gateway

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status_code"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bridge_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	consentDenialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_consent_denials_total",
			Help: "Total number of requests denied by the consent gate",
		},
		[]string{"reason"},
	)

	pushVerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_push_verifications_total",
			Help: "Total number of provider push envelopes processed",
		},
		[]string{"outcome"},
	)

	proxyUpstreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bridge_proxy_upstream_duration_seconds",
			Help:    "Duration of proxied DICOMweb upstream calls in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
		},
		[]string{"status_code"},
	)
)

// MetricsCollector handles Prometheus metrics collection
type MetricsCollector struct{}

var registerMetrics sync.Once

// NewMetricsCollector registers the gateway metrics. Registration runs
// once per process so multiple gateway instances can share the default
// registry.
func NewMetricsCollector() *MetricsCollector {
	registerMetrics.Do(func() {
		prometheus.MustRegister(
			httpRequestsTotal,
			httpRequestDuration,
			consentDenialsTotal,
			pushVerificationsTotal,
			proxyUpstreamDuration,
		)
	})
	return &MetricsCollector{}
}

// RecordHTTPRequest records HTTP request metrics
func (m *MetricsCollector) RecordHTTPRequest(method, route string, statusCode int, duration time.Duration) {
	code := strconv.Itoa(statusCode)
	httpRequestsTotal.WithLabelValues(method, route, code).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordConsentDenial records a consent gate rejection
func (m *MetricsCollector) RecordConsentDenial(reason string) {
	consentDenialsTotal.WithLabelValues(reason).Inc()
}

// RecordPushVerification records a provider push outcome
func (m *MetricsCollector) RecordPushVerification(outcome string) {
	pushVerificationsTotal.WithLabelValues(outcome).Inc()
}

// RecordProxyUpstream records one upstream DICOMweb call
func (m *MetricsCollector) RecordProxyUpstream(statusCode int, duration time.Duration) {
	proxyUpstreamDuration.WithLabelValues(strconv.Itoa(statusCode)).Observe(duration.Seconds())
}

// Handler returns the Prometheus metrics HTTP handler
func (m *MetricsCollector) Handler() http.Handler {
	return promhttp.Handler()
}
