package scraper

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for a scraping session.
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	activeRequests  prometheus.Gauge
	upstreamErrors  *prometheus.CounterVec
	ocspChecks      *prometheus.CounterVec
	captureWrites   *prometheus.CounterVec
	captureBytes    prometheus.Counter
	captureErrors   *prometheus.CounterVec
	sessionsTotal   *prometheus.CounterVec
	sessionDuration prometheus.Histogram

	registry *prometheus.Registry
}

// NewMetrics creates a new Metrics instance with all collectors registered
// on a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scraper",
			Name:      "requests_total",
			Help:      "Total number of proxied requests.",
		}, []string{"method", "ocsp"}),

		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "scraper",
			Name:      "request_duration_seconds",
			Help:      "Proxied request duration in seconds.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"method", "status"}),

		activeRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "scraper",
			Name:      "active_requests",
			Help:      "Number of in-flight proxied requests.",
		}),

		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scraper",
			Name:      "upstream_errors_total",
			Help:      "Number of failed forwards by error kind.",
		}, []string{"kind"}),

		ocspChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scraper",
			Name:      "ocsp_checks_total",
			Help:      "Number of OCSP revocation checks by status.",
		}, []string{"status"}),

		captureWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scraper",
			Name:      "capture_writes_total",
			Help:      "Number of persisted capture artifacts by kind.",
		}, []string{"kind"}),

		captureBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "scraper",
			Name:      "capture_bytes_total",
			Help:      "Total bytes written to capture artifacts.",
		}),

		captureErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scraper",
			Name:      "capture_errors_total",
			Help:      "Number of capture artifacts that failed to persist.",
		}, []string{"kind"}),

		sessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scraper",
			Name:      "sessions_total",
			Help:      "Number of settled sessions by outcome.",
		}, []string{"outcome"}),

		sessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "scraper",
			Name:      "session_duration_seconds",
			Help:      "Session duration from start to settlement.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),

		registry: reg,
	}

	reg.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.activeRequests,
		m.upstreamErrors,
		m.ocspChecks,
		m.captureWrites,
		m.captureBytes,
		m.captureErrors,
		m.sessionsTotal,
		m.sessionDuration,
	)

	return m
}

// Handler returns an http.Handler that serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordRequest records a proxied request.
func (m *Metrics) RecordRequest(method string, ocspChecked bool) {
	m.requestsTotal.WithLabelValues(method, strconv.FormatBool(ocspChecked)).Inc()
}

// RecordRequestDuration records the duration of a request. A zero status
// means the forward failed.
func (m *Metrics) RecordRequestDuration(method string, statusCode int, duration time.Duration) {
	m.requestDuration.WithLabelValues(method, strconv.Itoa(statusCode)).Observe(duration.Seconds())
}

// IncActiveRequests increments the in-flight request gauge.
func (m *Metrics) IncActiveRequests() {
	m.activeRequests.Inc()
}

// DecActiveRequests decrements the in-flight request gauge.
func (m *Metrics) DecActiveRequests() {
	m.activeRequests.Dec()
}

// RecordUpstreamError records a failed forward.
func (m *Metrics) RecordUpstreamError(kind string) {
	m.upstreamErrors.WithLabelValues(kind).Inc()
}

// RecordOCSPCheck records the status of one revocation check.
func (m *Metrics) RecordOCSPCheck(status CertStatus) {
	m.ocspChecks.WithLabelValues(string(status)).Inc()
}

// RecordCapture records a persisted artifact.
func (m *Metrics) RecordCapture(kind ArtifactKind, size int64) {
	m.captureWrites.WithLabelValues(string(kind)).Inc()
	m.captureBytes.Add(float64(size))
}

// RecordCaptureError records an artifact that could not be persisted.
func (m *Metrics) RecordCaptureError(kind ArtifactKind) {
	m.captureErrors.WithLabelValues(string(kind)).Inc()
}

// RecordSession records a settled session. An empty kind is a success.
func (m *Metrics) RecordSession(kind string, duration time.Duration) {
	if kind == "" {
		kind = "success"
	}
	m.sessionsTotal.WithLabelValues(kind).Inc()
	m.sessionDuration.Observe(duration.Seconds())
}
