package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the pull-push service.
type Metrics struct {
	registry                   *prometheus.Registry
	requestsTotal              prometheus.Counter
	segmentsUploadedTotal      prometheus.Counter
	segmentUploadFailuresTotal prometheus.Counter
	manifestsUploadedTotal     prometheus.Counter
	activeFetchers             prometheus.Gauge
	errorsTotal                prometheus.Counter
	requestDuration            prometheus.Histogram
}

// New creates and registers Prometheus metrics for the pull-push service.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pullpush_requests_total",
		Help: "Total number of HTTP requests received",
	})
	segmentsUploadedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pullpush_segments_uploaded_total",
		Help: "Total number of media segments uploaded to destinations",
	})
	segmentUploadFailuresTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pullpush_segment_upload_failures_total",
		Help: "Total number of media segments dropped after exhausting upload retries",
	})
	manifestsUploadedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pullpush_manifests_uploaded_total",
		Help: "Total number of manifests uploaded to destinations",
	})
	activeFetchers := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pullpush_active_fetchers",
		Help: "Number of fetcher sessions currently active",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pullpush_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})
	requestDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pullpush_http_request_duration_seconds",
		Help:    "HTTP request handling duration",
		Buckets: prometheus.DefBuckets,
	})

	registry.MustRegister(
		requestsTotal,
		segmentsUploadedTotal,
		segmentUploadFailuresTotal,
		manifestsUploadedTotal,
		activeFetchers,
		errorsTotal,
		requestDuration,
	)

	return &Metrics{
		registry:                   registry,
		requestsTotal:              requestsTotal,
		segmentsUploadedTotal:      segmentsUploadedTotal,
		segmentUploadFailuresTotal: segmentUploadFailuresTotal,
		manifestsUploadedTotal:     manifestsUploadedTotal,
		activeFetchers:             activeFetchers,
		errorsTotal:                errorsTotal,
		requestDuration:            requestDuration,
	}
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// AddSegmentsUploaded adds to the uploaded segments counter.
func (m *Metrics) AddSegmentsUploaded(n int) {
	if n > 0 {
		m.segmentsUploadedTotal.Add(float64(n))
	}
}

// AddSegmentUploadFailures adds to the permanently failed segments counter.
func (m *Metrics) AddSegmentUploadFailures(n int) {
	if n > 0 {
		m.segmentUploadFailuresTotal.Add(float64(n))
	}
}

// AddManifestsUploaded adds to the uploaded manifests counter.
func (m *Metrics) AddManifestsUploaded(n int) {
	if n > 0 {
		m.manifestsUploadedTotal.Add(float64(n))
	}
}

// SetActiveFetchers sets the active fetcher sessions gauge.
func (m *Metrics) SetActiveFetchers(n int) {
	m.activeFetchers.Set(float64(n))
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// ObserveRequestDuration records one HTTP request's handling time.
func (m *Metrics) ObserveRequestDuration(seconds float64) {
	m.requestDuration.Observe(seconds)
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. active fetchers).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
