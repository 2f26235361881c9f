// Package metrics exposes Prometheus collectors for the harvester service.
// Run and item metrics are fed by the progress Prometheus sink; this package
// covers fetches, the queue consumer, the scheduler and HTTP.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchesTotal               *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	queueOutcomesTotal         *prometheus.CounterVec
	activeSlots                prometheus.Gauge
	sweepsEnqueuedTotal        *prometheus.CounterVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_fetches_total",
				Help: "Total number of listing and media fetches, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_fetch_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		queueOutcomesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_queue_outcomes_total",
				Help: "Sweep deliveries handled, labeled by run outcome and queue action.",
			},
			[]string{"outcome", "action"},
		)

		activeSlots = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_active_slots",
				Help: "Number of dispatcher slots currently driving a run.",
			},
		)

		sweepsEnqueuedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_sweeps_enqueued_total",
				Help: "Sweep requests enqueued, labeled by kind and origin.",
			},
			[]string{"kind", "origin"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch records one listing or media fetch.
func ObserveFetch(site string, status string, bytesFetched int) {
	Init()
	sanitizedSite := SanitizeSite(site)
	fetchesTotal.WithLabelValues(sanitizedSite, status).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveQueueOutcome records how a delivery was settled.
func ObserveQueueOutcome(outcome, action string) {
	Init()
	queueOutcomesTotal.WithLabelValues(outcome, action).Inc()
}

// ObserveSweepEnqueued counts sweeps published by the scheduler or the API.
func ObserveSweepEnqueued(kind, origin string) {
	Init()
	sweepsEnqueuedTotal.WithLabelValues(kind, origin).Inc()
}

// IncActiveSlots increments the active slots gauge.
func IncActiveSlots() {
	Init()
	activeSlots.Inc()
}

// DecActiveSlots decrements the active slots gauge.
func DecActiveSlots() {
	Init()
	activeSlots.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}
