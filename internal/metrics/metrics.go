// Package metrics exposes Prometheus collectors for the event extraction service.
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
	extractionsTotal            *prometheus.CounterVec
	providerRetriesTotal        *prometheus.CounterVec
	tasksTotal                  *prometheus.CounterVec
	callbacksTotal              *prometheus.CounterVec
	storageSavesTotal           *prometheus.CounterVec
	httpRequestsTotal           *prometheus.CounterVec
	httpRequestDurationSeconds  *prometheus.HistogramVec
	fetchRateLimitDelaysSeconds *prometheus.HistogramVec
	activeTasks                 prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		extractionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "events_extractions_total",
				Help: "Total number of extractions, labeled by provider and status.",
			},
			[]string{"provider", "status"},
		)

		providerRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "events_provider_retries_total",
				Help: "Total number of provider call retries, labeled by provider and reason.",
			},
			[]string{"provider", "reason"},
		)

		tasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "events_tasks_total",
				Help: "Total number of tasks finished, labeled by terminal status.",
			},
			[]string{"status"},
		)

		callbacksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "events_callbacks_total",
				Help: "Total number of callback deliveries, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		storageSavesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "events_storage_saves_total",
				Help: "Total number of storage writes, labeled by backend and outcome.",
			},
			[]string{"backend", "outcome"},
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 60},
			},
			[]string{"method", "route"},
		)

		fetchRateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "events_fetch_rate_limit_delay_seconds",
				Help:    "Histogram of per-host fetch politeness waits.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)

		activeTasks = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "events_active_tasks",
				Help: "Number of tasks currently running the pipeline.",
			},
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

// ObserveExtraction counts one extractor call outcome.
func ObserveExtraction(provider, status string) {
	Init()
	extractionsTotal.WithLabelValues(provider, status).Inc()
}

// ObserveProviderRetry counts one retried provider call.
func ObserveProviderRetry(provider, reason string) {
	Init()
	providerRetriesTotal.WithLabelValues(provider, reason).Inc()
}

// ObserveTask increments the task counter for the given terminal status.
func ObserveTask(status string) {
	Init()
	tasksTotal.WithLabelValues(status).Inc()
}

// ObserveCallback counts one callback delivery attempt.
func ObserveCallback(outcome string) {
	Init()
	callbacksTotal.WithLabelValues(outcome).Inc()
}

// ObserveStorageSave counts one storage write.
func ObserveStorageSave(backend, outcome string) {
	Init()
	storageSavesTotal.WithLabelValues(backend, outcome).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncActiveTasks increments the active tasks gauge.
func IncActiveTasks() {
	Init()
	activeTasks.Inc()
}

// DecActiveTasks decrements the active tasks gauge.
func DecActiveTasks() {
	Init()
	activeTasks.Dec()
}

// ObserveRateLimitDelay records the duration of a politeness wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	Init()
	fetchRateLimitDelaysSeconds.WithLabelValues(host).Observe(duration.Seconds())
}
