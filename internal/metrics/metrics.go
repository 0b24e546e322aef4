// Package metrics exposes Prometheus collectors for the monitoring engine.
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

// Run outcomes recorded by ObserveRun.
const (
	RunStatusOK           = "ok"
	RunStatusNoop         = "noop"
	RunStatusSkipped      = "skipped"
	RunStatusCaptureError = "capture_error"
	RunStatusStoreError   = "store_error"
	RunStatusEventError   = "event_error"
	RunStatusError        = "error"
)

var (
	runsTotal                  *prometheus.CounterVec
	eventsTotal                *prometheus.CounterVec
	capturesTotal              *prometheus.CounterVec
	captureDurationSeconds     *prometheus.HistogramVec
	activeRuns                 prometheus.Gauge
	skippedTicksTotal          prometheus.Counter
	scheduledResources         prometheus.Gauge
	registryRefreshErrorsTotal prometheus.Counter
	rateLimitDelaySeconds      *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		runsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitewatch_runs_total",
				Help: "Total number of resource checks, labeled by outcome.",
			},
			[]string{"status"},
		)

		eventsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitewatch_events_total",
				Help: "Total number of monitoring events committed, labeled by kind.",
			},
			[]string{"kind"},
		)

		capturesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitewatch_captures_total",
				Help: "Total number of captures, labeled by site, kind and status.",
			},
			[]string{"site", "kind", "status"},
		)

		captureDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sitewatch_capture_duration_seconds",
				Help:    "Histogram of capture latencies, labeled by kind.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"kind"},
		)

		activeRuns = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "sitewatch_active_runs",
				Help: "Number of resource checks currently in progress.",
			},
		)

		skippedTicksTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "sitewatch_skipped_ticks_total",
				Help: "Ticks dropped because the previous run of the resource was still in progress.",
			},
		)

		scheduledResources = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "sitewatch_scheduled_resources",
				Help: "Number of resources currently held by the scheduler.",
			},
		)

		registryRefreshErrorsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "sitewatch_registry_refresh_errors_total",
				Help: "Failed reloads of the enabled resource list.",
			},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sitewatch_rate_limit_delay_seconds",
				Help:    "Time spent waiting on the per-host capture limiter.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10},
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
	Init()
	return promhttp.Handler()
}

// ObserveRun increments the run counter for the given outcome.
func ObserveRun(status string) {
	Init()
	runsTotal.WithLabelValues(status).Inc()
}

// ObserveEvents adds n committed events of the given kind.
func ObserveEvents(kind string, n int) {
	Init()
	if n > 0 {
		eventsTotal.WithLabelValues(kind).Add(float64(n))
	}
}

// ObserveCapture records one capture attempt.
func ObserveCapture(site, kind string, ok bool, duration time.Duration) {
	Init()
	status := "ok"
	if !ok {
		status = "error"
	}
	capturesTotal.WithLabelValues(SanitizeSite(site), kind, status).Inc()
	if ok {
		captureDurationSeconds.WithLabelValues(kind).Observe(duration.Seconds())
	}
}

// IncActiveRuns increments the active runs gauge.
func IncActiveRuns() {
	Init()
	activeRuns.Inc()
}

// DecActiveRuns decrements the active runs gauge.
func DecActiveRuns() {
	Init()
	activeRuns.Dec()
}

// ObserveSkippedTick counts a tick dropped by the overlap policy.
func ObserveSkippedTick() {
	Init()
	skippedTicksTotal.Inc()
}

// SetScheduledResources records the size of the scheduler's resource map.
func SetScheduledResources(n int) {
	Init()
	scheduledResources.Set(float64(n))
}

// ObserveRegistryRefreshError counts a failed resource list reload.
func ObserveRegistryRefreshError() {
	Init()
	registryRefreshErrorsTotal.Inc()
}

// ObserveRateLimitDelay records a wait imposed by the per-host limiter.
func ObserveRateLimitDelay(site string, delay time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(SanitizeSite(site)).Observe(delay.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
