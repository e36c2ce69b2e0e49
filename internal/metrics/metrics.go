// Package metrics exposes Prometheus collectors for the link collector.
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
	cyclesTotal                *prometheus.CounterVec
	targetsTotal               *prometheus.CounterVec
	newLinksTotal              *prometheus.CounterVec
	cycleDurationSeconds       prometheus.Histogram
	cycleRunning               prometheus.Gauge
	notificationsTotal         *prometheus.CounterVec
	fetchWaitSeconds           *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		cyclesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "linkwatch_cycles_total",
				Help: "Total number of collection cycles, labeled by final state.",
			},
			[]string{"state"},
		)

		targetsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "linkwatch_targets_total",
				Help: "Total number of targets processed, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		newLinksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "linkwatch_new_links_total",
				Help: "Total number of newly discovered links, labeled by site.",
			},
			[]string{"site"},
		)

		cycleDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "linkwatch_cycle_duration_seconds",
				Help:    "Histogram of collection cycle durations.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
		)

		cycleRunning = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "linkwatch_cycle_running",
				Help: "1 while a collection cycle is in progress.",
			},
		)

		notificationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "linkwatch_notifications_total",
				Help: "Total number of notifications, labeled by delivery status.",
			},
			[]string{"status"},
		)

		fetchWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "linkwatch_fetch_wait_seconds",
				Help:    "Time spent waiting on the per-host rate limit before a fetch.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
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
	return promhttp.Handler()
}

// ObserveCycle records a finished cycle's state and duration.
func ObserveCycle(state string, duration time.Duration) {
	Init()
	cyclesTotal.WithLabelValues(state).Inc()
	cycleDurationSeconds.Observe(duration.Seconds())
}

// ObserveTarget counts one processed target.
func ObserveTarget(outcome string) {
	Init()
	targetsTotal.WithLabelValues(outcome).Inc()
}

// ObserveNewLinks adds n newly discovered links for the page's site.
func ObserveNewLinks(pageURL string, n int) {
	if n <= 0 {
		return
	}
	Init()
	newLinksTotal.WithLabelValues(SanitizeSite(pageURL)).Add(float64(n))
}

// SetCycleRunning flips the running gauge.
func SetCycleRunning(running bool) {
	Init()
	if running {
		cycleRunning.Set(1)
		return
	}
	cycleRunning.Set(0)
}

// ObserveNotification counts a notification outcome (sent, failed, dropped).
func ObserveNotification(status string) {
	Init()
	notificationsTotal.WithLabelValues(status).Inc()
}

// ObserveFetchWait records a rate-limit delay for site.
func ObserveFetchWait(site string, d time.Duration) {
	Init()
	fetchWaitSeconds.WithLabelValues(site).Observe(d.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
