// Package metrics exposes process-wide Prometheus collectors for the
// imagecrawl service: cache claim outcomes, worker activity, queue depth,
// politeness delays, and HTTP server metrics. Per-run crawl progress is
// exported separately by the progress Prometheus sink.
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
	cacheClaimsTotal           *prometheus.CounterVec
	workerRunsTotal            *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	queueDepth                 prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	rateLimitDelaySeconds      *prometheus.HistogramVec
	downloadRetriesTotal       *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		cacheClaimsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imagecrawl_cache_claims_total",
				Help: "Total cache claim attempts, labeled by outcome (won/lost).",
			},
			[]string{"outcome"},
		)

		workerRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imagecrawl_worker_runs_total",
				Help: "Total runs processed by workers, labeled by terminal status.",
			},
			[]string{"status"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "imagecrawl_active_workers",
				Help: "Number of workers currently processing a run.",
			},
		)

		queueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "imagecrawl_queue_depth",
				Help: "Number of crawl requests waiting in the queue.",
			},
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

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "imagecrawl_rate_limit_delay_seconds",
				Help:    "Histogram of politeness delays before outbound requests.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)

		downloadRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imagecrawl_download_retries_total",
				Help: "Total download attempts that were retried, labeled by host.",
			},
			[]string{"host"},
		)
	})
}

// SanitizeHost sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeHost(rawURL string) string {
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

// ObserveClaim counts one cache claim attempt.
func ObserveClaim(won bool) {
	if cacheClaimsTotal == nil {
		return
	}
	outcome := "lost"
	if won {
		outcome = "won"
	}
	cacheClaimsTotal.WithLabelValues(outcome).Inc()
}

// ObserveRun counts one worker-processed run for the given terminal status.
func ObserveRun(status string) {
	if workerRunsTotal == nil {
		return
	}
	workerRunsTotal.WithLabelValues(status).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	if activeWorkers == nil {
		return
	}
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	if activeWorkers == nil {
		return
	}
	activeWorkers.Dec()
}

// SetQueueDepth records the current queue backlog.
func SetQueueDepth(n int) {
	if queueDepth == nil {
		return
	}
	queueDepth.Set(float64(n))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a politeness wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	if rateLimitDelaySeconds == nil {
		return
	}
	rateLimitDelaySeconds.WithLabelValues(SanitizeHost(host)).Observe(duration.Seconds())
}

// ObserveDownloadRetry counts one retried download attempt.
func ObserveDownloadRetry(host string) {
	if downloadRetriesTotal == nil {
		return
	}
	downloadRetriesTotal.WithLabelValues(SanitizeHost(host)).Inc()
}
