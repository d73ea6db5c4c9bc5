// Package metrics exposes Prometheus collectors for the analysis engine.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	rateLimitWaitSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "analyzer_rate_limit_wait_seconds",
			Help:    "Histogram of sliding-window rate limiter waits.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	retriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analyzer_retries_total",
			Help: "Total number of retried external calls, labeled by error kind.",
		},
		[]string{"kind"},
	)

	tasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analyzer_tasks_total",
			Help: "Total number of task executions, labeled by task type and status.",
		},
		[]string{"task", "status"},
	)

	poolWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "analyzer_pool_workers",
			Help: "Number of live worker goroutines in the adaptive pool.",
		},
	)

	poolQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "analyzer_pool_queue_depth",
			Help: "Number of tasks waiting in the worker pool queue.",
		},
	)

	stageDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "analyzer_stage_duration_seconds",
			Help:    "Wall time per pipeline stage, labeled by stage and outcome.",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 30, 120, 600, 1800},
		},
		[]string{"stage", "status"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analyzer_http_requests_total",
			Help: "Total number of status API requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "analyzer_http_request_duration_seconds",
			Help:    "Histogram of status API latencies, labeled by method and route.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"method", "route"},
	)
)

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SanitizeLabel lowercases a label value and replaces characters outside
// [a-z0-9_-] with underscores. Empty input becomes "unknown".
func SanitizeLabel(raw string) string {
	raw = strings.TrimSpace(strings.ToLower(raw))
	if raw == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r == '-' || r == '_':
			return r
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			return r
		default:
			return '_'
		}
	}, raw)
}

// ObserveRateLimitWait records the duration of a rate limit wait.
func ObserveRateLimitWait(duration time.Duration) {
	rateLimitWaitSeconds.Observe(duration.Seconds())
}

// ObserveRetry increments the retry counter for an error kind.
func ObserveRetry(kind string) {
	retriesTotal.WithLabelValues(SanitizeLabel(kind)).Inc()
}

// ObserveTask increments the task counter.
func ObserveTask(taskType string, success bool) {
	status := "failed"
	if success {
		status = "succeeded"
	}
	tasksTotal.WithLabelValues(SanitizeLabel(taskType), status).Inc()
}

// SetPoolWorkers sets the live worker gauge.
func SetPoolWorkers(n int) {
	poolWorkers.Set(float64(n))
}

// SetQueueDepth sets the queue depth gauge.
func SetQueueDepth(n int) {
	poolQueueDepth.Set(float64(n))
}

// ObserveStage records a pipeline stage duration.
func ObserveStage(stage string, err error, duration time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	stageDurationSeconds.WithLabelValues(SanitizeLabel(stage), status).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
