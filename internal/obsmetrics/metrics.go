// Package obsmetrics exposes Prometheus collectors and an HTTP
// instrumentation middleware for the fetch pipeline, plus a minimal
// OpenTelemetry tracer provider for the worker's browser attempts.
package obsmetrics

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchAttemptsTotal   *prometheus.CounterVec
	fetchContentBytes    prometheus.Counter
	fetchRetriesTotal    prometheus.Counter
	submissionsTotal     *prometheus.CounterVec
	staleSweepFixedTotal prometheus.Counter
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDurationS *prometheus.HistogramVec

	once sync.Once
)

// Init registers the fetch pipeline's Prometheus collectors. Safe to
// call more than once; Middleware and the Observe helpers call it
// themselves, so they never touch a nil collector.
func Init() {
	once.Do(func() {
		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetch_attempts_total",
				Help: "Total number of worker scrape attempts, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		fetchContentBytes = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "fetch_content_bytes_total",
				Help: "Total bytes of page content captured across successful attempts.",
			},
		)

		fetchRetriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "fetch_retries_total",
				Help: "Total number of retry ScrapeRequests republished by the control plane.",
			},
		)

		submissionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetch_submissions_total",
				Help: "Total number of URLs processed by the submission path, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		staleSweepFixedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "fetch_stale_sweep_fixed_total",
				Help: "Total number of PENDING records marked FAILED by the stale-pending sweep.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationS = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HealthzHandler returns a minimal liveness handler, for binaries
// (the scraper worker) that need /healthz and /metrics but have no
// use for the rest of httpapi.Server's routes.
func HealthzHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		Init()
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unknown"
		}
		httpRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(ww.status)).Inc()
		httpRequestDurationS.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

// ObserveAttempt records the outcome of one worker scrape attempt.
func ObserveAttempt(outcome string, contentBytes int) {
	Init()
	fetchAttemptsTotal.WithLabelValues(outcome).Inc()
	if contentBytes > 0 {
		fetchContentBytes.Add(float64(contentBytes))
	}
}

// ObserveRetry records one retry republished by the control plane.
func ObserveRetry() {
	Init()
	fetchRetriesTotal.Inc()
}

// ObserveSubmission records one URL's outcome from the submission
// path: "queued", "skipped", or "error".
func ObserveSubmission(outcome string) {
	Init()
	submissionsTotal.WithLabelValues(outcome).Inc()
}

// ObserveStaleSweepFixed records one PENDING record failed by the
// stale-pending sweep.
func ObserveStaleSweepFixed() {
	Init()
	staleSweepFixedTotal.Inc()
}
