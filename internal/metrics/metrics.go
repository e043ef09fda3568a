// Package metrics exposes Prometheus collectors for the exporter service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	jobsSubmittedTotal         prometheus.Counter
	jobsTotal                  *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	admissionBacklog           prometheus.Gauge
	admissionRetriesTotal      prometheus.Counter
	exportsTotal               *prometheus.CounterVec
	archiveObjectsTotal        prometheus.Counter
	archiveBytesTotal          prometheus.Counter
	rateLimitDelaysSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 30, 120},
			},
			[]string{"method", "route"},
		)

		jobsSubmittedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "exporter_jobs_submitted_total",
				Help: "Total number of export jobs accepted.",
			},
		)

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exporter_jobs_total",
				Help: "Total number of jobs finished, labeled by final state.",
			},
			[]string{"state"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "exporter_active_workers",
				Help: "Number of workers currently running a job.",
			},
		)

		admissionBacklog = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "exporter_admission_backlog",
				Help: "Tasks accepted but not yet handed to an execution path.",
			},
		)

		admissionRetriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "exporter_admission_retries_total",
				Help: "Failed attempts to hand a task to the execution path.",
			},
		)

		exportsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exporter_remote_exports_total",
				Help: "Remote export tasks, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		archiveObjectsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "exporter_archive_objects_total",
				Help: "Objects written into download archives.",
			},
		)

		archiveBytesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "exporter_archive_bytes_total",
				Help: "Uncompressed bytes read into download archives.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "exporter_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"scope"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveJobSubmitted counts an accepted submission.
func ObserveJobSubmitted() {
	jobsSubmittedTotal.Inc()
}

// ObserveJob increments the job counter for the given final state.
func ObserveJob(state string) {
	jobsTotal.WithLabelValues(state).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// SetAdmissionBacklog reports the number of tasks awaiting admission.
func SetAdmissionBacklog(n int) {
	admissionBacklog.Set(float64(n))
}

// ObserveAdmissionRetry counts a failed delivery attempt.
func ObserveAdmissionRetry() {
	admissionRetriesTotal.Inc()
}

// ObserveExport counts one remote export by outcome.
func ObserveExport(outcome string) {
	exportsTotal.WithLabelValues(outcome).Inc()
}

// ObserveArchiveObject records one object written into an archive.
func ObserveArchiveObject(bytes int64) {
	archiveObjectsTotal.Inc()
	if bytes > 0 {
		archiveBytesTotal.Add(float64(bytes))
	}
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(scope string, duration time.Duration) {
	rateLimitDelaysSeconds.WithLabelValues(scope).Observe(duration.Seconds())
}
