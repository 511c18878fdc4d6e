// Package metrics exposes Prometheus collectors for the analyzer service.
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
	submissionsTotal           *prometheus.CounterVec
	admissionRejectionsTotal   *prometheus.CounterVec
	activeJobs                 prometheus.Gauge
	stageDurationSeconds       *prometheus.HistogramVec
	rasterCacheTotal           *prometheus.CounterVec
	rasterDownloadsTotal       *prometheus.CounterVec
	sourceThrottleSeconds      *prometheus.HistogramVec
	runsEvictedTotal           prometheus.Counter
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		submissionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zca_submissions_total",
				Help: "Total number of submissions, labeled by outcome kind.",
			},
			[]string{"outcome"},
		)

		admissionRejectionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zca_admission_rejections_total",
				Help: "Total number of submissions turned away by admission control.",
			},
			[]string{"kind"},
		)

		activeJobs = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "zca_active_jobs",
				Help: "Number of jobs currently holding a lease in this process.",
			},
		)

		stageDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "zca_stage_duration_seconds",
				Help:    "Histogram of pipeline stage durations.",
				Buckets: []float64{0.01, 0.05, 0.25, 1, 5, 15, 60, 300, 1800},
			},
			[]string{"stage"},
		)

		rasterCacheTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zca_raster_cache_total",
				Help: "Raster archive lookups, labeled by hit, miss or refresh.",
			},
			[]string{"result"},
		)

		rasterDownloadsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zca_raster_downloads_total",
				Help: "Raster download attempts, labeled by parameter and status.",
			},
			[]string{"parameter", "status"},
		)

		sourceThrottleSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "zca_source_throttle_seconds",
				Help:    "Histogram of outbound rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)

		runsEvictedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "zca_runs_evicted_total",
				Help: "Total number of runs removed by the retention sweep.",
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 30, 120},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeHost extracts a lowercase hostname for use as a label.
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

// ObserveSubmission counts a finished submission. outcome is "ok" or an
// error kind.
func ObserveSubmission(outcome string) {
	Init()
	submissionsTotal.WithLabelValues(outcome).Inc()
}

// ObserveAdmissionRejection counts a rejected admission.
func ObserveAdmissionRejection(kind string) {
	Init()
	admissionRejectionsTotal.WithLabelValues(kind).Inc()
}

// IncActiveJobs increments the active jobs gauge.
func IncActiveJobs() {
	Init()
	activeJobs.Inc()
}

// DecActiveJobs decrements the active jobs gauge.
func DecActiveJobs() {
	Init()
	activeJobs.Dec()
}

// ObserveStage records how long a pipeline stage took.
func ObserveStage(stage string, duration time.Duration) {
	Init()
	stageDurationSeconds.WithLabelValues(stage).Observe(duration.Seconds())
}

// ObserveCache counts a raster cache lookup.
func ObserveCache(result string) {
	Init()
	rasterCacheTotal.WithLabelValues(result).Inc()
}

// ObserveDownload counts a raster download attempt.
func ObserveDownload(parameter, status string) {
	Init()
	rasterDownloadsTotal.WithLabelValues(parameter, status).Inc()
}

// ObserveThrottle records the duration of an outbound rate limit wait.
func ObserveThrottle(host string, duration time.Duration) {
	Init()
	sourceThrottleSeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// AddRunsEvicted counts runs removed by a sweep.
func AddRunsEvicted(n int) {
	Init()
	if n > 0 {
		runsEvictedTotal.Add(float64(n))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
