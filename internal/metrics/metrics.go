// Package metrics exposes Prometheus collectors for the crawl queue.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	queueEntriesAddedTotal     *prometheus.CounterVec
	queueClaimsTotal           *prometheus.CounterVec
	queueCompletionsTotal      *prometheus.CounterVec
	queueGetResultsTotal       *prometheus.CounterVec
	queueEmptyPollsTotal       prometheus.Counter
	queueSchemaProvisionsTotal *prometheus.CounterVec
	queueClaimWaitSeconds      prometheus.Histogram
	queueEntries               *prometheus.GaugeVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		queueEntriesAddedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlqueue_entries_added_total",
				Help: "Total number of add calls, labeled by domain and whether a new row was created.",
			},
			[]string{"domain", "created"},
		)

		queueClaimsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlqueue_claims_total",
				Help: "Total number of entries claimed, labeled by domain.",
			},
			[]string{"domain"},
		)

		queueCompletionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlqueue_completions_total",
				Help: "Total number of entries marked done, labeled by domain.",
			},
			[]string{"domain"},
		)

		queueGetResultsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlqueue_get_results_total",
				Help: "Total number of get calls, labeled by outcome (claimed, empty, error).",
			},
			[]string{"result"},
		)

		queueEmptyPollsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawlqueue_empty_polls_total",
				Help: "Total number of claim attempts that found no eligible entry and scheduled another poll.",
			},
		)

		queueSchemaProvisionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlqueue_schema_provisions_total",
				Help: "Total number of on-demand schema provisioning runs, labeled by outcome.",
			},
			[]string{"result"},
		)

		queueClaimWaitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "crawlqueue_claim_wait_seconds",
				Help:    "Histogram of time spent in get before an entry was claimed.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
		)

		queueEntries = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "crawlqueue_entries",
				Help: "Number of queue entries per status as of the last stats query.",
			},
			[]string{"status"},
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

// SanitizeDomain lowercases a domain label and maps empty values to "unknown".
func SanitizeDomain(domain string) string {
	d := strings.ToLower(strings.TrimSpace(domain))
	if d == "" {
		return "unknown"
	}
	return d
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveAdd counts an add call.
func ObserveAdd(domain string, created bool) {
	queueEntriesAddedTotal.WithLabelValues(SanitizeDomain(domain), strconv.FormatBool(created)).Inc()
}

// ObserveClaim counts a claimed entry and records how long get waited for it.
func ObserveClaim(domain string, wait time.Duration) {
	queueClaimsTotal.WithLabelValues(SanitizeDomain(domain)).Inc()
	queueClaimWaitSeconds.Observe(wait.Seconds())
	queueGetResultsTotal.WithLabelValues("claimed").Inc()
}

// ObserveGetResult counts a get call that did not claim anything.
func ObserveGetResult(result string) {
	queueGetResultsTotal.WithLabelValues(result).Inc()
}

// ObserveEmptyPoll counts a claim attempt that found nothing eligible.
func ObserveEmptyPoll() {
	queueEmptyPollsTotal.Inc()
}

// ObserveCompletion counts an entry marked done.
func ObserveCompletion(domain string) {
	queueCompletionsTotal.WithLabelValues(SanitizeDomain(domain)).Inc()
}

// ObserveProvision counts a schema provisioning run.
func ObserveProvision(ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	queueSchemaProvisionsTotal.WithLabelValues(result).Inc()
}

// SetQueueDepth records the number of entries in one status.
func SetQueueDepth(status string, count int64) {
	queueEntries.WithLabelValues(status).Set(float64(count))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
