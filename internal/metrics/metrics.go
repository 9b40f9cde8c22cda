// Package metrics exposes Prometheus collectors for the crawl service.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchesTotal          *prometheus.CounterVec
	fetchBytesTotal       *prometheus.CounterVec
	fetchDurationSeconds  *prometheus.HistogramVec
	documentsTotal        *prometheus.CounterVec
	frontierOutcomesTotal *prometheus.CounterVec
	probesTotal           *prometheus.CounterVec
	activeWorkers         prometheus.Gauge
	rateLimitDelaySeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus collectors. Safe to call more than once.
func Init() {
	once.Do(func() {
		fetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lexcrawl_fetches_total",
				Help: "Total fetches, labeled by country, strategy and outcome.",
			},
			[]string{"country", "strategy", "outcome"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lexcrawl_fetch_bytes_total",
				Help: "Total bytes fetched, labeled by country.",
			},
			[]string{"country"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lexcrawl_fetch_duration_seconds",
				Help:    "Histogram of fetch latencies, labeled by strategy.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"strategy"},
		)

		documentsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lexcrawl_documents_total",
				Help: "Documents committed, labeled by country and whether they were new.",
			},
			[]string{"country", "new"},
		)

		frontierOutcomesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lexcrawl_frontier_outcomes_total",
				Help: "Frontier entry outcomes, labeled by outcome and error kind.",
			},
			[]string{"outcome", "kind"},
		)

		probesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lexcrawl_proxy_probes_total",
				Help: "Health probes, labeled by provider and rating.",
			},
			[]string{"provider", "rating"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "lexcrawl_active_workers",
				Help: "Number of workers currently processing a frontier entry.",
			},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lexcrawl_rate_limit_delay_seconds",
				Help:    "Histogram of per-proxy rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"proxy"},
		)
	})
}

// Handler returns an http.Handler exposing the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch records one fetch attempt.
func ObserveFetch(country, strategy, outcome string, bytes int, duration time.Duration) {
	Init()
	fetchesTotal.WithLabelValues(country, strategy, outcome).Inc()
	if bytes > 0 {
		fetchBytesTotal.WithLabelValues(country).Add(float64(bytes))
	}
	fetchDurationSeconds.WithLabelValues(strategy).Observe(duration.Seconds())
}

// ObserveDocument records a committed document.
func ObserveDocument(country string, isNew bool) {
	Init()
	label := "false"
	if isNew {
		label = "true"
	}
	documentsTotal.WithLabelValues(country, label).Inc()
}

// ObserveFrontierOutcome records a frontier transition.
func ObserveFrontierOutcome(outcome, kind string) {
	Init()
	frontierOutcomesTotal.WithLabelValues(outcome, kind).Inc()
}

// ObserveProbe records one health probe result.
func ObserveProbe(provider, rating string) {
	Init()
	probesTotal.WithLabelValues(provider, rating).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(proxyID string, duration time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(proxyID).Observe(duration.Seconds())
}
