// Package metrics exposes the crawl engine's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "seoscope_crawler"

// Job outcome label values.
const (
	OutcomeCompleted = "completed"
	OutcomeSkipped   = "skipped"
	OutcomeAbandoned = "abandoned"
	OutcomeRetried   = "retried"
	OutcomeAborted   = "aborted"
)

// Metrics holds every collector the engine reports through. All fields are
// safe for concurrent use.
type Metrics struct {
	PagesCrawled  *prometheus.CounterVec
	JobsProcessed *prometheus.CounterVec

	FetchAttempts *prometheus.CounterVec
	FetchDuration prometheus.Histogram

	QueueDepth     *prometheus.GaugeVec
	ProxiesHealthy prometheus.Gauge
	ProxiesTotal   prometheus.Gauge

	CaptchaEncounters prometheus.Counter
	RunsActive        prometheus.Gauge
}

// New registers all collectors against reg and returns them. Tests pass
// prometheus.NewRegistry() for isolation.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PagesCrawled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pages_crawled_total",
			Help:      "Pages persisted, by origin of the crawled URL.",
		}, []string{"origin"}),

		JobsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_processed_total",
			Help:      "Crawl jobs handled by workers, by terminal outcome.",
		}, []string{"outcome"}),

		FetchAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_attempts_total",
			Help:      "Fetches completed, by route (direct/proxy) and outcome.",
		}, []string{"route", "outcome"}),

		FetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Wall-clock duration of completed fetches.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),

		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Queued plus in-flight jobs per priority stream.",
		}, []string{"priority"}),

		ProxiesHealthy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "proxies_healthy",
			Help:      "Proxy handles currently outside cooldown.",
		}),

		ProxiesTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "proxies_total",
			Help:      "Configured proxy handles.",
		}),

		CaptchaEncounters: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "captcha_encounters_total",
			Help:      "Responses that carried a CAPTCHA challenge.",
		}),

		RunsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_active",
			Help:      "Crawl runs currently in progress.",
		}),
	}

	reg.MustRegister(
		m.PagesCrawled,
		m.JobsProcessed,
		m.FetchAttempts,
		m.FetchDuration,
		m.QueueDepth,
		m.ProxiesHealthy,
		m.ProxiesTotal,
		m.CaptchaEncounters,
		m.RunsActive,
	)

	return m
}

// NewNop returns metrics bound to a throwaway registry, for tests and
// callers that do not scrape.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
