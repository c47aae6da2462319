// Package metrics registers the engine's Prometheus metrics and serves the
// scrape endpoint.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	registry     *prometheus.Registry
	registryOnce sync.Once

	// Resolve metrics
	ResolveDecisions *prometheus.CounterVec
	ResolveLatency   prometheus.Histogram
	ClustersCreated  prometheus.Counter
	ProfileMatches   *prometheus.CounterVec

	// Incremental metrics
	IncrementsProcessed *prometheus.CounterVec
	IncrementLatency    prometheus.Histogram
	SpeakersCreated     prometheus.Counter
	CheckpointFailures  prometheus.Counter

	// Session metrics
	SessionsActive   prometheus.Gauge
	SessionEvictions prometheus.Counter
	SessionsSwept    prometheus.Counter

	// Messaging metrics
	EventsPublished *prometheus.CounterVec
)

// Init initializes all metrics and registers them with Prometheus
func Init(logger *logrus.Logger) {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()

		ResolveDecisions = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "speakerid_resolve_decisions_total",
				Help: "Total resolve calls by decision outcome",
			},
			[]string{"decision"},
		)

		ResolveLatency = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "speakerid_resolve_latency_seconds",
				Help:    "Latency of single-utterance resolve calls",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
			},
		)

		ClustersCreated = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "speakerid_clusters_created_total",
				Help: "Total online clusters created",
			},
		)

		ProfileMatches = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "speakerid_profile_matches_total",
				Help: "Total profile match lookups by outcome",
			},
			[]string{"outcome"},
		)

		IncrementsProcessed = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "speakerid_increments_processed_total",
				Help: "Total audio increments processed by status",
			},
			[]string{"status"},
		)

		IncrementLatency = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "speakerid_increment_latency_seconds",
				Help:    "Latency of increment processing",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
			},
		)

		SpeakersCreated = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "speakerid_global_speakers_created_total",
				Help: "Total global speaker profiles created",
			},
		)

		CheckpointFailures = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "speakerid_checkpoint_failures_total",
				Help: "Total checkpoint analysis failures",
			},
		)

		SessionsActive = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "speakerid_sessions_active",
				Help: "Number of live incremental sessions",
			},
		)

		SessionEvictions = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "speakerid_session_evictions_total",
				Help: "Total sessions evicted at capacity",
			},
		)

		SessionsSwept = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "speakerid_sessions_swept_total",
				Help: "Total sessions removed by stale sweep",
			},
		)

		EventsPublished = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "speakerid_events_published_total",
				Help: "Total identity events published by type and status",
			},
			[]string{"event", "status"},
		)

		registry.MustRegister(
			ResolveDecisions,
			ResolveLatency,
			ClustersCreated,
			ProfileMatches,
			IncrementsProcessed,
			IncrementLatency,
			SpeakersCreated,
			CheckpointFailures,
			SessionsActive,
			SessionEvictions,
			SessionsSwept,
			EventsPublished,
		)

		logger.Info("Prometheus metrics initialized")
	})
}

// Handler returns the scrape handler for the engine registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
