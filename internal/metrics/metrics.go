// Package metrics exposes Prometheus collectors for fetches, model calls,
// jobs and live event delivery.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FetchesTotal counts governed fetches by outcome: ok, blocked, failed.
	FetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shelfscope_fetches_total",
			Help: "Total number of governed external fetches",
		},
		[]string{"outcome"},
	)

	FetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "shelfscope_fetch_duration_seconds",
			Help:    "Duration of governed fetches including pacing delay",
			Buckets: []float64{0.5, 1, 2, 3, 5, 10, 20, 30},
		},
	)

	// FetchQueueDepth is the number of callers waiting for the governor slot.
	FetchQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "shelfscope_fetch_queue_depth",
			Help: "Callers waiting for the governed fetch slot",
		},
	)

	GenerationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shelfscope_generations_total",
			Help: "Total number of language model generations",
		},
		[]string{"section", "outcome"},
	)

	GenerationsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "shelfscope_generations_in_flight",
			Help: "Language model calls currently in flight",
		},
	)

	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shelfscope_jobs_total",
			Help: "Jobs reaching a terminal status",
		},
		[]string{"status", "code"},
	)

	ActiveJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "shelfscope_active_jobs",
			Help: "Jobs currently owned by this process",
		},
	)

	PhaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shelfscope_phase_duration_seconds",
			Help:    "Wall clock duration of job phases",
			Buckets: prometheus.ExponentialBuckets(1, 2, 9),
		},
		[]string{"phase", "status"},
	)

	PersistenceWarnings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shelfscope_persistence_warnings_total",
			Help: "Tolerated durable store write failures",
		},
		[]string{"op"},
	)

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shelfscope_events_published_total",
			Help: "Progress events published by type",
		},
		[]string{"type"},
	)

	Observers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "shelfscope_observers",
			Help: "Attached live observers",
		},
	)

	// ObserversDropped counts observers torn down because their queue overflowed.
	ObserversDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shelfscope_observers_dropped_total",
			Help: "Observers disconnected for falling behind",
		},
	)
)

// ObserveFetch records one fetch outcome.
func ObserveFetch(outcome string, d time.Duration) {
	FetchesTotal.WithLabelValues(outcome).Inc()
	FetchDuration.Observe(d.Seconds())
}

// ObservePhase records one phase outcome.
func ObservePhase(phase, status string, d time.Duration) {
	PhaseDuration.WithLabelValues(phase, status).Observe(d.Seconds())
}
