// Package metrics provides Prometheus metrics for the conversation gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveConnections tracks live client connections on this process.
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_active_connections",
			Help: "Number of live client connections held by this process",
		},
	)

	// Admissions counts inbound messages by resource class and outcome.
	Admissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_admissions_total",
			Help: "Inbound messages by resource class and admission outcome",
		},
		[]string{"class", "outcome"},
	)

	// QueueDepth is the number of envelopes waiting for a worker.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_executor_queue_depth",
			Help: "Envelopes queued in the task executor",
		},
	)

	// EngineCallDuration tracks conversation engine latency by outcome.
	EngineCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_engine_call_duration_seconds",
			Help:    "Duration of conversation engine calls",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"outcome"},
	)

	// EventsPublished counts fanout events by type.
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_events_published_total",
			Help: "Events published to the fanout bus by type",
		},
		[]string{"type"},
	)

	// DuplicateEvents counts events dropped by connection reorder buffers.
	DuplicateEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_duplicate_events_total",
			Help: "Duplicate fanout events ignored by connections",
		},
	)

	// GapRecoveries counts sequence gap recoveries by result.
	GapRecoveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_gap_recoveries_total",
			Help: "Sequence gap recoveries by result",
		},
		[]string{"result"},
	)

	// HotCacheLookups counts checkpoint cache lookups by result (hit, miss, error).
	HotCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_hot_cache_lookups_total",
			Help: "Checkpoint hot-tier lookups by result",
		},
		[]string{"result"},
	)

	// BreakerTransitions tracks circuit breaker state changes.
	BreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"breaker", "from_state", "to_state"},
	)

	// BreakerShortCircuits counts calls rejected by an open breaker.
	BreakerShortCircuits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_breaker_short_circuits_total",
			Help: "Calls short-circuited by an open circuit breaker",
		},
		[]string{"breaker"},
	)
)

// RecordAdmission increments the admission counter.
func RecordAdmission(class, outcome string) {
	Admissions.WithLabelValues(class, outcome).Inc()
}
