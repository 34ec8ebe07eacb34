package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Collection metrics
	EventsCollected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hostwatch_events_collected_total",
			Help: "Total number of events emitted by collectors",
		},
		[]string{"source"},
	)

	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hostwatch_events_dropped_total",
			Help: "Total number of events dropped by the queue overload policy",
		},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hostwatch_queue_depth",
			Help: "Current depth of the event queue",
		},
	)

	// Dispatch metrics
	BatchesDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hostwatch_batches_dispatched_total",
			Help: "Total number of detection batches by outcome",
		},
		[]string{"outcome"},
	)

	EventsUnscored = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hostwatch_events_unscored_total",
			Help: "Total number of events drained without scoring",
		},
	)

	ScorerRequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hostwatch_scorer_request_duration_seconds",
			Help:    "Duration of scoring requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	DispatcherDegraded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hostwatch_dispatcher_degraded",
			Help: "1 while the dispatcher circuit breaker is open",
		},
	)

	// Correlation metrics
	AlertsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hostwatch_alerts_created_total",
			Help: "Total number of alerts created, by detection kind",
		},
		[]string{"kind"},
	)

	AlertsMerged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hostwatch_alerts_merged_total",
			Help: "Total number of verdicts merged into existing alerts",
		},
	)

	StorageErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hostwatch_storage_errors_total",
			Help: "Total number of alert persistence failures",
		},
	)
)
