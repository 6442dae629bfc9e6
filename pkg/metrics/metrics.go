// Package metrics provides Prometheus metrics for the linker service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CandidatesEnqueued tracks candidates handed to the work queue by entity set
	CandidatesEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "linker",
			Subsystem: "discovery",
			Name:      "candidates_enqueued_total",
			Help:      "Total number of linking candidates enqueued",
		},
		[]string{"entity_set_id"},
	)

	// DiscoveryErrors tracks failed discovery sweeps
	DiscoveryErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "linker",
			Subsystem: "discovery",
			Name:      "errors_total",
			Help:      "Total number of discovery sweep failures",
		},
	)

	// DiscoveryHeartbeat is the unix time of the last completed discovery sweep
	DiscoveryHeartbeat = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "linker",
			Subsystem: "discovery",
			Name:      "heartbeat_timestamp_seconds",
			Help:      "Unix time of the last completed discovery sweep",
		},
	)

	// LeaseAdmissions tracks lease outcomes (acquired, refreshed, held)
	LeaseAdmissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "linker",
			Subsystem: "lease",
			Name:      "admissions_total",
			Help:      "Total number of lease attempts by outcome",
		},
		[]string{"outcome"},
	)

	// QueueDepth tracks the number of queued candidates
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "linker",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Number of candidates waiting in the work queue",
		},
	)

	// WorkersInFlight tracks candidates currently being linked
	WorkersInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "linker",
			Subsystem: "worker",
			Name:      "in_flight",
			Help:      "Number of candidates currently being linked",
		},
	)

	// LinkOutcomes tracks linking results by path and status
	LinkOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "linker",
			Subsystem: "engine",
			Name:      "links_total",
			Help:      "Total number of linking attempts by outcome",
		},
		[]string{"outcome"},
	)

	// LinkDuration tracks how long one candidate takes to link
	LinkDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "linker",
			Subsystem: "engine",
			Name:      "link_duration_seconds",
			Help:      "Duration of linking a single candidate in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"outcome"},
	)

	// ClusterScores tracks complete-link scores of evaluated clusters
	ClusterScores = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "linker",
			Subsystem: "engine",
			Name:      "cluster_score",
			Help:      "Complete-link scores of clusters evaluated against a candidate",
			Buckets:   []float64{0.1, 0.25, 0.5, 0.6, 0.7, 0.75, 0.8, 0.85, 0.9, 0.95, 1},
		},
	)

	// FeedbackAnomalies tracks feedback-forced clusters that fail the acceptance threshold
	FeedbackAnomalies = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "linker",
			Subsystem: "engine",
			Name:      "feedback_cluster_below_threshold_total",
			Help:      "Feedback-forced clusters whose recomputed score did not clear the threshold",
		},
	)

	// ScorerCalls tracks model invocations by status
	ScorerCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "linker",
			Subsystem: "scorer",
			Name:      "calls_total",
			Help:      "Total number of model invocations by status",
		},
		[]string{"status"},
	)

	// ScorerFallbacks tracks batches answered with the degraded fallback vector
	ScorerFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "linker",
			Subsystem: "scorer",
			Name:      "fallbacks_total",
			Help:      "Total number of batches scored with the fallback vector",
		},
		[]string{"policy"},
	)

	// ScorerDuration tracks model invocation latency
	ScorerDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "linker",
			Subsystem: "scorer",
			Name:      "duration_seconds",
			Help:      "Duration of model invocations in seconds",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
	)

	// KafkaMessagesPublished tracks Kafka messages published
	KafkaMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "linker",
			Subsystem: "kafka",
			Name:      "messages_published_total",
			Help:      "Total number of messages published to Kafka",
		},
		[]string{"topic", "status"},
	)

	// KafkaMessagesConsumed tracks Kafka messages consumed
	KafkaMessagesConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "linker",
			Subsystem: "kafka",
			Name:      "messages_consumed_total",
			Help:      "Total number of messages consumed from Kafka",
		},
		[]string{"topic", "status"},
	)
)

// RecordLink records the outcome and duration of one linking attempt
func RecordLink(outcome string, duration time.Duration) {
	LinkOutcomes.WithLabelValues(outcome).Inc()
	LinkDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordHeartbeat records a completed discovery sweep
func RecordHeartbeat(at time.Time) {
	DiscoveryHeartbeat.Set(float64(at.Unix()))
}

// RecordScorerCall records a model invocation
func RecordScorerCall(status string, duration time.Duration) {
	ScorerCalls.WithLabelValues(status).Inc()
	ScorerDuration.Observe(duration.Seconds())
}
