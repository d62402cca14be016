// Package metrics provides Prometheus metrics for the Sage service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SyncResultsTotal tracks submission syncs by outcome
	SyncResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sage",
			Subsystem: "sync",
			Name:      "results_total",
			Help:      "Total number of submission syncs by outcome",
		},
		[]string{"outcome"},
	)

	// SyncDuration tracks submission sync duration in seconds
	SyncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "sage",
			Subsystem: "sync",
			Name:      "duration_seconds",
			Help:      "Duration of submission syncs in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
	)

	// IdentifierConflictsTotal counts submissions whose identifiers matched more than one profile
	IdentifierConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sage",
			Name:      "identifier_conflicts_total",
			Help:      "Total number of submissions matching more than one profile",
		},
	)

	// MergeTotal tracks merges by status
	MergeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sage",
			Subsystem: "merge",
			Name:      "total",
			Help:      "Total number of profile merges by status",
		},
		[]string{"status"},
	)

	// MergeProfilesAbsorbedTotal counts duplicate profiles deleted by merges
	MergeProfilesAbsorbedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sage",
			Subsystem: "merge",
			Name:      "profiles_absorbed_total",
			Help:      "Total number of duplicate profiles absorbed by merges",
		},
	)

	// DuplicatesScanDuration tracks duplicate scan duration in seconds
	DuplicatesScanDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "sage",
			Subsystem: "duplicates",
			Name:      "scan_duration_seconds",
			Help:      "Duration of duplicate scans in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	)

	// DuplicatesGroupsFound tracks how many groups each scan returns
	DuplicatesGroupsFound = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "sage",
			Subsystem: "duplicates",
			Name:      "groups_found",
			Help:      "Number of duplicate groups returned per scan",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100},
		},
	)

	// RebuildProfilesWrittenTotal counts profiles written by rebuilds per phase
	RebuildProfilesWrittenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sage",
			Subsystem: "rebuild",
			Name:      "profiles_written_total",
			Help:      "Total number of profiles written by corpus rebuilds",
		},
		[]string{"phase"},
	)

	// RebuildRunsTotal tracks rebuild runs by status
	RebuildRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sage",
			Subsystem: "rebuild",
			Name:      "runs_total",
			Help:      "Total number of corpus rebuild runs by status",
		},
		[]string{"status"},
	)

	// KafkaMessagesPublished tracks messages published to Kafka
	KafkaMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sage",
			Subsystem: "kafka",
			Name:      "messages_published_total",
			Help:      "Total number of messages published to Kafka",
		},
		[]string{"topic", "status"},
	)

	// KafkaMessagesConsumed tracks messages consumed from Kafka
	KafkaMessagesConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sage",
			Subsystem: "kafka",
			Name:      "messages_consumed_total",
			Help:      "Total number of messages consumed from Kafka",
		},
		[]string{"event_type", "status"},
	)
)

// RecordSync records a sync outcome
func RecordSync(outcome string, durationSeconds float64) {
	SyncResultsTotal.WithLabelValues(outcome).Inc()
	SyncDuration.Observe(durationSeconds)
}

// RecordIdentifierConflict records a multi-profile match
func RecordIdentifierConflict() {
	IdentifierConflictsTotal.Inc()
}

// RecordMerge records a merge attempt
func RecordMerge(status string, absorbed int) {
	MergeTotal.WithLabelValues(status).Inc()
	if absorbed > 0 {
		MergeProfilesAbsorbedTotal.Add(float64(absorbed))
	}
}

// RecordDuplicateScan records a duplicate scan
func RecordDuplicateScan(durationSeconds float64, groups int) {
	DuplicatesScanDuration.Observe(durationSeconds)
	DuplicatesGroupsFound.Observe(float64(groups))
}

// RecordRebuildWrite records profiles written by a rebuild phase
func RecordRebuildWrite(phase string, count int) {
	RebuildProfilesWrittenTotal.WithLabelValues(phase).Add(float64(count))
}

// RecordRebuildRun records a finished rebuild run
func RecordRebuildRun(status string) {
	RebuildRunsTotal.WithLabelValues(status).Inc()
}

// RecordKafkaPublish records a Kafka publish operation
func RecordKafkaPublish(topic, status string) {
	KafkaMessagesPublished.WithLabelValues(topic, status).Inc()
}

// RecordKafkaConsume records a consumed Kafka message
func RecordKafkaConsume(eventType, status string) {
	KafkaMessagesConsumed.WithLabelValues(eventType, status).Inc()
}
