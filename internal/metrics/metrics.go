// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PipelinePersistedTotal counts samples durably written by a pipeline.
	PipelinePersistedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "otus_pipeline_persisted_total",
			Help: "Total number of telemetry samples persisted by a pipeline",
		},
		[]string{"pipeline"},
	)

	// PipelineOverflowTotal counts samples dropped by a pipeline's overflow
	// policy or exported after exhausting persistence retries.
	PipelineOverflowTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "otus_pipeline_overflow_total",
			Help: "Total number of telemetry samples dropped or exported to overflow by a pipeline",
		},
		[]string{"pipeline"},
	)

	// PipelineQueueDepth tracks the current (non-authoritative) queue depth.
	PipelineQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "otus_pipeline_queue_depth",
			Help: "Current depth of a pipeline's bounded queue",
		},
		[]string{"pipeline"},
	)

	// DispatcherQueueDepth tracks per-sink queue depth in the fan-out
	// dispatcher.
	DispatcherQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "otus_dispatcher_queue_depth",
			Help: "Current depth of a dispatcher sink's bounded queue",
		},
		[]string{"sink"},
	)

	// DispatcherDroppedTotal counts samples a sink's own overflow policy
	// discarded, isolated from every other sink (spec.md §4.2).
	DispatcherDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "otus_dispatcher_dropped_total",
			Help: "Total number of samples dropped by a dispatcher sink's overflow policy",
		},
		[]string{"sink"},
	)

	// CollectorStatus tracks a collector's current lifecycle state as a
	// numeric gauge (see the CollectorStatusValue constants below).
	CollectorStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "otus_collector_status",
			Help: "Current lifecycle status of a collector (0=disconnected, 1=connecting, 2=connected, 3=reconnecting, 4=stopped)",
		},
		[]string{"device"},
	)

	// CollectorReconnectsTotal counts reconnect attempts per device.
	CollectorReconnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "otus_collector_reconnects_total",
			Help: "Total number of reconnect attempts made by a collector",
		},
		[]string{"device"},
	)

	// AlarmEvaluationsTotal counts rule evaluations performed by the alarm
	// engine.
	AlarmEvaluationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "otus_alarm_evaluations_total",
			Help: "Total number of alarm rule evaluations",
		},
		[]string{"rule"},
	)

	// AlarmTransitionsTotal counts alarm open/ack/close transitions.
	AlarmTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "otus_alarm_transitions_total",
			Help: "Total number of alarm status transitions",
		},
		[]string{"rule", "transition"},
	)

	// AlarmsOpen tracks the current number of open alarms per rule.
	AlarmsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "otus_alarms_open",
			Help: "Current number of open alarms for a rule",
		},
		[]string{"rule"},
	)

	// CollectionSegmentsTotal counts collection-rule segments by terminal
	// status (Completed/Aborted).
	CollectionSegmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "otus_collection_segments_total",
			Help: "Total number of collection segments finalized, by status",
		},
		[]string{"rule", "status"},
	)

	// CollectionRuleState tracks a collection rule's current state machine
	// phase (0=idle, 1=collecting, 2=postbuffer).
	CollectionRuleState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "otus_collection_rule_state",
			Help: "Current state machine phase of a collection rule",
		},
		[]string{"rule"},
	)

	// AggregationJobDurationSeconds measures rollup job wall time.
	AggregationJobDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "otus_aggregation_job_duration_seconds",
			Help:    "Duration of an aggregation rollup job run",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"table"},
	)

	// AggregationRowsWrittenTotal counts rollup rows written per table.
	AggregationRowsWrittenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "otus_aggregation_rows_written_total",
			Help: "Total number of aggregate rows written by a rollup job",
		},
		[]string{"table"},
	)

	// AggregationRowsPrunedTotal counts raw/aggregate rows pruned by
	// retention, guarded by the watermark invariant (spec.md §4.7).
	AggregationRowsPrunedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "otus_aggregation_rows_pruned_total",
			Help: "Total number of rows pruned by retention",
		},
		[]string{"table"},
	)

	// ConfigRevisionCurrent tracks the last config revision applied by the
	// watcher.
	ConfigRevisionCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "otus_config_revision_current",
			Help: "Last config revision number observed and applied",
		},
	)

	// ConfigReloadErrorsTotal counts callback failures during a config
	// reload cycle. A single callback's failure does not abort the others
	// (spec.md §4.6).
	ConfigReloadErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "otus_config_reload_errors_total",
			Help: "Total number of config reload callback errors",
		},
		[]string{"callback"},
	)
)

// CollectorStatusValue represents collector lifecycle state as a numeric
// value for Prometheus gauge.
const (
	CollectorStatusDisconnected = 0
	CollectorStatusConnecting   = 1
	CollectorStatusConnected    = 2
	CollectorStatusReconnecting = 3
	CollectorStatusStopped      = 4
)

// CollectionRuleStateValue represents a collection rule's state machine
// phase as a numeric value for Prometheus gauge.
const (
	CollectionRuleStateIdle       = 0
	CollectionRuleStateCollecting = 1
	CollectionRuleStatePostBuffer = 2
)
