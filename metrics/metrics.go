package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_events_consumed_total",
			Help: "Total number of raw events consumed from the input queue",
		},
		[]string{"source"},
	)

	EventsNormalized = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_events_normalized_total",
			Help: "Total number of events normalized into the canonical schema",
		},
		[]string{"event_type"},
	)

	EventsQuarantined = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_events_quarantined_total",
			Help: "Total number of raw events routed to the quarantine sink",
		},
		[]string{"reason"},
	)

	EnrichmentLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_enrichment_lookups_total",
			Help: "Enrichment lookups by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	AlertsTriggered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_alerts_triggered_total",
			Help: "Total number of alerts emitted by the correlation engine",
		},
		[]string{"rule_type"},
	)

	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_notifications_sent_total",
			Help: "Notification delivery attempts by channel and status",
		},
		[]string{"channel", "status"},
	)

	PartitionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_partition_transitions_total",
			Help: "Partition lifecycle transitions performed by the retention manager",
		},
		[]string{"action"},
	)

	EventProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "argus_event_processing_duration_seconds",
			Help:    "Time taken to normalize, enrich and persist one event",
			Buckets: prometheus.DefBuckets,
		},
	)

	QueueRedeliveries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "argus_queue_redeliveries_total",
			Help: "Raw events re-delivered after a missing acknowledgement",
		},
	)

	StorageWriteRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_storage_write_retries_total",
			Help: "Storage write retries by backend",
		},
		[]string{"backend"},
	)

	WorkerPoolActiveWorkers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "argus_worker_pool_active_workers",
			Help: "Number of active workers per pool",
		},
		[]string{"pool"},
	)

	WorkerPoolQueueSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "argus_worker_pool_queue_size",
			Help: "Number of queued tasks per pool",
		},
		[]string{"pool"},
	)

	WorkerPoolTasksProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_worker_pool_tasks_processed_total",
			Help: "Total number of tasks processed per pool",
		},
		[]string{"pool"},
	)

	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_cache_hits_total",
			Help: "Cache hits by cache name",
		},
		[]string{"cache"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_cache_misses_total",
			Help: "Cache misses by cache name",
		},
		[]string{"cache"},
	)

	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_cache_errors_total",
			Help: "Cache errors by cache name and operation",
		},
		[]string{"cache", "operation"},
	)
)
