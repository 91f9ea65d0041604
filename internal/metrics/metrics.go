// Package metrics exposes the pipeline's Prometheus series. Labels are kept
// to fixed, low-cardinality sets: log level, operation name, outcome, and
// lease-age threshold.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// IngestRecords counts records admitted by the ingest API, by level.
	IngestRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "siftlog_ingest_records_total",
			Help: "Records accepted by the ingest API.",
		},
		[]string{"level"},
	)

	// QueueAppends counts stream appends by outcome (ok / error).
	QueueAppends = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "siftlog_queue_appends_total",
			Help: "Stream append attempts by outcome.",
		},
		[]string{"outcome"},
	)

	// QueueLength gauges the stream length as last observed.
	QueueLength = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "siftlog_queue_stream_length",
			Help: "Entries currently in the log stream.",
		},
	)

	// WorkerRecords counts records leaving the worker by outcome:
	// inserted, duplicate, deadletter.
	WorkerRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "siftlog_worker_records_total",
			Help: "Records processed by workers, by outcome.",
		},
		[]string{"outcome"},
	)

	// WorkerBatchSize observes delivered batch sizes.
	WorkerBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "siftlog_worker_batch_size",
			Help:    "Number of records per delivered batch.",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
	)

	// WorkerBatchRetries counts batch-level transient retries.
	WorkerBatchRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "siftlog_worker_batch_retries_total",
			Help: "Transient batch insert retries.",
		},
	)

	// DBOpDuration observes store operation latency by op
	// (batch_insert, query_recent, count).
	DBOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "siftlog_db_op_duration_seconds",
			Help:    "Duration of store operations.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// PoolAcquireDuration observes session acquisition latency.
	PoolAcquireDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "siftlog_db_pool_acquire_duration_seconds",
			Help:    "Duration of connection pool acquisitions.",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5, 30},
		},
	)

	// PoolInUse / PoolIdle / PoolMax gauge the pool state.
	PoolInUse = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "siftlog_db_pool_in_use",
		Help: "Sessions currently leased from the pool.",
	})
	PoolIdle = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "siftlog_db_pool_idle",
		Help: "Idle sessions in the pool.",
	})
	PoolMax = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "siftlog_db_pool_max",
		Help: "Configured pool ceiling (size + overflow).",
	})

	// PoolLongHeld gauges sessions held longer than each configured
	// threshold, labeled by threshold in seconds.
	PoolLongHeld = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "siftlog_db_pool_long_held_sessions",
			Help: "Sessions held longer than the labeled threshold.",
		},
		[]string{"threshold_seconds"},
	)

	// PoolLeaks counts leases that crossed the largest threshold.
	PoolLeaks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "siftlog_db_pool_leaks_total",
			Help: "Leases held past the final leak threshold.",
		},
	)

	// CacheLookups counts cache reads by result (hit / miss / error).
	CacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "siftlog_cache_lookups_total",
			Help: "Cache lookups by result.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(
		IngestRecords,
		QueueAppends,
		QueueLength,
		WorkerRecords,
		WorkerBatchSize,
		WorkerBatchRetries,
		DBOpDuration,
		PoolAcquireDuration,
		PoolInUse,
		PoolIdle,
		PoolMax,
		PoolLongHeld,
		PoolLeaks,
		CacheLookups,
	)
}
