package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the engine and its workers.
type Metrics struct {
	// --- Engine operations ---
	OpsApplied     *prometheus.CounterVec
	OpsRejected    *prometheus.CounterVec
	OpDuration     *prometheus.HistogramVec
	EngineSequence prometheus.Gauge

	// --- Oracle / price ingestion ---
	PriceUpdates      *prometheus.CounterVec
	PriceUpdatesStale *prometheus.CounterVec
	PriceFeedAge      *prometheus.GaugeVec
	IngestLatency     *prometheus.HistogramVec

	// --- Channel & backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	ingestBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		OpsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dsc_ops_applied_total",
			Help: "Operations successfully applied by the engine",
		}, []string{"op"}),

		OpsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dsc_ops_rejected_total",
			Help: "Operations rejected (validation, health factor, transfer)",
		}, []string{"op", "reason"}),

		OpDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dsc_op_duration_seconds",
			Help:    "Time to apply a single engine operation",
			Buckets: latencyBuckets,
		}, []string{"op"}),

		EngineSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "dsc_engine_sequence",
			Help: "Current global event sequence number",
		}),

		PriceUpdates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dsc_price_updates_total",
			Help: "Price feed updates applied",
		}, []string{"asset"}),

		PriceUpdatesStale: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dsc_price_updates_rejected_total",
			Help: "Price feed updates rejected (stale sequence, malformed)",
		}, []string{"asset", "reason"}),

		PriceFeedAge: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dsc_price_feed_age_seconds",
			Help: "Age of the latest accepted price per asset",
		}, []string{"asset"}),

		IngestLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dsc_price_ingest_latency_seconds",
			Help:    "Time from NATS receipt to engine apply",
			Buckets: ingestBuckets,
		}, []string{"subject"}),

		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dsc_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dsc_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dsc_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dsc_publish_drops_total",
			Help: "Events dropped due to full publish channel",
		}),

		PersistBackpressure: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dsc_persist_backpressure_total",
			Help: "Times the engine blocked on the persist channel",
		}),

		PersistEventsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dsc_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistJournalsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dsc_persist_journals_written_total",
			Help: "Journal entries written to Postgres",
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "dsc_persist_batch_size",
			Help:    "Events per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "dsc_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dsc_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dsc_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "dsc_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		SnapshotTaken: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dsc_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "dsc_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotSizeBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "dsc_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "dsc_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dsc_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dsc_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		QueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dsc_query_errors_total",
			Help: "Query errors",
		}, []string{"endpoint", "code"}),
	}
}

// OpApplied satisfies the engine's metrics hook.
func (m *Metrics) OpApplied(op string, duration time.Duration) {
	m.OpsApplied.WithLabelValues(op).Inc()
	m.OpDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// OpRejected satisfies the engine's metrics hook.
func (m *Metrics) OpRejected(op, reason string) {
	m.OpsRejected.WithLabelValues(op, reason).Inc()
}

// SequenceAdvanced satisfies the engine's metrics hook.
func (m *Metrics) SequenceAdvanced(sequence int64) {
	m.EngineSequence.Set(float64(sequence))
}

// EventPublishDropped satisfies the engine's metrics hook.
func (m *Metrics) EventPublishDropped() {
	m.PublishDrops.Inc()
}

// PersistStalled satisfies the engine's metrics hook.
func (m *Metrics) PersistStalled() {
	m.PersistBackpressure.Inc()
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
