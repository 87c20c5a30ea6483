// Package metrics provides Prometheus metrics for the ingestion engine.
// Metrics are labeled by source instance and destination queue so that
// concurrent backfill runs against different queues stay distinguishable.
//
// Example:
//
//	metrics.MessagesReceived.WithLabelValues(instance).Inc()
//
//	timer := metrics.NewTimer()
//	flush(batch)
//	metrics.FlushDuration.WithLabelValues(queueName, "success").
//	    Observe(float64(timer.Stop().Nanoseconds()))
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesReceived counts every frame taken off the connection,
	// including ones later rejected or skipped as undecodable.
	// Labels: instance
	MessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jetstream_messages_received_total",
			Help: "Total number of firehose messages received",
		},
		[]string{"instance"},
	)

	// RecordsStored counts records accepted by the extractor and staged
	// for queue hand-off.
	// Labels: instance, kind
	RecordsStored = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jetstream_records_stored_total",
			Help: "Total number of records extracted and staged",
		},
		[]string{"instance", "kind"},
	)

	// RecordsRejected counts messages dropped by the extractor: missing
	// required fields, unknown kind, or undecodable payloads.
	// Labels: instance, reason (invalid/unparseable)
	RecordsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jetstream_records_rejected_total",
			Help: "Total number of messages rejected before staging",
		},
		[]string{"instance", "reason"},
	)

	// BatchFlushes counts flush attempts against the durable queue.
	// Labels: queue_name, status (success/failure)
	BatchFlushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jetstream_batch_flushes_total",
			Help: "Total number of batch flush attempts",
		},
		[]string{"queue_name", "status"},
	)

	// FlushDuration tracks flush latency in nanoseconds.
	// Labels: queue_name, status
	FlushDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "jetstream_flush_duration_nanoseconds",
			Help: "Batch flush latency in nanoseconds",
			Buckets: []float64{
				1e5,  // 100μs
				1e6,  // 1ms
				1e7,  // 10ms
				1e8,  // 100ms
				1e9,  // 1s
				1e10, // 10s
			},
		},
		[]string{"queue_name", "status"},
	)

	// PendingBatchSize tracks the number of records currently staged and
	// awaiting flush.
	// Labels: queue_name
	PendingBatchSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jetstream_pending_batch_size",
			Help: "Records currently staged and awaiting flush",
		},
		[]string{"queue_name"},
	)

	// Throughput tracks stored records per second for the active session.
	// Labels: instance, queue_name
	Throughput = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jetstream_throughput_records_per_second",
			Help: "Current session throughput in records per second",
		},
		[]string{"instance", "queue_name"},
	)
)

// Timer provides a simple timing mechanism for measuring operation durations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer and starts timing immediately.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Stop returns the elapsed time since the timer was created.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}
