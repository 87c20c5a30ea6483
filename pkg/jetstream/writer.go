package jetstream

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/skylight-labs/jetstream-ingest/pkg/errors"
	"github.com/skylight-labs/jetstream-ingest/pkg/metrics"
	"github.com/skylight-labs/jetstream-ingest/pkg/models"
)

// BatchMetadata is the envelope attached to every flushed batch.
type BatchMetadata struct {
	FlushedAt   time.Time `json:"batch_timestamp"`
	BatchSize   int       `json:"batch_size"`
	Collections []string  `json:"collections"`
}

// Queue is the durable queue collaborator batches are flushed to. Append
// must write all items and the metadata envelope atomically enough that
// re-sending the same batch after a failure is an acceptable recovery
// strategy (at-least-once).
type Queue interface {
	Append(ctx context.Context, items [][]byte, meta BatchMetadata) error
	Len(ctx context.Context) (int64, error)
}

// BatchWriter accumulates extracted records and flushes them to the queue
// at a size threshold. A failed flush keeps the pending batch intact; the
// same batch is retried verbatim on the next trigger. One writer serves
// one session and is not safe for concurrent use.
type BatchWriter struct {
	queue       Queue
	queueName   string
	batchSize   int
	pending     []*models.Record
	collections func() []string
	log         *zap.Logger
	now         func() time.Time
}

// NewBatchWriter creates a writer flushing to queue every batchSize
// records. collections supplies the distinct collections seen so far for
// the flush envelope; nil means an empty envelope list.
func NewBatchWriter(queue Queue, queueName string, batchSize int, collections func() []string, log *zap.Logger) *BatchWriter {
	if collections == nil {
		collections = func() []string { return nil }
	}
	return &BatchWriter{
		queue:       queue,
		queueName:   queueName,
		batchSize:   batchSize,
		pending:     make([]*models.Record, 0, batchSize),
		collections: collections,
		log:         log,
		now:         time.Now,
	}
}

// Stage appends record to the pending batch and flushes synchronously
// when the batch threshold is reached. A flush failure is returned but
// the record is staged either way; the batch stays pending for retry.
func (w *BatchWriter) Stage(ctx context.Context, record *models.Record) error {
	w.pending = append(w.pending, record)
	metrics.PendingBatchSize.WithLabelValues(w.queueName).Set(float64(len(w.pending)))

	if len(w.pending) >= w.batchSize {
		return w.Flush(ctx)
	}
	return nil
}

// Flush attempts to append the entire pending batch plus its metadata
// envelope to the queue in one call. On success the batch is cleared; on
// failure it is retained verbatim for the next trigger. Duplicate
// delivery is possible if the queue partially committed before failing.
func (w *BatchWriter) Flush(ctx context.Context) error {
	if len(w.pending) == 0 {
		return nil
	}

	items := make([][]byte, 0, len(w.pending))
	for _, record := range w.pending {
		data, err := record.Serialize()
		if err != nil {
			// Serialization is deterministic, so this record would fail
			// on every retry. Drop it rather than wedge the batch.
			w.log.Error("dropping unserializable record",
				zap.String("did", record.DID),
				zap.String("cursor", record.Cursor.String()),
				zap.Error(err))
			continue
		}
		items = append(items, data)
	}

	meta := BatchMetadata{
		FlushedAt:   w.now(),
		BatchSize:   len(items),
		Collections: w.collections(),
	}

	timer := metrics.NewTimer()
	if err := w.queue.Append(ctx, items, meta); err != nil {
		metrics.BatchFlushes.WithLabelValues(w.queueName, "failure").Inc()
		metrics.FlushDuration.WithLabelValues(w.queueName, "failure").
			Observe(float64(timer.Stop().Nanoseconds()))
		w.log.Error("failed to append batch to queue, batch retained for retry",
			zap.Int("batch_size", len(items)),
			zap.String("queue_name", w.queueName),
			zap.Error(err))
		return errors.Wrap(err, errors.ErrorTypeQueue, "batch flush failed")
	}

	metrics.BatchFlushes.WithLabelValues(w.queueName, "success").Inc()
	metrics.FlushDuration.WithLabelValues(w.queueName, "success").
		Observe(float64(timer.Stop().Nanoseconds()))
	w.log.Info("appended batch to queue",
		zap.Int("batch_size", len(items)),
		zap.String("queue_name", w.queueName))

	w.pending = w.pending[:0]
	metrics.PendingBatchSize.WithLabelValues(w.queueName).Set(0)
	return nil
}

// FlushRemaining flushes whatever is pending at session end, including
// nothing. It exists so a partially filled batch is never silently
// dropped when a session finalizes.
func (w *BatchWriter) FlushRemaining(ctx context.Context) error {
	return w.Flush(ctx)
}

// Pending returns the number of records staged and not yet flushed.
func (w *BatchWriter) Pending() int {
	return len(w.pending)
}
