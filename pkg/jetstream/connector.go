// Package jetstream implements the streaming ingestion engine: the
// persistent-connection client, per-message record extraction, adaptive
// batching with flush to a durable queue, and the multi-condition
// stopping state machine (target count, wall clock, end cursor,
// connection loss).
package jetstream

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/skylight-labs/jetstream-ingest/pkg/config"
	"github.com/skylight-labs/jetstream-ingest/pkg/errors"
	"github.com/skylight-labs/jetstream-ingest/pkg/logger"
	"github.com/skylight-labs/jetstream-ingest/pkg/metrics"
	"github.com/skylight-labs/jetstream-ingest/pkg/models"
)

// Clock supplies session time. Injected so time-bounded termination is
// testable without real sleeps.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Connector owns one stream session: the persistent connection, the
// receive loop, and per-message dispatch to the extractor and batch
// writer. Construct one Connector per session; it carries all session
// state explicitly and shares nothing across sessions.
//
// The session is single-threaded and cooperative: there is exactly one
// outstanding receive at a time, and extraction, staging, and flushing
// run to completion before the next receive. Stop conditions are checked
// once per loop iteration, so a slow receive can overrun the wall-clock
// budget by up to one message.
type Connector struct {
	cfg     *config.SessionConfig
	queue   Queue
	dialer  Dialer
	clock   Clock
	log     *zap.Logger
	decoder *zstd.Decoder
}

// Option configures a Connector.
type Option func(*Connector)

// WithDialer replaces the websocket dialer, used by tests to inject fake
// message sources.
func WithDialer(d Dialer) Option {
	return func(c *Connector) { c.dialer = d }
}

// WithClock replaces the session clock.
func WithClock(clock Clock) Option {
	return func(c *Connector) { c.clock = clock }
}

// WithLogger replaces the session logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *Connector) { c.log = log }
}

// NewConnector creates a connector for one session writing to queue.
func NewConnector(cfg *config.SessionConfig, queue Queue, opts ...Option) *Connector {
	c := &Connector{
		cfg:    cfg,
		queue:  queue,
		dialer: NewWebSocketDialer(),
		clock:  systemClock{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// sessionLogger builds the logger for one session unless one was
// injected. Identifiers carried on ctx (session ID, queue name, backfill
// chunk ID) ride on every line.
func (c *Connector) sessionLogger(ctx context.Context) *zap.Logger {
	if c.log != nil {
		return c.log
	}
	return logger.WithContext(ctx).With(
		zap.String("component", "jetstream-connector"),
		zap.String("instance", c.cfg.Instance))
}

// resolveParams validates caller input and resolves start and end
// cursors. Invalid input is fatal and propagated.
func (c *Connector) resolveParams() (SubscribeParams, models.Cursor, error) {
	if err := c.cfg.Validate(); err != nil {
		return SubscribeParams{}, 0, errors.Wrap(err, errors.ErrorTypeConfig,
			"invalid session configuration")
	}

	startCursor := models.Cursor(c.cfg.Cursor)
	if startCursor == 0 && c.cfg.StartTimestamp != "" {
		cursor, err := CursorFromTimestamp(c.cfg.StartTimestamp)
		if err != nil {
			return SubscribeParams{}, 0, err
		}
		startCursor = cursor
	}

	endCursor, err := CursorFromTimestamp(c.cfg.EndTimestamp)
	if err != nil {
		return SubscribeParams{}, 0, err
	}

	params := SubscribeParams{
		WantedCollections: c.cfg.WantedCollections,
		WantedDIDs:        c.cfg.WantedDIDs,
		Cursor:            startCursor,
		Compress:          c.cfg.Compress,
	}
	return params, endCursor, nil
}

// Listen consumes the firehose until a stop condition triggers: target
// count reached, wall-clock budget exhausted, end cursor reached, or the
// connection closed. It always returns SessionStats; the error is non-nil
// only when the session could not be established at all.
func (c *Connector) Listen(ctx context.Context) (*SessionStats, error) {
	c.log = c.sessionLogger(ctx)

	params, endCursor, err := c.resolveParams()
	if err != nil {
		return nil, err
	}

	uri, err := SubscribeURI(c.cfg.Instance, params)
	if err != nil {
		return nil, err
	}

	c.log.Info("connecting to firehose",
		zap.String("uri", uri),
		zap.Int("target_count", c.cfg.TargetCount),
		zap.Duration("max_time", c.cfg.MaxTime))

	source, err := c.dialer.Dial(ctx, uri)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := source.Close(); cerr != nil {
			c.log.Warn("failed to close message source", zap.Error(cerr))
		}
	}()

	if c.cfg.Compress {
		decoder, derr := zstd.NewReader(nil)
		if derr != nil {
			return nil, errors.Wrap(derr, errors.ErrorTypeInternal,
				"failed to initialize zstd decoder")
		}
		c.decoder = decoder
		defer decoder.Close()
	}

	extractor := NewExtractor()
	writer := NewBatchWriter(c.queue, c.cfg.QueueName, c.cfg.BatchSize,
		extractor.CollectionsSeen, c.log)

	var (
		startTime        = c.clock.Now()
		messagesReceived int64
		recordsStored    int64
		latestCursor     models.Cursor
		endCursorReached bool
	)

	for {
		// Stop conditions, checked once per iteration.
		if recordsStored >= int64(c.cfg.TargetCount) {
			break
		}
		if c.clock.Now().Sub(startTime) >= c.cfg.MaxTime {
			c.log.Info("wall-clock budget exhausted",
				zap.Int64("records_stored", recordsStored))
			break
		}
		if endCursorReached {
			break
		}

		data, rerr := source.ReadMessage(ctx)
		if rerr != nil {
			if stderrors.Is(rerr, ErrConnectionClosed) {
				c.log.Warn("connection closed by remote, finalizing session")
			} else {
				c.log.Error("error receiving message, finalizing session",
					zap.Error(rerr))
			}
			break
		}

		messagesReceived++
		metrics.MessagesReceived.WithLabelValues(c.cfg.Instance).Inc()

		if c.decoder != nil {
			decompressed, derr := c.decoder.DecodeAll(data, nil)
			if derr != nil {
				metrics.RecordsRejected.WithLabelValues(c.cfg.Instance, "unparseable").Inc()
				c.log.Error("failed to decompress message", zap.Error(derr))
				continue
			}
			data = decompressed
		}

		raw, perr := models.DecodeRawMessage(data)
		if perr != nil {
			metrics.RecordsRejected.WithLabelValues(c.cfg.Instance, "unparseable").Inc()
			c.log.Error("failed to parse message", zap.Error(perr))
			continue
		}

		if raw.TimeUS > 0 {
			latestCursor = raw.TimeUS
		}

		record, ok := extractor.Extract(raw)
		if !ok {
			metrics.RecordsRejected.WithLabelValues(c.cfg.Instance, "invalid").Inc()
			c.log.Warn("rejected message",
				zap.String("did", raw.DID),
				zap.String("kind", raw.Kind))
			continue
		}

		// Flush failures are recovered at the batch level: the batch is
		// retained inside the writer and retried on the next trigger.
		if serr := writer.Stage(ctx, record); serr != nil {
			c.log.Warn("stage triggered a failed flush, continuing",
				zap.Error(serr))
		}
		recordsStored++
		metrics.RecordsStored.WithLabelValues(c.cfg.Instance, string(record.Kind)).Inc()

		if c.cfg.ProgressInterval > 0 && recordsStored%int64(c.cfg.ProgressInterval) == 0 {
			elapsed := c.clock.Now().Sub(startTime)
			c.log.Info("progress",
				zap.Int64("records_stored", recordsStored),
				zap.Int("target_count", c.cfg.TargetCount),
				zap.Duration("elapsed", elapsed))
		}

		// The cutoff is detected, not predicted: the triggering message
		// was stored before the session finalizes.
		if endCursor > 0 && record.Cursor >= endCursor {
			endCursorReached = true
			c.log.Info("end cursor reached",
				zap.String("cursor", record.Cursor.String()),
				zap.String("end_cursor", endCursor.String()))
		}
	}

	return c.finalize(ctx, writer, extractor, sessionTotals{
		startTime:        startTime,
		messagesReceived: messagesReceived,
		recordsStored:    recordsStored,
		latestCursor:     latestCursor,
		endCursorReached: endCursorReached,
	}), nil
}

type sessionTotals struct {
	startTime        time.Time
	messagesReceived int64
	recordsStored    int64
	latestCursor     models.Cursor
	endCursorReached bool
}

// finalize flushes the remaining batch and assembles SessionStats. A
// failed final flush loses that batch from the queue even though it is
// reflected in RecordsStored; that asymmetry is the accepted cost of the
// at-least-once design and is surfaced in the log.
func (c *Connector) finalize(ctx context.Context, writer *BatchWriter, extractor *Extractor, totals sessionTotals) *SessionStats {
	pending := writer.Pending()
	if err := writer.FlushRemaining(ctx); err != nil {
		c.log.Error("final flush failed, records in the last batch were counted as stored but never reached the queue",
			zap.Int("lost_records", pending),
			zap.Error(err))
	}

	elapsed := c.clock.Now().Sub(totals.startTime)
	rate := 0.0
	if elapsed > 0 {
		rate = float64(totals.recordsStored) / elapsed.Seconds()
	}
	metrics.Throughput.WithLabelValues(c.cfg.Instance, c.cfg.QueueName).Set(rate)

	queueLength := int64(-1)
	if n, err := c.queue.Len(ctx); err == nil {
		queueLength = n
	} else {
		c.log.Warn("failed to read queue length", zap.Error(err))
	}

	stats := &SessionStats{
		MessagesReceived: totals.messagesReceived,
		RecordsStored:    totals.recordsStored,
		Collections:      extractor.CollectionsSeen(),
		Kinds:            extractor.KindsSeen(),
		Elapsed:          elapsed,
		RecordsPerSecond: rate,
		LatestCursor:     totals.latestCursor,
		TargetReached:    totals.recordsStored >= int64(c.cfg.TargetCount),
		EndCursorReached: totals.endCursorReached,
		QueueLength:      queueLength,
	}

	c.log.Info("session finalized",
		zap.Int64("messages_received", stats.MessagesReceived),
		zap.Int64("records_stored", stats.RecordsStored),
		zap.Duration("elapsed", stats.Elapsed),
		zap.Float64("records_per_second", stats.RecordsPerSecond),
		zap.Bool("target_reached", stats.TargetReached),
		zap.Bool("end_cursor_reached", stats.EndCursorReached),
		zap.Strings("collections", stats.Collections))

	return stats
}

// ReadOne connects, reads a single message, and disconnects. It is used
// to probe a subscription without starting a full session.
func (c *Connector) ReadOne(ctx context.Context) (*models.RawMessage, error) {
	params, _, err := c.resolveParams()
	if err != nil {
		return nil, err
	}

	uri, err := SubscribeURI(c.cfg.Instance, params)
	if err != nil {
		return nil, err
	}

	source, err := c.dialer.Dial(ctx, uri)
	if err != nil {
		return nil, err
	}
	defer func() { _ = source.Close() }()

	data, err := source.ReadMessage(ctx)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection,
			"failed to read message")
	}

	if c.cfg.Compress {
		decoder, derr := zstd.NewReader(nil)
		if derr != nil {
			return nil, errors.Wrap(derr, errors.ErrorTypeInternal,
				"failed to initialize zstd decoder")
		}
		defer decoder.Close()
		if data, err = decoder.DecodeAll(data, nil); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData,
				"failed to decompress message")
		}
	}

	raw, err := models.DecodeRawMessage(data)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData,
			"failed to parse message")
	}
	return raw, nil
}
