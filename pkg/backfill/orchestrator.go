// Package backfill drives bounded historical replays of the firehose:
// it partitions source identities into chunks, runs one stream session
// per chunk, and records one crash-safe report row per chunk.
package backfill

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/skylight-labs/jetstream-ingest/pkg/config"
	"github.com/skylight-labs/jetstream-ingest/pkg/jetstream"
	"github.com/skylight-labs/jetstream-ingest/pkg/logger"
)

// SessionRunner runs one stream session with the given configuration.
// The orchestrator depends on this narrow interface so tests can run
// chunks without sockets.
type SessionRunner interface {
	Run(ctx context.Context, cfg *config.SessionConfig) (*jetstream.SessionStats, error)
}

// ConnectorRunner runs sessions on a fresh connector per chunk, all
// flushing to the same durable queue.
type ConnectorRunner struct {
	queue jetstream.Queue
}

// NewConnectorRunner creates the default session runner.
func NewConnectorRunner(queue jetstream.Queue) *ConnectorRunner {
	return &ConnectorRunner{queue: queue}
}

// Run executes one session to completion. The queue name rides on the
// context so session log lines carry it alongside the chunk ID.
func (r *ConnectorRunner) Run(ctx context.Context, cfg *config.SessionConfig) (*jetstream.SessionStats, error) {
	ctx = context.WithValue(ctx, logger.QueueNameKey, cfg.QueueName)
	return jetstream.NewConnector(cfg, r.queue).Listen(ctx)
}

// Summary aggregates the outcome of a backfill run.
type Summary struct {
	Chunks        int
	Succeeded     int
	Failed        int
	DryRun        int
	RecordsStored int64
}

// Orchestrator processes identity chunks strictly sequentially. A failed
// chunk is recorded and never aborts the run; the report row for each
// chunk is persisted as soon as the chunk finishes.
type Orchestrator struct {
	cfg    *config.BackfillConfig
	runner SessionRunner
	sink   ReportSink
	clock  jetstream.Clock
	log    *zap.Logger
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithClock replaces the orchestrator clock, used in tests.
func WithClock(clock jetstream.Clock) OrchestratorOption {
	return func(o *Orchestrator) { o.clock = clock }
}

// WithLogger replaces the orchestrator logger.
func WithLogger(log *zap.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.log = log }
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// NewOrchestrator creates an orchestrator writing chunk rows to sink.
func NewOrchestrator(cfg *config.BackfillConfig, runner SessionRunner, sink ReportSink, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		cfg:    cfg,
		runner: runner,
		sink:   sink,
		clock:  systemClock{},
		log: logger.With(
			zap.String("component", "backfill-orchestrator"),
			zap.String("queue_name", cfg.Session.QueueName)),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run partitions dids into chunks and processes them in input order.
// The returned summary covers every chunk, including failed ones.
func (o *Orchestrator) Run(ctx context.Context, dids []string) (*Summary, error) {
	if err := o.cfg.Validate(); err != nil {
		return nil, err
	}

	chunks := ChunkList(dids, o.cfg.ChunkSize)
	o.log.Info("starting backfill run",
		zap.Int("did_count", len(dids)),
		zap.Int("chunk_size", o.cfg.ChunkSize),
		zap.Int("chunk_count", len(chunks)),
		zap.Bool("dry_run", o.cfg.DryRun))

	summary := &Summary{Chunks: len(chunks)}
	for i, chunk := range chunks {
		row := o.runChunk(ctx, i+1, chunk)

		switch {
		case row.Status == StatusSuccess:
			summary.Succeeded++
			summary.RecordsStored += row.RecordsStored
		case row.Status == StatusDryRun:
			summary.DryRun++
		default:
			summary.Failed++
		}

		if err := o.sink.WriteRow(row); err != nil {
			// Losing the report sink loses crash-safety for every later
			// chunk, so this one failure does abort the run.
			return summary, err
		}
	}

	o.log.Info("backfill run complete",
		zap.Int("chunks", summary.Chunks),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("dry_run", summary.DryRun),
		zap.Int64("records_stored", summary.RecordsStored))
	return summary, nil
}

// runChunk executes one chunk and builds its report row. Session
// failures of any shape are captured in the row status.
func (o *Orchestrator) runChunk(ctx context.Context, chunkID int, dids []string) *ChunkReport {
	sessionCfg := o.cfg.Session
	sessionCfg.WantedDIDs = dids

	row := &ChunkReport{
		ChunkID:        chunkID,
		StartTime:      o.clock.Now(),
		DIDCount:       len(dids),
		DIDs:           dids,
		Collections:    sessionCfg.WantedCollections,
		StartTimestamp: sessionCfg.StartTimestamp,
		EndTimestamp:   sessionCfg.EndTimestamp,
		TargetCount:    sessionCfg.TargetCount,
		MaxTime:        sessionCfg.MaxTime,
		QueueName:      sessionCfg.QueueName,
	}

	log := o.log.With(zap.Int("chunk_id", chunkID), zap.Int("did_count", len(dids)))

	if o.cfg.DryRun {
		log.Info("dry run, skipping session",
			zap.Strings("collections", sessionCfg.WantedCollections),
			zap.Int("target_count", sessionCfg.TargetCount),
			zap.Duration("max_time", sessionCfg.MaxTime))
		row.EndTime = row.StartTime
		row.Status = StatusDryRun
		return row
	}

	log.Info("processing chunk")
	ctx = context.WithValue(ctx, logger.ChunkIDKey, chunkID)
	stats, err := o.runSession(ctx, &sessionCfg)
	row.EndTime = o.clock.Now()
	row.Duration = row.EndTime.Sub(row.StartTime)

	if err != nil {
		log.Error("chunk failed", zap.Error(err))
		row.Status = fmt.Sprintf("ERROR: %v", err)
		return row
	}

	row.RecordsStored = stats.RecordsStored
	row.LatestCursor = stats.LatestCursor
	row.EndCursorReached = stats.EndCursorReached
	row.Status = StatusSuccess

	log.Info("chunk complete",
		zap.Int64("records_stored", stats.RecordsStored),
		zap.Duration("duration", row.Duration),
		zap.Bool("end_cursor_reached", stats.EndCursorReached))
	return row
}

// runSession isolates chunk execution: a panicking session is converted
// into an error so one bad chunk never aborts the run.
func (o *Orchestrator) runSession(ctx context.Context, cfg *config.SessionConfig) (stats *jetstream.SessionStats, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("session panicked: %v", r)
		}
	}()
	return o.runner.Run(ctx, cfg)
}
