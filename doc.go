// Package jetstreamingest provides a bounded ingestion engine for the
// Bluesky Jetstream firehose: stream sessions that connect to a public
// instance, extract and validate events, and flush them in batches to a
// durable SQLite-backed queue.
//
// # Architecture
//
// One session is one Connector. A session is single-threaded and
// cooperative: receive, extract, stage, flush, then check the stop
// conditions and go again. Sessions stop on whichever triggers first:
//
//   - target count of stored records reached
//   - wall-clock budget exhausted
//   - end cursor reached (the triggering message is still stored)
//   - connection closed by the remote
//
// Batches are delivered at-least-once: a failed flush keeps the batch
// pending and retries it verbatim on the next trigger.
//
// # Quick Start
//
// Stream 5000 posts into the default queue:
//
//	import (
//	    "context"
//
//	    "github.com/skylight-labs/jetstream-ingest/pkg/config"
//	    "github.com/skylight-labs/jetstream-ingest/pkg/jetstream"
//	    "github.com/skylight-labs/jetstream-ingest/pkg/queue"
//	)
//
//	cfg := config.NewSessionConfig()
//	cfg.Instance = jetstream.DefaultInstance()
//	cfg.TargetCount = 5000
//
//	q, _ := queue.Open("./queues", cfg.QueueName)
//	defer q.Close()
//
//	stats, err := jetstream.NewConnector(cfg, q).Listen(context.Background())
//
// Historical runs over large identity sets go through pkg/backfill,
// which chunks the identities, runs one session per chunk, and writes a
// crash-safe CSV report row as each chunk finishes.
//
// # Key Packages
//
//	pkg/jetstream - connector, extractor, batch writer, stop conditions
//	pkg/queue     - durable SQLite-backed queue for flushed batches
//	pkg/backfill  - chunked historical runs with per-chunk reporting
//	pkg/config    - session and backfill configuration
//	pkg/models    - wire message, record, and cursor types
//	pkg/errors    - structured error handling
//	pkg/logger    - structured logging
//	pkg/metrics   - Prometheus metrics
package jetstreamingest
