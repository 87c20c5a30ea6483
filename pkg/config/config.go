// Package config provides the configuration structures for jetstream-ingest.
// It defines one SessionConfig used by every stream session and a
// BackfillConfig that wraps it for chunked historical runs.
//
// Example usage:
//
//	cfg := config.NewSessionConfig()
//	cfg.WantedCollections = []string{"app.bsky.feed.post"}
//	cfg.TargetCount = 5000
//
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"fmt"
	"time"
)

// DefaultQueueName is the durable queue used when none is configured.
const DefaultQueueName = "jetstream_sync"

// SessionConfig configures a single stream session: the subscription
// filters, the stopping budgets, and the queue hand-off parameters.
type SessionConfig struct {
	// Instance is the source service hostname. Must be on the public
	// instance allow-list.
	Instance string `yaml:"instance" json:"instance"`

	// WantedCollections restricts commit events to these collections.
	WantedCollections []string `yaml:"wanted_collections" json:"wanted_collections"`

	// WantedDIDs restricts events to these source identities. Empty means
	// all identities.
	WantedDIDs []string `yaml:"wanted_dids" json:"wanted_dids"`

	// Cursor is the starting position in microseconds since epoch.
	// Zero means tail from now.
	Cursor int64 `yaml:"cursor" json:"cursor"`

	// StartTimestamp is an alternative to Cursor, in YYYY-MM-DD or
	// YYYY-MM-DD-HH:MM:SS form. Ignored when Cursor is set.
	StartTimestamp string `yaml:"start_timestamp" json:"start_timestamp"`

	// EndTimestamp bounds the session. When set, the session stops after
	// staging the first message at or past the resolved end cursor.
	EndTimestamp string `yaml:"end_timestamp" json:"end_timestamp"`

	// TargetCount is the number of stored records that ends the session.
	TargetCount int `yaml:"target_count" json:"target_count"`

	// MaxTime is the wall-clock budget for the session.
	MaxTime time.Duration `yaml:"max_time" json:"max_time"`

	// QueueName selects the durable queue records are flushed to.
	QueueName string `yaml:"queue_name" json:"queue_name"`

	// BatchSize is the number of staged records that triggers a flush.
	BatchSize int `yaml:"batch_size" json:"batch_size"`

	// Compress requests a zstd-compressed stream from the source.
	Compress bool `yaml:"compress" json:"compress"`

	// ProgressInterval controls how often progress is logged, in stored
	// records. Zero disables progress logging.
	ProgressInterval int `yaml:"progress_interval" json:"progress_interval"`
}

// NewSessionConfig creates a SessionConfig with production defaults.
func NewSessionConfig() *SessionConfig {
	return &SessionConfig{
		WantedCollections: []string{"app.bsky.feed.post"},
		TargetCount:       1000,
		MaxTime:           5 * time.Minute,
		QueueName:         DefaultQueueName,
		BatchSize:         100,
		ProgressInterval:  100,
	}
}

// Validate validates the session configuration for correctness.
// Instance membership in the allow-list is checked by the connector,
// which owns the list.
func (c *SessionConfig) Validate() error {
	if c.Instance == "" {
		return fmt.Errorf("instance is required")
	}
	if len(c.WantedCollections) == 0 {
		return fmt.Errorf("at least one wanted collection is required")
	}
	if c.TargetCount <= 0 {
		return fmt.Errorf("target_count must be positive")
	}
	if c.MaxTime <= 0 {
		return fmt.Errorf("max_time must be positive")
	}
	if c.QueueName == "" {
		return fmt.Errorf("queue_name is required")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive")
	}
	if c.Cursor < 0 {
		return fmt.Errorf("cursor cannot be negative")
	}
	if c.ProgressInterval < 0 {
		return fmt.Errorf("progress_interval cannot be negative")
	}
	return nil
}

// BackfillConfig configures a chunked backfill run. Each chunk of
// identities is processed by one session derived from Session.
type BackfillConfig struct {
	// Session holds the per-chunk session parameters. WantedDIDs is
	// overwritten per chunk by the orchestrator.
	Session SessionConfig `yaml:"session" json:"session"`

	// ChunkSize is the number of identities per chunk.
	ChunkSize int `yaml:"chunk_size" json:"chunk_size"`

	// OutputDir is where the chunk report CSV is written.
	OutputDir string `yaml:"output_dir" json:"output_dir"`

	// DryRun logs the intended sessions without connecting.
	DryRun bool `yaml:"dry_run" json:"dry_run"`
}

// NewBackfillConfig creates a BackfillConfig with production defaults.
func NewBackfillConfig() *BackfillConfig {
	session := NewSessionConfig()
	session.TargetCount = 10000
	session.MaxTime = 15 * time.Minute
	return &BackfillConfig{
		Session:   *session,
		ChunkSize: 100,
		OutputDir: ".",
	}
}

// Validate validates the backfill configuration.
func (c *BackfillConfig) Validate() error {
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk_size must be positive")
	}
	if c.OutputDir == "" {
		return fmt.Errorf("output_dir is required")
	}
	return c.Session.Validate()
}
