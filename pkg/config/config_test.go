package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skylight-labs/jetstream-ingest/pkg/errors"
)

func validSessionConfig() *SessionConfig {
	cfg := NewSessionConfig()
	cfg.Instance = "jetstream1.us-east.bsky.network"
	return cfg
}

func TestNewSessionConfigDefaults(t *testing.T) {
	cfg := NewSessionConfig()
	assert.Equal(t, []string{"app.bsky.feed.post"}, cfg.WantedCollections)
	assert.Equal(t, 1000, cfg.TargetCount)
	assert.Equal(t, 5*time.Minute, cfg.MaxTime)
	assert.Equal(t, DefaultQueueName, cfg.QueueName)
	assert.Equal(t, 100, cfg.BatchSize)
	assert.Equal(t, 100, cfg.ProgressInterval)
	assert.False(t, cfg.Compress)
}

func TestSessionConfigValidate(t *testing.T) {
	require.NoError(t, validSessionConfig().Validate())

	cases := map[string]func(*SessionConfig){
		"missing instance":   func(c *SessionConfig) { c.Instance = "" },
		"no collections":     func(c *SessionConfig) { c.WantedCollections = nil },
		"zero target":        func(c *SessionConfig) { c.TargetCount = 0 },
		"negative target":    func(c *SessionConfig) { c.TargetCount = -1 },
		"zero max time":      func(c *SessionConfig) { c.MaxTime = 0 },
		"missing queue name": func(c *SessionConfig) { c.QueueName = "" },
		"zero batch size":    func(c *SessionConfig) { c.BatchSize = 0 },
		"negative cursor":    func(c *SessionConfig) { c.Cursor = -1 },
		"negative progress":  func(c *SessionConfig) { c.ProgressInterval = -1 },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := validSessionConfig()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestNewBackfillConfigDefaults(t *testing.T) {
	cfg := NewBackfillConfig()
	assert.Equal(t, 100, cfg.ChunkSize)
	assert.Equal(t, ".", cfg.OutputDir)
	assert.Equal(t, 10000, cfg.Session.TargetCount)
	assert.Equal(t, 15*time.Minute, cfg.Session.MaxTime)
	assert.False(t, cfg.DryRun)
}

func TestBackfillConfigValidate(t *testing.T) {
	cfg := NewBackfillConfig()
	cfg.Session.Instance = "jetstream1.us-east.bsky.network"
	require.NoError(t, cfg.Validate())

	cfg.ChunkSize = 0
	assert.Error(t, cfg.Validate())

	cfg.ChunkSize = 100
	cfg.OutputDir = ""
	assert.Error(t, cfg.Validate())

	cfg.OutputDir = "."
	cfg.Session.Instance = ""
	assert.Error(t, cfg.Validate())
}

func TestLoadSessionConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.yaml")

	saved := validSessionConfig()
	saved.WantedCollections = []string{"app.bsky.feed.post", "app.bsky.feed.like"}
	saved.WantedDIDs = []string{"did:plc:alice"}
	saved.TargetCount = 250
	require.NoError(t, Save(path, saved))

	loaded := NewSessionConfig()
	require.NoError(t, LoadSessionConfig(path, loaded))
	assert.Equal(t, saved.WantedCollections, loaded.WantedCollections)
	assert.Equal(t, saved.WantedDIDs, loaded.WantedDIDs)
	assert.Equal(t, saved.TargetCount, loaded.TargetCount)
	assert.Equal(t, saved.Instance, loaded.Instance)
	assert.Equal(t, saved.MaxTime, loaded.MaxTime)
}

func TestLoadSessionConfigOverlaysDefaults(t *testing.T) {
	t.Setenv("TEST_QUEUE_NAME", "env_queue")

	path := filepath.Join(t.TempDir(), "session.yaml")
	content := "instance: jetstream1.us-east.bsky.network\nqueue_name: ${TEST_QUEUE_NAME}\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	loaded := NewSessionConfig()
	require.NoError(t, LoadSessionConfig(path, loaded))

	// File fields land, ${ENV} references are substituted, and fields the
	// file omits keep their defaults.
	assert.Equal(t, "jetstream1.us-east.bsky.network", loaded.Instance)
	assert.Equal(t, "env_queue", loaded.QueueName)
	assert.Equal(t, 1000, loaded.TargetCount)
	assert.Equal(t, 100, loaded.BatchSize)
}

func TestLoadSessionConfigRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.yaml")
	content := "instance: jetstream1.us-east.bsky.network\nbatch_size: -1\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	err := LoadSessionConfig(path, NewSessionConfig())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestLoadSessionConfigMissingFile(t *testing.T) {
	err := LoadSessionConfig(filepath.Join(t.TempDir(), "absent.yaml"), NewSessionConfig())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestLoadBackfillConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backfill.yaml")
	content := "session:\n  instance: jetstream1.us-east.bsky.network\nchunk_size: 25\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	loaded := NewBackfillConfig()
	require.NoError(t, LoadBackfillConfig(path, loaded))
	assert.Equal(t, 25, loaded.ChunkSize)
	assert.Equal(t, "jetstream1.us-east.bsky.network", loaded.Session.Instance)

	loaded.ChunkSize = 0
	require.NoError(t, Save(path, loaded))
	assert.Error(t, LoadBackfillConfig(path, NewBackfillConfig()))
}
