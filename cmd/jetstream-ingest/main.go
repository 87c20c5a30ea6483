package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/skylight-labs/jetstream-ingest/pkg/backfill"
	"github.com/skylight-labs/jetstream-ingest/pkg/config"
	"github.com/skylight-labs/jetstream-ingest/pkg/jetstream"
	"github.com/skylight-labs/jetstream-ingest/pkg/logger"
	"github.com/skylight-labs/jetstream-ingest/pkg/queue"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load() // Ignore error if .env doesn't exist

	var logLevel string

	root := &cobra.Command{
		Use:   "jetstream-ingest",
		Short: "Stream firehose events into a durable queue",
		Long: `jetstream-ingest consumes the Bluesky firehose through Jetstream and
hands records off to a durable queue in batches, either as a live tail or as a
chunked historical backfill.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return logger.Init(logger.Config{
				Level:    logLevel,
				Encoding: "json",
			})
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("jetstream-ingest v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "instances",
		Short: "List the allow-listed public instances",
		Run: func(cmd *cobra.Command, args []string) {
			for _, instance := range jetstream.PublicInstances() {
				fmt.Printf("  - %s\n", instance)
			}
		},
	})

	root.AddCommand(newStreamCmd())
	root.AddCommand(newPeekCmd())
	root.AddCommand(newBackfillCmd())
	root.AddCommand(newInitConfigCmd())

	err := root.Execute()
	_ = logger.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// sessionFlags binds the shared session flags onto a command.
func sessionFlags(cmd *cobra.Command, cfg *config.SessionConfig) {
	cmd.Flags().StringSliceVarP(&cfg.WantedCollections, "collection", "c", cfg.WantedCollections,
		"Collection types to include (repeatable)")
	cmd.Flags().StringSliceVarP(&cfg.WantedDIDs, "did", "d", nil,
		"Specific DIDs to include (repeatable)")
	cmd.Flags().StringVarP(&cfg.StartTimestamp, "start-timestamp", "s", "",
		"Start timestamp in YYYY-MM-DD or YYYY-MM-DD-HH:MM:SS form")
	cmd.Flags().Int64Var(&cfg.Cursor, "cursor", 0,
		"Starting cursor in microseconds since epoch (overrides --start-timestamp)")
	cmd.Flags().StringVarP(&cfg.Instance, "instance", "i", jetstream.DefaultInstance(),
		"Jetstream instance to connect to")
	cmd.Flags().StringVar(&cfg.QueueName, "queue-name", cfg.QueueName,
		"Name of the destination queue")
	cmd.Flags().IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize,
		"Number of records batched per queue insertion")
	cmd.Flags().BoolVar(&cfg.Compress, "compress", false,
		"Use zstd compression for the stream")
}

func newStreamCmd() *cobra.Command {
	cfg := config.NewSessionConfig()
	var configFile, queueDir string

	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Live-tail the firehose until a record count or time budget is exhausted",
		Long: `Connect to a Jetstream instance, subscribe to specific collections and
DIDs, and store the resulting records in a durable queue.

Examples:
  # Stream 1000 posts from the firehose
  jetstream-ingest stream

  # Stream 500 likes and follows starting from a specific date
  jetstream-ingest stream -c app.bsky.feed.like -c app.bsky.graph.follow -n 500 -s 2024-01-01

  # Stream posts from specific DIDs into a custom queue
  jetstream-ingest stream -d did:plc:abcdef123456 --queue-name custom_queue`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if configFile != "" {
				if err := config.LoadSessionConfig(configFile, cfg); err != nil {
					return err
				}
			} else if err := cfg.Validate(); err != nil {
				return err
			}
			return runStream(cmd.Context(), cfg, queueDir)
		},
	}

	sessionFlags(cmd, cfg)
	cmd.Flags().IntVarP(&cfg.TargetCount, "num-records", "n", cfg.TargetCount,
		"Number of records to collect")
	cmd.Flags().DurationVarP(&cfg.MaxTime, "max-time", "t", cfg.MaxTime,
		"Maximum time to run (e.g. 300s, 15m)")
	cmd.Flags().StringVarP(&cfg.EndTimestamp, "end-timestamp", "e", "",
		"Stop after reaching this timestamp (optional)")
	cmd.Flags().StringVar(&configFile, "config", "",
		"Path to a YAML session configuration file")
	cmd.Flags().StringVar(&queueDir, "queue-dir", defaultQueueDir(),
		"Directory holding the queue databases")
	return cmd
}

func runStream(ctx context.Context, cfg *config.SessionConfig, queueDir string) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sessionID := fmt.Sprintf("session-%d", time.Now().UnixMicro())
	ctx = context.WithValue(ctx, logger.SessionIDKey, sessionID)
	ctx = context.WithValue(ctx, logger.QueueNameKey, cfg.QueueName)

	q, err := queue.Open(queueDir, cfg.QueueName)
	if err != nil {
		return err
	}
	defer func() { _ = q.Close() }()

	log := logger.WithContext(ctx).With(zap.String("component", "jetstream-cli"))
	log.Info("starting stream session",
		zap.String("instance", cfg.Instance),
		zap.Strings("collections", cfg.WantedCollections),
		zap.Int("did_count", len(cfg.WantedDIDs)),
		zap.Int("target_count", cfg.TargetCount),
		zap.Duration("max_time", cfg.MaxTime),
		zap.Int("batch_size", cfg.BatchSize))

	stats, err := jetstream.NewConnector(cfg, q).Listen(ctx)
	if err != nil {
		return err
	}

	log.Info("ingestion complete",
		zap.Int64("records_stored", stats.RecordsStored),
		zap.Int64("messages_received", stats.MessagesReceived),
		zap.Strings("collections", stats.Collections),
		zap.Duration("elapsed", stats.Elapsed),
		zap.Float64("records_per_second", stats.RecordsPerSecond),
		zap.Int64("queue_length", stats.QueueLength))

	if stats.LatestCursor > 0 {
		log.Info("latest cursor, use it to resume from this point",
			zap.String("cursor", stats.LatestCursor.String()))
	}
	return nil
}

func newPeekCmd() *cobra.Command {
	cfg := config.NewSessionConfig()

	cmd := &cobra.Command{
		Use:   "peek",
		Short: "Fetch a single message from the firehose and print it",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := jetstream.NewConnector(cfg, nopQueue{}).ReadOne(cmd.Context())
			if err != nil {
				return err
			}
			out, err := gojson.MarshalIndent(raw, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}

	sessionFlags(cmd, cfg)
	return cmd
}

// nopQueue satisfies the queue dependency for commands that never flush.
type nopQueue struct{}

func (nopQueue) Append(context.Context, [][]byte, jetstream.BatchMetadata) error {
	return nil
}
func (nopQueue) Len(context.Context) (int64, error) { return 0, nil }

func newBackfillCmd() *cobra.Command {
	cfg := config.NewBackfillConfig()
	var didsFile, queueDir string

	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Replay a historical window for a set of identities, in chunks",
		Long: `Load source identities from a file, split them into chunks, and run one
bounded session per chunk. Results are appended to a CSV report as each
chunk finishes, so a crash never loses completed chunk results.

Examples:
  # Backfill posts for all identities in dids.txt since a date
  jetstream-ingest backfill --dids-file dids.txt -s 2024-09-28

  # See what would run, without connecting
  jetstream-ingest backfill --dids-file dids.txt --dry-run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runBackfill(cmd.Context(), cfg, didsFile, queueDir)
		},
	}

	sessionFlags(cmd, &cfg.Session)
	cmd.Flags().StringVar(&didsFile, "dids-file", "",
		"Path to a file with one DID per line (required)")
	_ = cmd.MarkFlagRequired("dids-file")
	cmd.Flags().IntVar(&cfg.ChunkSize, "chunk-size", cfg.ChunkSize,
		"Number of DIDs to process per session")
	cmd.Flags().IntVarP(&cfg.Session.TargetCount, "num-records", "n", cfg.Session.TargetCount,
		"Number of records to collect per chunk")
	cmd.Flags().DurationVarP(&cfg.Session.MaxTime, "max-time", "t", cfg.Session.MaxTime,
		"Maximum time per chunk session")
	cmd.Flags().StringVarP(&cfg.Session.EndTimestamp, "end-timestamp", "e", "",
		"Stop each chunk after reaching this timestamp (optional)")
	cmd.Flags().StringVar(&cfg.OutputDir, "output-dir", cfg.OutputDir,
		"Directory for the chunk report CSV")
	cmd.Flags().BoolVar(&cfg.DryRun, "dry-run", false,
		"Log the intended sessions without connecting")
	cmd.Flags().StringVar(&queueDir, "queue-dir", defaultQueueDir(),
		"Directory holding the queue databases")
	return cmd
}

func runBackfill(ctx context.Context, cfg *config.BackfillConfig, didsFile, queueDir string) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dids, err := loadDIDs(didsFile)
	if err != nil {
		return err
	}

	log := logger.With(zap.String("component", "backfill-cli"))
	log.Info("loaded identities", zap.Int("did_count", len(dids)), zap.String("dids_file", didsFile))

	var runner backfill.SessionRunner
	if cfg.DryRun {
		runner = backfill.NewConnectorRunner(nil)
	} else {
		q, qerr := queue.Open(queueDir, cfg.Session.QueueName)
		if qerr != nil {
			return qerr
		}
		defer func() { _ = q.Close() }()
		runner = backfill.NewConnectorRunner(q)
	}

	reportPath := filepath.Join(cfg.OutputDir,
		fmt.Sprintf("backfill_report_%s.csv", time.Now().UTC().Format("2006-01-02-15-04-05")))
	sink, err := backfill.NewCSVReport(reportPath)
	if err != nil {
		return err
	}
	defer func() { _ = sink.Close() }()

	summary, err := backfill.NewOrchestrator(cfg, runner, sink).Run(ctx, dids)
	if err != nil {
		return err
	}

	log.Info("backfill complete",
		zap.Int("chunks", summary.Chunks),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("dry_run", summary.DryRun),
		zap.Int64("records_stored", summary.RecordsStored),
		zap.String("report", reportPath))
	return nil
}

func newInitConfigCmd() *cobra.Command {
	cfg := config.NewSessionConfig()
	var output string

	cmd := &cobra.Command{
		Use:   "init-config",
		Short: "Write a session configuration file to edit and reuse with --config",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Save(output, cfg); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", output)
			return nil
		},
	}

	sessionFlags(cmd, cfg)
	cmd.Flags().IntVarP(&cfg.TargetCount, "num-records", "n", cfg.TargetCount,
		"Number of records to collect")
	cmd.Flags().DurationVarP(&cfg.MaxTime, "max-time", "t", cfg.MaxTime,
		"Maximum time to run (e.g. 300s, 15m)")
	cmd.Flags().StringVarP(&output, "output", "o", "jetstream.yaml",
		"Path of the configuration file to write")
	return cmd
}

// loadDIDs reads one identity per line; blank lines and #-comments are
// skipped.
func loadDIDs(path string) ([]string, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is a caller-provided input file
	if err != nil {
		return nil, fmt.Errorf("failed to read dids file: %w", err)
	}

	var dids []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		dids = append(dids, line)
	}
	if len(dids) == 0 {
		return nil, fmt.Errorf("no DIDs found in %s", path)
	}
	return dids, nil
}

func defaultQueueDir() string {
	if dir := os.Getenv("JETSTREAM_QUEUE_DIR"); dir != "" {
		return dir
	}
	return filepath.Join(".", "queues")
}
