package backfill

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/skylight-labs/jetstream-ingest/pkg/errors"
	"github.com/skylight-labs/jetstream-ingest/pkg/models"
)

// Chunk terminal statuses. Errors are reported as "ERROR: <detail>".
const (
	StatusSuccess = "SUCCESS"
	StatusDryRun  = "DRY_RUN"
)

// ChunkReport is one report row describing a processed identity chunk:
// its input parameters, timing, and the resulting session stats.
type ChunkReport struct {
	ChunkID          int
	StartTime        time.Time
	EndTime          time.Time
	Duration         time.Duration
	DIDCount         int
	DIDs             []string
	Collections      []string
	StartTimestamp   string
	EndTimestamp     string
	TargetCount      int
	MaxTime          time.Duration
	QueueName        string
	RecordsStored    int64
	LatestCursor     models.Cursor
	EndCursorReached bool
	Status           string
}

// reportColumns is the fixed CSV column set, one row per chunk.
var reportColumns = []string{
	"chunk_id",
	"start_time",
	"end_time",
	"duration_seconds",
	"did_count",
	"dids",
	"collections",
	"start_timestamp",
	"end_timestamp",
	"target_count",
	"max_time",
	"queue_name",
	"records_stored",
	"latest_cursor",
	"end_cursor_reached",
	"status",
}

// didPreviewLimit caps how many identities a report row spells out.
const didPreviewLimit = 5

// ReportSink receives chunk rows as they complete. Implementations must
// persist each row before WriteRow returns so a crash cannot lose
// already-completed chunk results.
type ReportSink interface {
	WriteRow(row *ChunkReport) error
	Close() error
}

// CSVReport writes chunk rows to a CSV file, flushing after every row.
type CSVReport struct {
	path   string
	file   *os.File
	writer *csv.Writer
}

// NewCSVReport creates the report file and writes the header row.
func NewCSVReport(path string) (*CSVReport, error) {
	file, err := os.Create(path) //nolint:gosec // G304: path is caller-controlled output
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal,
			"failed to create report file")
	}

	writer := csv.NewWriter(file)
	if err := writer.Write(reportColumns); err != nil {
		_ = file.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeInternal,
			"failed to write report header")
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		_ = file.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeInternal,
			"failed to flush report header")
	}

	return &CSVReport{path: path, file: file, writer: writer}, nil
}

// Path returns the report file path.
func (r *CSVReport) Path() string { return r.path }

// WriteRow appends one chunk row and flushes it to disk immediately.
func (r *CSVReport) WriteRow(row *ChunkReport) error {
	latestCursor := ""
	if row.LatestCursor > 0 {
		latestCursor = row.LatestCursor.String()
	}

	record := []string{
		strconv.Itoa(row.ChunkID),
		row.StartTime.UTC().Format(time.RFC3339),
		row.EndTime.UTC().Format(time.RFC3339),
		fmt.Sprintf("%.2f", row.Duration.Seconds()),
		strconv.Itoa(row.DIDCount),
		previewDIDs(row.DIDs),
		strings.Join(row.Collections, ","),
		row.StartTimestamp,
		row.EndTimestamp,
		strconv.Itoa(row.TargetCount),
		strconv.Itoa(int(row.MaxTime.Seconds())),
		row.QueueName,
		strconv.FormatInt(row.RecordsStored, 10),
		latestCursor,
		strconv.FormatBool(row.EndCursorReached),
		row.Status,
	}

	if err := r.writer.Write(record); err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal,
			"failed to write report row")
	}
	r.writer.Flush()
	if err := r.writer.Error(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal,
			"failed to flush report row")
	}
	return nil
}

// Close flushes and closes the report file.
func (r *CSVReport) Close() error {
	r.writer.Flush()
	if err := r.writer.Error(); err != nil {
		_ = r.file.Close()
		return err
	}
	return r.file.Close()
}

// previewDIDs summarizes a chunk's identities: the first few, then an
// ellipsis for large chunks.
func previewDIDs(dids []string) string {
	if len(dids) <= didPreviewLimit {
		return strings.Join(dids, ",")
	}
	return strings.Join(dids[:didPreviewLimit], ",") + "..."
}
