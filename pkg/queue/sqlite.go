// Package queue provides the durable queue that flushed batches land in.
// Each named queue is its own SQLite database so queues scale and fail
// independently. Items carry a JSON payload plus the batch metadata
// envelope and a processing status for downstream consumers.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	gojson "github.com/goccy/go-json"
	_ "modernc.org/sqlite" // database/sql driver

	"github.com/skylight-labs/jetstream-ingest/pkg/errors"
	"github.com/skylight-labs/jetstream-ingest/pkg/jetstream"
)

const schema = `
CREATE TABLE IF NOT EXISTS items (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	payload TEXT NOT NULL,
	metadata TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending'
		CHECK (status IN ('pending', 'processing', 'completed', 'failed'))
);
CREATE INDEX IF NOT EXISTS idx_items_status ON items(status);
`

// Item is one row in the queue table.
type Item struct {
	ID        int64  `json:"id"`
	Payload   string `json:"payload"`
	Metadata  string `json:"metadata"`
	CreatedAt string `json:"created_at"`
	Status    string `json:"status"`
}

// SQLiteQueue is a durable, append-only queue backed by one SQLite
// database. It is safe for concurrent callers; within this system it is
// only ever written by one batch writer per session.
type SQLiteQueue struct {
	name string
	db   *sql.DB
}

// Open opens (or creates) the named queue under dir.
func Open(dir, name string) (*SQLiteQueue, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQueue,
			"failed to create queue directory")
	}

	path := filepath.Join(dir, name+".db")
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQueue,
			"failed to open queue database")
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeQueue,
			"failed to initialize queue schema")
	}

	return &SQLiteQueue{name: name, db: db}, nil
}

// Name returns the queue name.
func (q *SQLiteQueue) Name() string { return q.name }

// Append writes all items and the shared metadata envelope in a single
// transaction. Either every item lands or none do, which keeps the batch
// writer's retry-verbatim policy safe.
func (q *SQLiteQueue) Append(ctx context.Context, items [][]byte, meta jetstream.BatchMetadata) error {
	if len(items) == 0 {
		return nil
	}

	metaJSON, err := gojson.Marshal(meta)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeQueue,
			"failed to serialize batch metadata")
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeQueue,
			"failed to begin queue transaction")
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO items (payload, metadata, created_at) VALUES (?, ?, ?)")
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeQueue,
			"failed to prepare queue insert")
	}
	defer func() { _ = stmt.Close() }()

	createdAt := time.Now().UTC().Format(time.RFC3339Nano)
	for _, item := range items {
		if _, err := stmt.ExecContext(ctx, string(item), string(metaJSON), createdAt); err != nil {
			return errors.Wrap(err, errors.ErrorTypeQueue,
				"failed to insert queue item")
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeQueue,
			"failed to commit queue batch")
	}
	return nil
}

// Len returns the total number of items in the queue.
func (q *SQLiteQueue) Len(ctx context.Context) (int64, error) {
	var n int64
	err := q.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM items").Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeQueue,
			"failed to count queue items")
	}
	return n, nil
}

// PendingLen returns the number of items not yet taken by a consumer.
func (q *SQLiteQueue) PendingLen(ctx context.Context) (int64, error) {
	var n int64
	err := q.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM items WHERE status = 'pending'").Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeQueue,
			"failed to count pending queue items")
	}
	return n, nil
}

// Take claims up to limit pending items for processing and returns them
// in insertion order. Downstream consumers mark them completed or failed
// via SetStatus.
func (q *SQLiteQueue) Take(ctx context.Context, limit int) ([]Item, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQueue,
			"failed to begin queue transaction")
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		"SELECT id, payload, metadata, created_at, status FROM items WHERE status = 'pending' ORDER BY id LIMIT ?",
		limit)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQueue,
			"failed to select pending items")
	}

	var items []Item
	for rows.Next() {
		var item Item
		if err := rows.Scan(&item.ID, &item.Payload, &item.Metadata, &item.CreatedAt, &item.Status); err != nil {
			_ = rows.Close()
			return nil, errors.Wrap(err, errors.ErrorTypeQueue,
				"failed to scan queue item")
		}
		items = append(items, item)
	}
	if err := rows.Close(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQueue,
			"failed to read pending items")
	}

	for i := range items {
		if _, err := tx.ExecContext(ctx,
			"UPDATE items SET status = 'processing' WHERE id = ?", items[i].ID); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeQueue,
				"failed to claim queue item")
		}
		items[i].Status = "processing"
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQueue,
			"failed to commit queue claim")
	}
	return items, nil
}

// SetStatus updates the processing status of one item.
func (q *SQLiteQueue) SetStatus(ctx context.Context, id int64, status string) error {
	res, err := q.db.ExecContext(ctx,
		"UPDATE items SET status = ? WHERE id = ?", status, id)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeQueue,
			"failed to update item status")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Newf(errors.ErrorTypeQueue, "no queue item with id %d", id)
	}
	return nil
}

// Close closes the underlying database.
func (q *SQLiteQueue) Close() error {
	return q.db.Close()
}
