package jetstream

import (
	"time"

	"github.com/skylight-labs/jetstream-ingest/pkg/models"
)

// SessionStats summarizes one stream session. It is produced once, when
// the session finalizes, and is immutable afterwards. A session always
// returns stats rather than an error, except when the initial connection
// cannot be established.
type SessionStats struct {
	// MessagesReceived counts every frame read off the connection,
	// including rejected and undecodable ones.
	MessagesReceived int64 `json:"messages_received"`

	// RecordsStored counts records accepted by the extractor and staged
	// for the queue. Always <= MessagesReceived.
	RecordsStored int64 `json:"records_stored"`

	// Collections are the distinct commit collections observed.
	Collections []string `json:"collections"`

	// Kinds are the distinct event kinds observed.
	Kinds []string `json:"kinds"`

	// Elapsed is the session wall-clock duration.
	Elapsed time.Duration `json:"elapsed"`

	// RecordsPerSecond is RecordsStored / Elapsed, zero for
	// zero-duration sessions.
	RecordsPerSecond float64 `json:"records_per_second"`

	// LatestCursor is the cursor of the last message seen, zero when no
	// message carried one. Callers use it to resume a later session.
	LatestCursor models.Cursor `json:"latest_cursor"`

	// TargetReached is true when the session stopped because
	// RecordsStored reached the configured target count.
	TargetReached bool `json:"target_reached"`

	// EndCursorReached is true when the session stopped because a staged
	// message reached the resolved end cursor. The triggering message
	// itself was stored.
	EndCursorReached bool `json:"end_cursor_reached"`

	// QueueLength is the durable queue depth observed at session end,
	// -1 when it could not be read.
	QueueLength int64 `json:"queue_length"`
}
