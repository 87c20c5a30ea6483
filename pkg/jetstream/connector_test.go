package jetstream

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/skylight-labs/jetstream-ingest/pkg/config"
	"github.com/skylight-labs/jetstream-ingest/pkg/errors"
	"github.com/skylight-labs/jetstream-ingest/pkg/models"
)

// fakeClock is a manually advanced session clock.
type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 9, 28, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// scriptedSource replays canned frames, then reports a remote close.
// onRead, when set, runs before each frame is returned.
type scriptedSource struct {
	frames [][]byte
	next   int
	onRead func(i int)
	closed bool
}

func (s *scriptedSource) ReadMessage(_ context.Context) ([]byte, error) {
	if s.next >= len(s.frames) {
		return nil, ErrConnectionClosed
	}
	if s.onRead != nil {
		s.onRead(s.next)
	}
	frame := s.frames[s.next]
	s.next++
	return frame, nil
}

func (s *scriptedSource) Close() error {
	s.closed = true
	return nil
}

// fakeDialer hands out a scripted source and records the dialed URI.
type fakeDialer struct {
	source  MessageSource
	dialErr error
	uri     string
}

func (d *fakeDialer) Dial(_ context.Context, uri string) (MessageSource, error) {
	d.uri = uri
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	return d.source, nil
}

// fakeQueue records Append calls and can fail the first N of them.
type fakeQueue struct {
	appends   [][][]byte
	metas     []BatchMetadata
	failNext  int
	itemCount int64
}

func (q *fakeQueue) Append(_ context.Context, items [][]byte, meta BatchMetadata) error {
	if q.failNext > 0 {
		q.failNext--
		return fmt.Errorf("queue unavailable")
	}
	copied := make([][]byte, len(items))
	copy(copied, items)
	q.appends = append(q.appends, copied)
	q.metas = append(q.metas, meta)
	q.itemCount += int64(len(items))
	return nil
}

func (q *fakeQueue) Len(_ context.Context) (int64, error) {
	return q.itemCount, nil
}

func commitFrame(did string, cursor int64, collection string) []byte {
	return []byte(fmt.Sprintf(
		`{"did":%q,"time_us":%d,"kind":"commit","commit":{"collection":%q,"operation":"create","rkey":"abc"}}`,
		did, cursor, collection))
}

func testSessionConfig() *config.SessionConfig {
	cfg := config.NewSessionConfig()
	cfg.Instance = "jetstream2.us-east.bsky.network"
	cfg.TargetCount = 5
	cfg.MaxTime = time.Minute
	cfg.BatchSize = 100
	cfg.ProgressInterval = 0
	return cfg
}

func newTestConnector(t *testing.T, cfg *config.SessionConfig, q Queue, d Dialer, clock Clock) *Connector {
	t.Helper()
	return NewConnector(cfg, q,
		WithDialer(d),
		WithClock(clock),
		WithLogger(zaptest.NewLogger(t)))
}

func TestListenStopsAtTargetCount(t *testing.T) {
	frames := make([][]byte, 0, 8)
	for i := 0; i < 8; i++ {
		frames = append(frames, commitFrame("did:plc:alice", int64(1000+i), "app.bsky.feed.post"))
	}

	cfg := testSessionConfig()
	q := &fakeQueue{}
	dialer := &fakeDialer{source: &scriptedSource{frames: frames}}

	stats, err := newTestConnector(t, cfg, q, dialer, newFakeClock()).Listen(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(5), stats.RecordsStored)
	assert.Equal(t, int64(5), stats.MessagesReceived)
	assert.True(t, stats.TargetReached)
	assert.False(t, stats.EndCursorReached)
	assert.Contains(t, stats.Collections, "app.bsky.feed.post")
	assert.Contains(t, stats.Kinds, "commit")
	assert.Equal(t, models.Cursor(1004), stats.LatestCursor)
}

func TestListenStopsAtEndCursor(t *testing.T) {
	endTime := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	endCursor := int64(models.CursorFromTime(endTime))

	cursors := []int64{endCursor - 200, endCursor - 100, endCursor, endCursor + 100, endCursor + 200}
	frames := make([][]byte, 0, len(cursors))
	for _, c := range cursors {
		frames = append(frames, commitFrame("did:plc:alice", c, "app.bsky.feed.post"))
	}

	cfg := testSessionConfig()
	cfg.TargetCount = 1000
	cfg.EndTimestamp = "2024-01-02"
	q := &fakeQueue{}
	dialer := &fakeDialer{source: &scriptedSource{frames: frames}}

	stats, err := newTestConnector(t, cfg, q, dialer, newFakeClock()).Listen(context.Background())
	require.NoError(t, err)

	// The message at the end cursor is itself stored; nothing after it is.
	assert.Equal(t, int64(3), stats.RecordsStored)
	assert.True(t, stats.EndCursorReached)
	assert.False(t, stats.TargetReached)
	assert.Equal(t, models.Cursor(endCursor), stats.LatestCursor)
}

func TestListenStopsAtMaxTime(t *testing.T) {
	clock := newFakeClock()
	source := &scriptedSource{
		frames: [][]byte{
			commitFrame("did:plc:alice", 1000, "app.bsky.feed.post"),
			commitFrame("did:plc:alice", 1001, "app.bsky.feed.post"),
			commitFrame("did:plc:alice", 1002, "app.bsky.feed.post"),
		},
	}
	// Exhaust the wall-clock budget while the third message is in flight.
	source.onRead = func(i int) {
		if i == 2 {
			clock.Advance(2 * time.Minute)
		}
	}

	cfg := testSessionConfig()
	cfg.TargetCount = 1000
	cfg.MaxTime = time.Minute
	q := &fakeQueue{}
	dialer := &fakeDialer{source: source}

	stats, err := newTestConnector(t, cfg, q, dialer, clock).Listen(context.Background())
	require.NoError(t, err)

	// The in-flight message still lands; the budget is cooperative and
	// only checked between messages.
	assert.Equal(t, int64(3), stats.RecordsStored)
	assert.False(t, stats.TargetReached)
	assert.GreaterOrEqual(t, stats.Elapsed, time.Minute)
}

func TestListenSurvivesRemoteClose(t *testing.T) {
	frames := [][]byte{
		commitFrame("did:plc:alice", 1000, "app.bsky.feed.post"),
		commitFrame("did:plc:alice", 1001, "app.bsky.feed.post"),
	}

	cfg := testSessionConfig()
	cfg.TargetCount = 1000
	q := &fakeQueue{}
	source := &scriptedSource{frames: frames}
	dialer := &fakeDialer{source: source}

	stats, err := newTestConnector(t, cfg, q, dialer, newFakeClock()).Listen(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(2), stats.RecordsStored)
	assert.False(t, stats.TargetReached)
	assert.True(t, source.closed)
}

func TestListenSkipsMalformedAndInvalidMessages(t *testing.T) {
	frames := [][]byte{
		[]byte(`{not json`),
		[]byte(`{"did":"did:plc:alice","time_us":1001,"kind":"mystery"}`),
		[]byte(`{"time_us":1002,"kind":"commit"}`),
		commitFrame("did:plc:alice", 1003, "app.bsky.feed.post"),
	}

	cfg := testSessionConfig()
	cfg.TargetCount = 1
	q := &fakeQueue{}
	dialer := &fakeDialer{source: &scriptedSource{frames: frames}}

	stats, err := newTestConnector(t, cfg, q, dialer, newFakeClock()).Listen(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(4), stats.MessagesReceived)
	assert.Equal(t, int64(1), stats.RecordsStored)
	assert.LessOrEqual(t, stats.RecordsStored, stats.MessagesReceived)
	// Undecodable and rejected messages still advance the cursor.
	assert.Equal(t, models.Cursor(1003), stats.LatestCursor)
}

func TestListenConnectFailureIsFatal(t *testing.T) {
	cfg := testSessionConfig()
	dialer := &fakeDialer{dialErr: errors.New(errors.ErrorTypeConnection, "refused")}

	stats, err := newTestConnector(t, cfg, &fakeQueue{}, dialer, newFakeClock()).Listen(context.Background())
	require.Error(t, err)
	assert.Nil(t, stats)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConnection))
}

func TestListenRejectsUnknownInstance(t *testing.T) {
	cfg := testSessionConfig()
	cfg.Instance = "jetstream.evil.example.com"

	_, err := newTestConnector(t, cfg, &fakeQueue{}, &fakeDialer{}, newFakeClock()).Listen(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestListenRejectsBadTimestamp(t *testing.T) {
	cfg := testSessionConfig()
	cfg.EndTimestamp = "not-a-date"

	_, err := newTestConnector(t, cfg, &fakeQueue{}, &fakeDialer{}, newFakeClock()).Listen(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestListenFlushesRemainderAtSessionEnd(t *testing.T) {
	frames := [][]byte{
		commitFrame("did:plc:alice", 1000, "app.bsky.feed.post"),
		commitFrame("did:plc:alice", 1001, "app.bsky.feed.post"),
		commitFrame("did:plc:alice", 1002, "app.bsky.feed.post"),
	}

	cfg := testSessionConfig()
	cfg.TargetCount = 3
	cfg.BatchSize = 2
	q := &fakeQueue{}
	dialer := &fakeDialer{source: &scriptedSource{frames: frames}}

	stats, err := newTestConnector(t, cfg, q, dialer, newFakeClock()).Listen(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(3), stats.RecordsStored)

	// One automatic flush at the threshold, one remaining-flush at end.
	require.Len(t, q.appends, 2)
	assert.Len(t, q.appends[0], 2)
	assert.Len(t, q.appends[1], 1)
	assert.Equal(t, int64(3), stats.QueueLength)
}

func zstdFrames(t *testing.T, frames [][]byte) [][]byte {
	t.Helper()
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	defer enc.Close()

	out := make([][]byte, 0, len(frames))
	for _, frame := range frames {
		out = append(out, enc.EncodeAll(frame, nil))
	}
	return out
}

func TestListenDecompressesZstdFrames(t *testing.T) {
	frames := zstdFrames(t, [][]byte{
		commitFrame("did:plc:alice", 1000, "app.bsky.feed.post"),
		commitFrame("did:plc:alice", 1001, "app.bsky.feed.post"),
	})

	cfg := testSessionConfig()
	cfg.TargetCount = 2
	cfg.Compress = true
	q := &fakeQueue{}
	dialer := &fakeDialer{source: &scriptedSource{frames: frames}}

	stats, err := newTestConnector(t, cfg, q, dialer, newFakeClock()).Listen(context.Background())
	require.NoError(t, err)

	assert.Contains(t, dialer.uri, "compress=true")
	assert.Equal(t, int64(2), stats.RecordsStored)
	assert.True(t, stats.TargetReached)
	assert.Equal(t, models.Cursor(1001), stats.LatestCursor)
	assert.Contains(t, stats.Collections, "app.bsky.feed.post")
}

func TestListenSkipsCorruptCompressedFrames(t *testing.T) {
	good := zstdFrames(t, [][]byte{
		commitFrame("did:plc:alice", 1000, "app.bsky.feed.post"),
	})
	frames := [][]byte{[]byte("not a zstd frame"), good[0]}

	cfg := testSessionConfig()
	cfg.TargetCount = 1
	cfg.Compress = true
	q := &fakeQueue{}
	dialer := &fakeDialer{source: &scriptedSource{frames: frames}}

	stats, err := newTestConnector(t, cfg, q, dialer, newFakeClock()).Listen(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(2), stats.MessagesReceived)
	assert.Equal(t, int64(1), stats.RecordsStored)
}

func TestReadOneReturnsFirstMessage(t *testing.T) {
	frames := [][]byte{
		commitFrame("did:plc:alice", 1000, "app.bsky.feed.post"),
		commitFrame("did:plc:bob", 1001, "app.bsky.feed.post"),
	}

	cfg := testSessionConfig()
	source := &scriptedSource{frames: frames}
	dialer := &fakeDialer{source: source}

	raw, err := newTestConnector(t, cfg, &fakeQueue{}, dialer, newFakeClock()).ReadOne(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "did:plc:alice", raw.DID)
	assert.Equal(t, models.Cursor(1000), raw.TimeUS)
	assert.Equal(t, "commit", raw.Kind)
	require.NotNil(t, raw.Commit)
	assert.Equal(t, "app.bsky.feed.post", raw.Commit.Collection)
	// The probe disconnects after one message.
	assert.True(t, source.closed)
	assert.Equal(t, 1, source.next)
}

func TestReadOneDecompressesZstdFrame(t *testing.T) {
	frames := zstdFrames(t, [][]byte{
		commitFrame("did:plc:alice", 1000, "app.bsky.feed.post"),
	})

	cfg := testSessionConfig()
	cfg.Compress = true
	dialer := &fakeDialer{source: &scriptedSource{frames: frames}}

	raw, err := newTestConnector(t, cfg, &fakeQueue{}, dialer, newFakeClock()).ReadOne(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "did:plc:alice", raw.DID)
}

func TestReadOneRemoteCloseIsAnError(t *testing.T) {
	cfg := testSessionConfig()
	dialer := &fakeDialer{source: &scriptedSource{}}

	_, err := newTestConnector(t, cfg, &fakeQueue{}, dialer, newFakeClock()).ReadOne(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConnection))
}

func TestListenBuildsSubscribeURI(t *testing.T) {
	cfg := testSessionConfig()
	cfg.WantedCollections = []string{"app.bsky.feed.post", "app.bsky.feed.like"}
	cfg.WantedDIDs = []string{"did:plc:alice"}
	cfg.Cursor = 123456
	dialer := &fakeDialer{source: &scriptedSource{}}

	_, err := newTestConnector(t, cfg, &fakeQueue{}, dialer, newFakeClock()).Listen(context.Background())
	require.NoError(t, err)

	assert.Contains(t, dialer.uri, "wss://jetstream2.us-east.bsky.network/subscribe?")
	assert.Contains(t, dialer.uri, "wantedCollections=app.bsky.feed.post")
	assert.Contains(t, dialer.uri, "wantedCollections=app.bsky.feed.like")
	assert.Contains(t, dialer.uri, "wantedDids=did%3Aplc%3Aalice")
	assert.Contains(t, dialer.uri, "cursor=123456")
}
