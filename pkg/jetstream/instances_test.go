package jetstream

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skylight-labs/jetstream-ingest/pkg/errors"
	"github.com/skylight-labs/jetstream-ingest/pkg/models"
)

func TestIsPublicInstance(t *testing.T) {
	for _, instance := range PublicInstances() {
		assert.True(t, IsPublicInstance(instance), instance)
	}
	assert.False(t, IsPublicInstance("jetstream.example.com"))
	assert.False(t, IsPublicInstance(""))
}

func TestDefaultInstanceIsPublic(t *testing.T) {
	assert.True(t, IsPublicInstance(DefaultInstance()))
}

func TestSubscribeURIRepeatsMultiValuedFilters(t *testing.T) {
	uri, err := SubscribeURI("jetstream1.us-east.bsky.network", SubscribeParams{
		WantedCollections: []string{"app.bsky.feed.post", "app.bsky.feed.like"},
		WantedDIDs:        []string{"did:plc:alice", "did:plc:bob"},
		Cursor:            models.Cursor(1725148800000000),
	})
	require.NoError(t, err)

	parsed, err := url.Parse(uri)
	require.NoError(t, err)
	assert.Equal(t, "wss", parsed.Scheme)
	assert.Equal(t, "jetstream1.us-east.bsky.network", parsed.Host)
	assert.Equal(t, "/subscribe", parsed.Path)

	query := parsed.Query()
	assert.Equal(t, []string{"app.bsky.feed.post", "app.bsky.feed.like"}, query["wantedCollections"])
	assert.Equal(t, []string{"did:plc:alice", "did:plc:bob"}, query["wantedDids"])
	assert.Equal(t, "1725148800000000", query.Get("cursor"))
	assert.Empty(t, query.Get("compress"))
}

func TestSubscribeURIOmitsZeroCursor(t *testing.T) {
	uri, err := SubscribeURI("jetstream1.us-east.bsky.network", SubscribeParams{
		WantedCollections: []string{"app.bsky.feed.post"},
		Compress:          true,
	})
	require.NoError(t, err)

	parsed, err := url.Parse(uri)
	require.NoError(t, err)
	assert.False(t, parsed.Query().Has("cursor"))
	assert.Equal(t, "true", parsed.Query().Get("compress"))
}

func TestSubscribeURIRejectsUnknownInstance(t *testing.T) {
	_, err := SubscribeURI("jetstream.example.com", SubscribeParams{})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}
