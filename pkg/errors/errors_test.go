package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCapturesTypeAndStack(t *testing.T) {
	err := New(ErrorTypeConnection, "dial failed")
	assert.Equal(t, ErrorTypeConnection, err.Type)
	assert.Equal(t, "connection: dial failed", err.Error())
	assert.NotEmpty(t, err.Stack)
}

func TestNewfFormatsMessage(t *testing.T) {
	err := Newf(ErrorTypeConfig, "instance %s is not allowed", "example.com")
	assert.Equal(t, "config: instance example.com is not allowed", err.Error())
}

func TestWrapPreservesCause(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := Wrap(cause, ErrorTypeConnection, "dial failed")

	require.NotNil(t, err)
	assert.Equal(t, "connection: dial failed: connection refused", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.Nil(t, Wrap(nil, ErrorTypeConnection, "ignored"))
}

func TestWrapKeepsOriginalStack(t *testing.T) {
	inner := New(ErrorTypeQueue, "insert failed")
	outer := Wrap(inner, ErrorTypeQueue, "batch flush failed")
	assert.Equal(t, inner.Stack, outer.Stack)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(New(ErrorTypeTimeout, "deadline")))
	assert.True(t, IsRetryable(New(ErrorTypeConnection, "reset")))
	assert.True(t, IsRetryable(New(ErrorTypeQueue, "locked")))
	assert.False(t, IsRetryable(New(ErrorTypeValidation, "bad input")))
	assert.False(t, IsRetryable(New(ErrorTypeConfig, "bad config")))
	assert.False(t, IsRetryable(stderrors.New("plain")))
	assert.False(t, IsRetryable(nil))
}

func TestIsTypeSeesThroughWrapping(t *testing.T) {
	err := fmt.Errorf("outer: %w", New(ErrorTypeData, "bad frame"))
	assert.True(t, IsType(err, ErrorTypeData))
	assert.False(t, IsType(err, ErrorTypeQueue))
	assert.False(t, IsType(stderrors.New("plain"), ErrorTypeData))
}

func TestWithDetail(t *testing.T) {
	err := New(ErrorTypeQueue, "insert failed").
		WithDetail("queue_name", "jetstream_sync").
		WithDetail("batch_size", 100)
	assert.Equal(t, "jetstream_sync", err.Details["queue_name"])
	assert.Equal(t, 100, err.Details["batch_size"])
}
