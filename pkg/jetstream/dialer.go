package jetstream

import (
	"context"
	stderrors "errors"
	"net"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skylight-labs/jetstream-ingest/pkg/errors"
)

// ErrConnectionClosed is returned by a MessageSource when the remote side
// closed the connection. The connector treats it as a distinct, non-fatal
// stop condition: the session ends early with whatever was stored.
var ErrConnectionClosed = stderrors.New("connection closed by remote")

// MessageSource is one established subscription to a source instance.
// ReadMessage blocks until the next frame arrives; it is the sole
// suspension point of a session.
type MessageSource interface {
	ReadMessage(ctx context.Context) ([]byte, error)
	Close() error
}

// Dialer establishes a MessageSource for a subscribe URI. The connector
// takes a Dialer so tests can inject fake message iterators.
type Dialer interface {
	Dial(ctx context.Context, uri string) (MessageSource, error)
}

// WebSocketDialer dials the firehose over a websocket connection.
type WebSocketDialer struct {
	// HandshakeTimeout bounds connection establishment.
	HandshakeTimeout time.Duration
}

// NewWebSocketDialer creates a dialer with a default handshake timeout.
func NewWebSocketDialer() *WebSocketDialer {
	return &WebSocketDialer{HandshakeTimeout: 10 * time.Second}
}

// Dial establishes the websocket subscription. A failure here is fatal
// for the session and is propagated to the caller.
func (d *WebSocketDialer) Dial(ctx context.Context, uri string) (MessageSource, error) {
	dialer := websocket.Dialer{HandshakeTimeout: d.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, uri, nil) //nolint:bodyclose // resp body is managed by gorilla on error
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection,
			"failed to connect to firehose")
	}
	return &wsSource{conn: conn}, nil
}

type wsSource struct {
	conn *websocket.Conn
}

func (s *wsSource) ReadMessage(_ context.Context) ([]byte, error) {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		if isRemoteClose(err) {
			return nil, ErrConnectionClosed
		}
		return nil, err
	}
	return data, nil
}

func (s *wsSource) Close() error {
	return s.conn.Close()
}

func isRemoteClose(err error) bool {
	var closeErr *websocket.CloseError
	if stderrors.As(err, &closeErr) {
		return true
	}
	return stderrors.Is(err, net.ErrClosed)
}
