package relay

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coder/websocket"

	"audiorelay/internal/cid"
)

// Socket is one side of a message-oriented duplex channel. *websocket.Conn
// satisfies it.
type Socket interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Dialer opens the upstream socket for a realtime session.
type Dialer interface {
	Dial(ctx context.Context, url string) (Socket, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, url string) (Socket, error)

func (f DialerFunc) Dial(ctx context.Context, url string) (Socket, error) { return f(ctx, url) }

// WebSocketDialer dials the provider with coder/websocket.
type WebSocketDialer struct {
	// ReadLimit caps upstream message size; 0 keeps the library default.
	ReadLimit int64
	Header    http.Header
}

func (d WebSocketDialer) Dial(ctx context.Context, url string) (Socket, error) {
	h := http.Header{}
	for k, v := range d.Header {
		h[k] = append([]string(nil), v...)
	}
	cid.AddHeader(h, ctx)
	conn, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: h})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial upstream: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial upstream: %w", err)
	}
	if d.ReadLimit > 0 {
		conn.SetReadLimit(d.ReadLimit)
	}
	return conn, nil
}
