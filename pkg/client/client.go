// Package client is a Go client for the audio relay websocket protocol.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	cidpkg "audiorelay/internal/cid"
	"audiorelay/pkg/protocol"
)

var ErrNotConnected = errors.New("client not connected")

// buildDialHeaders constructs the header set used for websocket.Dial.
func buildDialHeaders(ctx context.Context, userAgent string) http.Header {
	h := http.Header{}
	h.Set("User-Agent", userAgent)
	cidpkg.AddHeader(h, ctx)
	return h
}

// EventHandler receives relay messages from Listen. Provider events are
// delivered raw through OnUpstream.
type EventHandler interface {
	OnWelcome(clientID string)
	OnSessionCreated(sessionID string)
	OnSessionEnded()
	OnReconnected()
	OnUpstreamDisconnected(code int, reason string)
	OnError(code, message, details string)
	OnPing()
	OnUpstream(eventType string, raw []byte)
	OnBinary(data []byte)
}

// LogHandler logs every event. Embed it to override only some callbacks.
type LogHandler struct {
	Log *zap.Logger
}

func (h LogHandler) logger() *zap.Logger {
	if h.Log == nil {
		return zap.NewNop()
	}
	return h.Log
}

func (h LogHandler) OnWelcome(id string) { h.logger().Info("connected", zap.String("client_id", id)) }
func (h LogHandler) OnSessionCreated(id string) {
	h.logger().Info("session created", zap.String("session_id", id))
}
func (h LogHandler) OnSessionEnded() { h.logger().Info("session ended") }
func (h LogHandler) OnReconnected()  { h.logger().Info("session reconnected") }
func (h LogHandler) OnUpstreamDisconnected(code int, reason string) {
	h.logger().Warn("provider disconnected", zap.Int("code", code), zap.String("reason", reason))
}
func (h LogHandler) OnError(code, message, details string) {
	h.logger().Warn("relay error", zap.String("code", code), zap.String("message", message), zap.String("details", details))
}
func (h LogHandler) OnPing() {}
func (h LogHandler) OnUpstream(eventType string, raw []byte) {
	h.logger().Debug("provider event", zap.String("type", eventType), zap.Int("bytes", len(raw)))
}
func (h LogHandler) OnBinary(data []byte) { h.logger().Debug("binary frame", zap.Int("bytes", len(data))) }

// Client is one relay connection. Send methods are safe for concurrent use
// with Listen.
type Client struct {
	cfg     Config
	handler EventHandler

	mu       sync.RWMutex
	conn     *websocket.Conn
	clientID string
}

func New(cfg Config) *Client {
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	return &Client{cfg: cfg, handler: LogHandler{}}
}

func (c *Client) SetEventHandler(h EventHandler) { c.handler = h }

// ClientID is the id from the welcome message, "" until it arrives.
func (c *Client) ClientID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clientID
}

func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// Connect dials the relay. The correlation id on ctx, if any, is sent as a
// header.
func (c *Client) Connect(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, c.cfg.ServerURL, &websocket.DialOptions{
		HTTPHeader: buildDialHeaders(ctx, c.cfg.UserAgent),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to relay: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

// Close sends a normal closure and forgets the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close(websocket.StatusNormalClosure, "client disconnect")
}

// CreateSession asks the relay to provision a provider session using the
// configured defaults.
func (c *Client) CreateSession(ctx context.Context) error {
	return c.sendJSON(ctx, protocol.CreateSession{
		Type:         protocol.TypeCreateSession,
		CustomerID:   c.cfg.CustomerID,
		CustomerName: c.cfg.CustomerName,
		Voice:        c.cfg.Voice,
		Model:        c.cfg.Model,
		Instructions: c.cfg.Instructions,
	})
}

func (c *Client) EndSession(ctx context.Context) error {
	return c.sendJSON(ctx, protocol.Envelope{Type: protocol.TypeEndSession})
}

// EndOfStream asks the relay to commit the audio sent so far.
func (c *Client) EndOfStream(ctx context.Context) error {
	return c.sendJSON(ctx, protocol.Envelope{Type: protocol.TypeEndOfStream})
}

// SendAudio sends one binary audio frame.
func (c *Client) SendAudio(ctx context.Context, frame []byte) error {
	return c.write(ctx, websocket.MessageBinary, frame)
}

// Listen reads until ctx is done or the connection fails, dispatching every
// message to the event handler.
func (c *Client) Listen(ctx context.Context) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return fmt.Errorf("read error: %w", err)
		}
		if typ == websocket.MessageBinary {
			c.handler.OnBinary(data)
			continue
		}
		c.handleText(data)
	}
}

func (c *Client) handleText(data []byte) {
	m, err := protocol.Decode(data)
	if err != nil {
		c.handler.OnError("", "undecodable message from relay", err.Error())
		return
	}
	switch m.Type {
	case protocol.TypeWelcome:
		c.mu.Lock()
		c.clientID = m.ClientID
		c.mu.Unlock()
		c.handler.OnWelcome(m.ClientID)
	case protocol.TypeSessionCreated:
		c.handler.OnSessionCreated(m.SessionID)
	case protocol.TypeSessionEnded:
		c.handler.OnSessionEnded()
	case protocol.TypeReconnected:
		c.handler.OnReconnected()
	case protocol.TypeUpstreamDisconnect:
		c.handler.OnUpstreamDisconnected(m.CloseCode(), m.Reason)
	case protocol.TypeError:
		c.handler.OnError(m.ErrorCode(), m.Message, m.Details)
	case protocol.TypePing:
		c.handler.OnPing()
	default:
		c.handler.OnUpstream(m.Type, data)
	}
}

func (c *Client) sendJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return c.write(ctx, websocket.MessageText, data)
}

func (c *Client) write(ctx context.Context, typ websocket.MessageType, data []byte) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}
	if c.cfg.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.WriteTimeout)
		defer cancel()
	}
	return conn.Write(ctx, typ, data)
}
