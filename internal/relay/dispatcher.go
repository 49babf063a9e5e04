package relay

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"audiorelay/internal/events"
	"audiorelay/pkg/protocol"
)

// dispatch handles one text message from the client.
func (c *Conn) dispatch(ctx context.Context, data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.sendError(ctx, "Invalid message format", protocol.CodeInvalidMessage, err.Error())
		return
	}

	switch env.Type {
	case protocol.TypeCreateSession:
		var req protocol.CreateSession
		if err := json.Unmarshal(data, &req); err != nil {
			c.sendError(ctx, "Invalid create_session message", protocol.CodeInvalidMessage, err.Error())
			return
		}
		c.createSession(ctx, req)
	case protocol.TypeEndSession:
		c.endSession(ctx)
	case protocol.TypeEndOfStream:
		c.endOfStream(ctx)
	case protocol.TypeAudioData:
		c.log.Warn("client sent JSON audio")
		c.rejectType(ctx, env.Type)
	default:
		c.log.Debug("unsupported message type", zap.String("type", env.Type))
		c.rejectType(ctx, env.Type)
	}
}

func (c *Conn) rejectType(ctx context.Context, typ string) {
	c.sendError(ctx, "Unsupported message type. Audio must be sent as binary frames.",
		protocol.CodeUnsupportedMessageType, typ)
}

func (c *Conn) createSession(ctx context.Context, msg protocol.CreateSession) {
	d := c.relay.opts.Defaults
	c.request.Model = firstNonEmpty(msg.Model, d.Model)
	c.request.Voice = firstNonEmpty(msg.Voice, d.Voice)
	c.request.Instructions = firstNonEmpty(msg.Instructions, d.Instructions)
	c.customerID = msg.CustomerID
	c.customerName = msg.CustomerName

	c.log.Info("create session",
		zap.String("customer_id", c.customerID),
		zap.String("model", c.request.Model),
		zap.String("voice", c.request.Voice))

	// The previous session, if any, is replaced.
	c.dropUpstream()
	c.sessionID = ""
	c.dialRetried = false
	c.log = c.base
	c.startSession(ctx, false)
}

// endSession is idempotent; a second call only repeats session_ended.
func (c *Conn) endSession(ctx context.Context) {
	c.cancelSessionCreation()
	c.reconnecting = false
	c.dialRetried = false
	c.dropUpstream()
	had := c.sessionID
	c.sessionID = ""
	c.pending.Reset()
	c.setState(StateIdle)
	c.log = c.base

	if had != "" {
		c.log.Info("session ended", zap.String("session_id", had))
		c.relay.publish(events.Event{Type: events.SessionEnded, ClientID: c.id, SessionID: had})
		c.forget()
	}
	c.sendJSON(ctx, protocol.SessionEnded())
}

// endOfStream commits the provider's input buffer. Without a ready
// upstream there is nothing to commit and the request is dropped.
func (c *Conn) endOfStream(ctx context.Context) {
	if c.State() != StateReady || c.up == nil || !c.up.isOpen() {
		c.log.Debug("end_of_stream ignored", zap.Stringer("state", c.State()))
		return
	}
	if err := c.up.write(ctx, textMessage, CommitFrame); err != nil {
		c.log.Warn("commit failed", zap.Error(err))
	}
}

func firstNonEmpty(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}
