package relay

import (
	"context"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"audiorelay/pkg/protocol"
)

const (
	textMessage   = websocket.MessageText
	binaryMessage = websocket.MessageBinary
)

// onBinaryFrame routes one audio frame by connection state.
func (c *Conn) onBinaryFrame(ctx context.Context, frame []byte) {
	m := c.relay.opts.Metrics
	switch {
	case c.State() == StateReady && c.up != nil && c.up.isOpen():
		if err := c.up.write(ctx, binaryMessage, frame); err != nil {
			c.log.Warn("forward failed, buffering", zap.Error(err))
			c.up.markClosing()
			c.setState(StateConnecting)
			c.buffer(frame)
			return
		}
		m.Forwarded(1)

	case c.State() == StateInitializing:
		c.buffer(frame)
		c.warn(ctx, protocol.CodeSessionInitializing, "Session is initializing, audio is being buffered")

	case c.up == nil:
		m.Dropped()
		c.warn(ctx, protocol.CodeNoSession, "No session exists. Send create_session first.")

	case c.up.closingOrClosed():
		c.buffer(frame)
		if c.State() == StateClosed && c.sessionID != "" {
			c.reconnect(ctx)
		}
		c.warn(ctx, protocol.CodeUpstreamClosed, "OpenAI connection closed, audio is being buffered")

	default:
		c.buffer(frame)
		c.warn(ctx, protocol.CodeUpstreamNotReady, "OpenAI connection not ready, audio is being buffered")
	}
}

func (c *Conn) buffer(frame []byte) {
	trimmed := c.pending.Push(frame)
	c.relay.opts.Metrics.Buffered(trimmed)
	if trimmed > 0 {
		c.log.Debug("pending audio trimmed", zap.Int("dropped", trimmed), zap.Int("kept", c.pending.Len()))
	}
}

// flush sends the frames queued at the time of the call, paced, then
// commits them as one segment. It stops early if the upstream stops being
// open or the client goes away. Frames arriving meanwhile stay in the
// mailbox until flush returns.
func (c *Conn) flush(ctx context.Context) {
	up := c.up
	frames := c.pending.Frames()
	pacing := c.relay.opts.FlushPacing

	sent := 0
	var timer *time.Timer
	if pacing > 0 {
		timer = time.NewTimer(pacing)
		timer.Stop()
		defer timer.Stop()
	}

loop:
	for i, f := range frames {
		if ctx.Err() != nil || !up.isOpen() {
			break
		}
		if err := up.write(ctx, binaryMessage, f); err != nil {
			c.log.Warn("flush write failed", zap.Error(err))
			break
		}
		sent++
		if timer == nil || i == len(frames)-1 {
			continue
		}
		timer.Reset(pacing)
		select {
		case <-ctx.Done():
			break loop
		case <-timer.C:
		}
	}
	c.pending.Reset()
	c.relay.opts.Metrics.Forwarded(sent)
	c.log.Debug("flushed pending audio", zap.Int("sent", sent), zap.Int("queued", len(frames)))

	if ctx.Err() == nil && up.isOpen() {
		if err := up.write(ctx, textMessage, CommitFrame); err != nil {
			c.log.Warn("commit after flush failed", zap.Error(err))
		}
	}
}
