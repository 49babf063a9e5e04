package relay

import (
	"context"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"audiorelay/internal/cid"
	"audiorelay/internal/events"
	"audiorelay/internal/provider"
	"audiorelay/internal/retry"
	"audiorelay/pkg/protocol"
)

// startSession requests a session in the background. Any creation already
// in flight is cancelled and its result will be ignored.
func (c *Conn) startSession(ctx context.Context, reconnect bool) {
	c.cancelSessionCreation()
	c.sessionGen++
	gen := c.sessionGen
	c.reconnecting = reconnect
	c.setState(StateInitializing)

	cctx, cancel := context.WithCancel(ctx)
	c.cancelCreate = cancel
	req := c.request
	go func() {
		s, err := c.relay.createSession(cctx, c.log, c.id, req, reconnect)
		c.post(ctx, sessionResult{gen: gen, reconnect: reconnect, session: s, err: err})
	}()
}

func (c *Conn) cancelSessionCreation() {
	if c.cancelCreate != nil {
		c.cancelCreate()
		c.cancelCreate = nil
	}
	c.sessionGen++
}

// createSession runs the provider call under the retry policy.
func (r *Relay) createSession(ctx context.Context, log *zap.Logger, clientID string, req provider.SessionRequest, reconnect bool) (*provider.Session, error) {
	ctx, _ = cid.Ensure(ctx)
	ctx, span := r.tracer.Start(ctx, "relay.create_session",
		trace.WithAttributes(
			attribute.String("relay.client_id", clientID),
			attribute.String("relay.model", req.Model),
			attribute.Bool("relay.reconnect", reconnect),
			attribute.String(cid.AttributeName, cid.FromContext(ctx)),
		))
	defer span.End()

	var sess *provider.Session
	err := r.opts.Retry.Do(ctx, func(ctx context.Context, attempt int) error {
		s, err := r.opts.Provider.CreateSession(ctx, req)
		if err != nil {
			if provider.IsPermanent(err) {
				return retry.Permanent(err)
			}
			return err
		}
		sess = s
		return nil
	}, func(attempt int, err error, wait time.Duration) {
		log.Warn("session creation attempt failed",
			zap.Int("attempt", attempt), zap.Duration("retry_in", wait), zap.Error(err))
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "session creation failed")
		return nil, err
	}
	span.SetAttributes(attribute.String("relay.session_id", sess.ID))
	return sess, nil
}

func (c *Conn) onSessionResult(ctx context.Context, ev sessionResult) {
	if ev.gen != c.sessionGen {
		return
	}
	c.cancelCreate = nil
	c.reconnecting = false

	if ev.err != nil {
		c.relay.opts.Metrics.SessionFailed()
		c.setState(StateIdle)
		if ev.reconnect {
			c.relay.opts.Metrics.Reconnect(false)
			c.sessionID = ""
			c.log.Error("reconnect failed", zap.Error(ev.err))
			c.sendError(ctx, "Failed to reconnect to OpenAI", protocol.CodeReconnectFailed, ev.err.Error())
			return
		}
		c.log.Error("session creation failed", zap.Error(ev.err))
		c.sendError(ctx, "Failed to initialize session", protocol.CodeSessionInitFailed, ev.err.Error())
		return
	}

	c.sessionID = ev.session.ID
	c.log = c.base.With(zap.String("session_id", c.sessionID))
	c.relay.opts.Metrics.SessionCreated()
	c.connect(ctx, c.sessionID)

	c.remember()

	if ev.reconnect {
		c.relay.opts.Metrics.Reconnect(true)
		c.log.Info("reconnected with new session")
		c.relay.publish(events.Event{Type: events.SessionReconnected, ClientID: c.id, SessionID: c.sessionID})
		c.sendJSON(ctx, protocol.Reconnected())
		return
	}
	c.log.Info("session created")
	c.relay.publish(events.Event{Type: events.SessionCreated, ClientID: c.id, SessionID: c.sessionID})
	c.sendJSON(ctx, protocol.SessionCreated(c.sessionID))
}

// connect replaces the upstream with a fresh socket for sessionID. The
// dial runs in the background; readiness arrives as an upstream message.
func (c *Conn) connect(ctx context.Context, sessionID string) {
	c.dropUpstream()

	url, err := c.relay.opts.Provider.RealtimeURL(sessionID)
	if err != nil {
		c.setState(StateIdle)
		c.sendError(ctx, "OpenAI connection error", protocol.CodeUpstreamError, err.Error())
		return
	}

	dialCtx, cancel := context.WithCancel(ctx)
	up := &upstream{
		url:          url,
		writeTimeout: c.relay.opts.WriteTimeout,
		cancelDial:   cancel,
	}
	c.up = up
	c.setState(StateConnecting)
	go up.run(ctx, dialCtx, c, c.relay.opts.Dialer)
}

// dropUpstream closes the current upstream, if any. Errors are ignored.
func (c *Conn) dropUpstream() {
	if c.up == nil {
		return
	}
	c.up.close()
	c.up = nil
	if s := c.State(); s == StateReady || s == StateConnecting || s == StateClosed {
		c.setState(StateIdle)
	}
}

func (c *Conn) current(up *upstream) bool { return up != nil && up == c.up }

func (c *Conn) onUpstreamOpened(ev upstreamOpened) {
	if !c.current(ev.up) {
		return
	}
	ev.up.opened = true
	c.dialRetried = false
	c.log.Info("upstream open")
}

func (c *Conn) onUpstreamMessage(ctx context.Context, ev upstreamMessage) {
	if !c.current(ev.up) {
		return
	}
	c.queue(ctx, outbound{typ: ev.typ, data: ev.data})
	if ev.typ == websocket.MessageText && c.relay.opts.Ready(ev.data) {
		c.setReady(ctx)
	}
}

func (c *Conn) onUpstreamFailed(ctx context.Context, ev upstreamFailed) {
	if !c.current(ev.up) {
		return
	}
	if c.State() == StateReady {
		c.setState(StateConnecting)
	}
	c.log.Warn("upstream error", zap.Error(ev.err))
	c.sendError(ctx, "OpenAI connection error", protocol.CodeUpstreamError, ev.err.Error())
}

func (c *Conn) onUpstreamClosed(ctx context.Context, ev upstreamClosed) {
	if !c.current(ev.up) {
		return
	}
	c.setState(StateClosed)
	c.relay.opts.Metrics.UpstreamDisconnected()
	c.log.Info("upstream closed", zap.Int("code", ev.code), zap.String("reason", ev.reason))
	c.relay.publish(events.Event{
		Type: events.UpstreamDisconnected, ClientID: c.id, SessionID: c.sessionID,
		Code: ev.code, Reason: ev.reason,
	})
	c.sendJSON(ctx, protocol.UpstreamDisconnected(ev.code, ev.reason))

	if c.sessionID == "" || c.pending.Len() == 0 {
		return
	}
	// A failed dial is retried once per session; after that the next audio
	// frame triggers the reconnect instead.
	if !ev.up.opened {
		if c.dialRetried {
			return
		}
		c.dialRetried = true
	}
	c.reconnect(ctx)
}

// setReady marks the session ready and drains audio queued before it.
func (c *Conn) setReady(ctx context.Context) {
	if c.State() == StateReady {
		return
	}
	if c.up == nil || !c.up.isOpen() {
		return
	}
	c.setState(StateReady)
	c.log.Info("upstream ready", zap.Int("pending", c.pending.Len()))
	if c.pending.Len() > 0 {
		c.flush(ctx)
	}
}

// reconnect replaces a lost upstream with a brand-new session using the
// last create parameters. Provider tokens are single use, so the old
// session is never resumed.
func (c *Conn) reconnect(ctx context.Context) {
	c.log.Info("reconnecting", zap.Int("pending", c.pending.Len()))
	c.dropUpstream()
	c.startSession(ctx, true)
}
