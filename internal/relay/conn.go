package relay

import (
	"context"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/segmentio/ksuid"
	"go.uber.org/zap"

	"audiorelay/internal/audiobuf"
	"audiorelay/internal/provider"
	"audiorelay/internal/throttle"
	"audiorelay/pkg/protocol"
)

// State is the lifecycle state of a client connection.
type State int32

const (
	// StateIdle has no session and no upstream.
	StateIdle State = iota
	// StateInitializing waits for the provider to create a session.
	StateInitializing
	// StateConnecting owns an upstream that is dialing, open but not yet
	// ready, or closing.
	StateConnecting
	// StateReady forwards audio straight to an open upstream.
	StateReady
	// StateClosed owns an upstream the provider closed.
	StateClosed
	// StateEnded is terminal; the client socket is gone.
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitializing:
		return "initializing"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	case StateEnded:
		return "ended"
	}
	return "unknown"
}

// outbound is one frame queued for the client writer.
type outbound struct {
	typ  websocket.MessageType
	data []byte
}

func textFrame(b []byte) outbound { return outbound{typ: websocket.MessageText, data: b} }

func welcomeFor(id string) []byte { return protocol.Encode(protocol.Welcome(id)) }

// Conn is one browser client. Everything below the mailbox line is owned
// by the actor goroutine started in run.
type Conn struct {
	id     string
	relay  *Relay
	sock   Socket
	cancel context.CancelFunc
	log    *zap.Logger
	base   *zap.Logger

	mailbox chan event
	send    chan outbound
	done    chan struct{}
	state   atomic.Int32

	// actor-owned
	up           *upstream
	sessionID    string
	pending      *audiobuf.Queue
	throttle     *throttle.Throttle
	request      provider.SessionRequest
	customerID   string
	customerName string
	sessionGen   uint64
	cancelCreate context.CancelFunc
	reconnecting bool
	dialRetried  bool
	presence     *presenceWriter
}

func newConn(r *Relay, sock Socket, cancel context.CancelFunc) *Conn {
	id := ksuid.New().String()
	log := r.log.With(zap.String("client_id", id))
	return &Conn{
		id:       id,
		relay:    r,
		sock:     sock,
		cancel:   cancel,
		log:      log,
		base:     log,
		mailbox:  make(chan event, mailboxSize),
		send:     make(chan outbound, sendQueueSize),
		done:     make(chan struct{}),
		pending:  audiobuf.New(r.opts.BufferCapacity, r.opts.BufferKeep),
		throttle: r.newThrottle(),
	}
}

func (c *Conn) ID() string { return c.id }

// State is safe to call from any goroutine.
func (c *Conn) State() State { return State(c.state.Load()) }

func (c *Conn) setState(s State) {
	old := State(c.state.Swap(int32(s)))
	if old != s {
		c.log.Debug("state change", zap.Stringer("from", old), zap.Stringer("to", s))
	}
}

// Snapshot is a point-in-time view of a connection.
type Snapshot struct {
	ID           string `json:"id"`
	State        string `json:"state"`
	SessionID    string `json:"sessionId,omitempty"`
	Pending      int    `json:"pending"`
	Upstream     string `json:"upstream,omitempty"`
	Reconnecting bool   `json:"reconnecting,omitempty"`
	CustomerID   string `json:"customerId,omitempty"`
	CustomerName string `json:"customerName,omitempty"`
}

// Inspect asks the actor for a snapshot. It returns ErrClientGone once the
// connection is torn down.
func (c *Conn) Inspect(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	select {
	case c.mailbox <- inspectRequest{reply: reply}:
	case <-c.done:
		return Snapshot{}, ErrClientGone
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
	select {
	case s := <-reply:
		return s, nil
	case <-c.done:
		return Snapshot{}, ErrClientGone
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

func (c *Conn) snapshot() Snapshot {
	s := Snapshot{
		ID:           c.id,
		State:        c.State().String(),
		SessionID:    c.sessionID,
		Pending:      c.pending.Len(),
		Reconnecting: c.reconnecting,
		CustomerID:   c.customerID,
		CustomerName: c.customerName,
	}
	if c.up != nil {
		s.Upstream = c.up.status().String()
	}
	return s
}

// run is the actor loop. It exits when ctx is cancelled and then releases
// everything the connection owns.
func (c *Conn) run(ctx context.Context) {
	defer close(c.done)
	defer c.teardown()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.mailbox:
			c.handle(ctx, ev)
		}
	}
}

func (c *Conn) handle(ctx context.Context, ev event) {
	switch ev := ev.(type) {
	case clientFrame:
		if ev.typ == websocket.MessageBinary {
			c.onBinaryFrame(ctx, ev.data)
			return
		}
		c.dispatch(ctx, ev.data)
	case upstreamOpened:
		c.onUpstreamOpened(ev)
	case upstreamMessage:
		c.onUpstreamMessage(ctx, ev)
	case upstreamFailed:
		c.onUpstreamFailed(ctx, ev)
	case upstreamClosed:
		c.onUpstreamClosed(ctx, ev)
	case sessionResult:
		c.onSessionResult(ctx, ev)
	case inspectRequest:
		ev.reply <- c.snapshot()
	}
}

func (c *Conn) teardown() {
	c.setState(StateEnded)
	c.cancelSessionCreation()
	c.dropUpstream()
	c.pending.Reset()
}

// post delivers ev to the actor unless the connection is gone.
func (c *Conn) post(ctx context.Context, ev event) bool {
	select {
	case c.mailbox <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Conn) readLoop(ctx context.Context) error {
	for {
		typ, data, err := c.sock.Read(ctx)
		if err != nil {
			return err
		}
		if !c.post(ctx, clientFrame{typ: typ, data: data}) {
			return ctx.Err()
		}
	}
}

func (c *Conn) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, c.relay.opts.WriteTimeout)
			err := c.sock.Write(wctx, m.typ, m.data)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					c.log.Warn("client write failed", zap.Error(err))
				}
				c.cancel()
				return
			}
		}
	}
}

// queue hands m to the writer, waiting while the send queue is full.
func (c *Conn) queue(ctx context.Context, m outbound) {
	select {
	case c.send <- m:
	case <-ctx.Done():
	}
}

// trySend queues m without waiting and reports whether it was accepted.
func (c *Conn) trySend(m outbound) bool {
	select {
	case c.send <- m:
		return true
	default:
		return false
	}
}

func (c *Conn) sendJSON(ctx context.Context, m protocol.Message) {
	c.queue(ctx, textFrame(protocol.Encode(m)))
}

func (c *Conn) sendError(ctx context.Context, message, code, details string) {
	c.sendJSON(ctx, protocol.Error(message, code, details))
}

// warn sends a backpressure warning through the error throttle.
func (c *Conn) warn(ctx context.Context, code, message string) {
	sent := c.throttle.Notify(func() { c.sendError(ctx, message, code, "") })
	if !sent {
		c.relay.opts.Metrics.Throttled()
	}
}

func (c *Conn) closeClient(code websocket.StatusCode, reason string) {
	go func() { _ = c.sock.Close(code, reason) }()
}
