package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

type upstreamStatus int32

const (
	upstreamDialing upstreamStatus = iota
	upstreamOpen
	upstreamClosing
	upstreamDone
)

func (s upstreamStatus) String() string {
	switch s {
	case upstreamDialing:
		return "dialing"
	case upstreamOpen:
		return "open"
	case upstreamClosing:
		return "closing"
	case upstreamDone:
		return "closed"
	}
	return "unknown"
}

// upstream is one provider socket. Its status is written by the reader
// goroutine and by close, and read by the actor.
type upstream struct {
	url          string
	writeTimeout time.Duration
	cancelDial   context.CancelFunc

	st      atomic.Int32
	dropped atomic.Bool

	mu   sync.Mutex
	sock Socket

	// opened is actor-owned: set when the actor handles upstreamOpened.
	opened bool
}

func (u *upstream) status() upstreamStatus { return upstreamStatus(u.st.Load()) }

func (u *upstream) isOpen() bool { return u.status() == upstreamOpen }

// closingOrClosed reports whether the socket can no longer carry audio.
func (u *upstream) closingOrClosed() bool {
	s := u.status()
	return s == upstreamClosing || s == upstreamDone
}

func (u *upstream) markClosing() {
	u.st.CompareAndSwap(int32(upstreamDialing), int32(upstreamClosing))
	u.st.CompareAndSwap(int32(upstreamOpen), int32(upstreamClosing))
}

// run dials the provider and pumps its messages into c's mailbox until the
// socket ends or the upstream is dropped.
func (u *upstream) run(ctx, dialCtx context.Context, c *Conn, d Dialer) {
	sock, err := d.Dial(dialCtx, u.url)
	if err != nil {
		u.st.Store(int32(upstreamDone))
		if u.dropped.Load() {
			return
		}
		c.post(ctx, upstreamFailed{up: u, err: err})
		c.post(ctx, upstreamClosed{up: u, code: int(websocket.StatusAbnormalClosure)})
		return
	}

	u.mu.Lock()
	if u.dropped.Load() {
		u.mu.Unlock()
		_ = sock.Close(websocket.StatusNormalClosure, "")
		return
	}
	u.sock = sock
	u.st.Store(int32(upstreamOpen))
	u.mu.Unlock()

	if !c.post(ctx, upstreamOpened{up: u}) {
		_ = sock.Close(websocket.StatusGoingAway, "")
		return
	}

	for {
		typ, data, err := sock.Read(ctx)
		if err != nil {
			u.st.Store(int32(upstreamDone))
			if u.dropped.Load() || ctx.Err() != nil {
				return
			}
			code := websocket.CloseStatus(err)
			reason := ""
			var ce websocket.CloseError
			if errors.As(err, &ce) {
				reason = ce.Reason
			}
			if code == -1 {
				c.post(ctx, upstreamFailed{up: u, err: err})
				code = websocket.StatusAbnormalClosure
			}
			c.post(ctx, upstreamClosed{up: u, code: int(code), reason: reason})
			return
		}
		if !c.post(ctx, upstreamMessage{up: u, typ: typ, data: data}) {
			_ = sock.Close(websocket.StatusGoingAway, "")
			return
		}
	}
}

func (u *upstream) write(ctx context.Context, typ websocket.MessageType, data []byte) error {
	u.mu.Lock()
	sock := u.sock
	u.mu.Unlock()
	if sock == nil || !u.isOpen() {
		return ErrUpstreamNotOpen
	}
	wctx, cancel := context.WithTimeout(ctx, u.writeTimeout)
	defer cancel()
	return sock.Write(wctx, typ, data)
}

// close drops the upstream. Its later events are never delivered and close
// errors are ignored.
func (u *upstream) close() {
	u.dropped.Store(true)
	u.markClosing()
	if u.cancelDial != nil {
		u.cancelDial()
	}
	u.mu.Lock()
	sock := u.sock
	u.mu.Unlock()
	if sock == nil {
		return
	}
	go func() {
		_ = sock.Close(websocket.StatusNormalClosure, "")
		u.st.Store(int32(upstreamDone))
	}()
}
