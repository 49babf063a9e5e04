package relay

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"audiorelay/internal/presence"
)

const presenceTimeout = 2 * time.Second

type presenceOp struct {
	rec    presence.Record
	delete bool
}

// presenceWriter applies one client's presence updates in submission order
// on its own goroutine, so the actor never waits on the store. Only the
// newest unapplied update is kept: the store is last-writer-wins.
type presenceWriter struct {
	store presence.Store
	log   *zap.Logger
	wake  chan struct{}

	mu      sync.Mutex
	pending *presenceOp
	closed  bool
}

func newPresenceWriter(store presence.Store, log *zap.Logger) *presenceWriter {
	w := &presenceWriter{store: store, log: log, wake: make(chan struct{}, 1)}
	go w.run()
	return w
}

func (w *presenceWriter) submit(op presenceOp) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.pending = &op
	w.mu.Unlock()
	w.signal()
}

// close stops the writer once the last submitted update is applied.
func (w *presenceWriter) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.signal()
}

func (w *presenceWriter) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *presenceWriter) run() {
	for range w.wake {
		for {
			w.mu.Lock()
			op, closed := w.pending, w.closed
			w.pending = nil
			w.mu.Unlock()
			if op == nil {
				if closed {
					return
				}
				break
			}
			w.apply(*op)
		}
	}
}

func (w *presenceWriter) apply(op presenceOp) {
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if op.delete {
		if err := w.store.Delete(ctx, op.rec.ClientID); err != nil {
			w.log.Warn("presence delete failed", zap.Error(err))
		}
		return
	}
	if err := w.store.Put(ctx, op.rec); err != nil {
		w.log.Warn("presence put failed", zap.Error(err))
	}
}

// remember records the current session in the presence store.
func (c *Conn) remember() {
	if c.presence == nil {
		return
	}
	c.presence.submit(presenceOp{rec: presence.Record{
		ClientID:     c.id,
		SessionID:    c.sessionID,
		CustomerID:   c.customerID,
		CustomerName: c.customerName,
		Node:         c.relay.opts.Node,
		UpdatedAt:    c.relay.opts.Now(),
	}})
}

func (c *Conn) forget() {
	if c.presence == nil {
		return
	}
	c.presence.submit(presenceOp{rec: presence.Record{ClientID: c.id}, delete: true})
}
