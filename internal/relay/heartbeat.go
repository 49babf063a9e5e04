package relay

import (
	"context"
	"time"

	"go.uber.org/zap"

	"audiorelay/pkg/protocol"
)

var pingFrame = protocol.Encode(protocol.Ping())

// RunHeartbeat pings every registered client on the configured interval
// until ctx is done. A full send queue skips that client.
func (r *Relay) RunHeartbeat(ctx context.Context) {
	t := time.NewTicker(r.opts.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.Ping()
		}
	}
}

// Ping sends one heartbeat round and returns how many clients were reached.
func (r *Relay) Ping() int {
	n := 0
	for _, c := range r.registry.Snapshot() {
		if c.trySend(textFrame(pingFrame)) {
			n++
			continue
		}
		r.log.Debug("heartbeat skipped, send queue full", zap.String("client_id", c.id))
	}
	return n
}
