// Package relay bridges browser audio clients to realtime provider
// sessions. Each client connection is driven by one actor goroutine that
// owns its state, its pending audio and its upstream socket.
package relay

import (
	"context"
	"encoding/json"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"audiorelay/internal/audiobuf"
	"audiorelay/internal/cid"
	"audiorelay/internal/events"
	"audiorelay/internal/metrics"
	"audiorelay/internal/presence"
	"audiorelay/internal/provider"
	"audiorelay/internal/retry"
	"audiorelay/internal/throttle"
)

// SessionProvider creates upstream sessions and addresses their sockets.
// *provider.Client satisfies it.
type SessionProvider interface {
	CreateSession(ctx context.Context, req provider.SessionRequest) (*provider.Session, error)
	RealtimeURL(sessionID string) (string, error)
}

// ReadinessPredicate reports whether an upstream text message signals that
// the provider accepts audio.
type ReadinessPredicate func(msg []byte) bool

// MatchTypes returns a predicate matching upstream messages whose "type"
// field is one of types.
func MatchTypes(types ...string) ReadinessPredicate {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(msg []byte) bool {
		var env struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(msg, &env) != nil {
			return false
		}
		_, ok := set[env.Type]
		return ok
	}
}

// DefaultReadyTypes are the provider events that mark a session ready.
var DefaultReadyTypes = []string{"session.created", "transcription_session.created"}

// CommitFrame finalizes the audio sent so far as one input segment.
var CommitFrame = []byte(`{"type":"input_audio_buffer.commit"}`)

const (
	DefaultFlushPacing       = 10 * time.Millisecond
	DefaultErrorWindow       = time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultWriteTimeout      = 5 * time.Second

	mailboxSize   = 256
	sendQueueSize = 256
)

// Options configures a Relay. Zero values take the defaults above.
type Options struct {
	Provider SessionProvider
	Dialer   Dialer
	Ready    ReadinessPredicate
	// Defaults fill create_session fields the client leaves empty.
	Defaults provider.SessionRequest

	BufferCapacity    int
	BufferKeep        int
	FlushPacing       time.Duration
	ErrorWindow       time.Duration
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
	Retry             retry.Policy

	Presence presence.Store
	Events   events.Publisher
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
	Node     string

	// Now overrides the clock used by the error throttle.
	Now func() time.Time
}

// Relay accepts client sockets and owns the registry.
type Relay struct {
	opts     Options
	registry *Registry
	log      *zap.Logger
	tracer   trace.Tracer
}

func New(opts Options) *Relay {
	if opts.Dialer == nil {
		opts.Dialer = WebSocketDialer{}
	}
	if opts.Ready == nil {
		opts.Ready = MatchTypes(DefaultReadyTypes...)
	}
	if opts.BufferCapacity <= 0 {
		opts.BufferCapacity = audiobuf.DefaultCapacity
	}
	if opts.BufferKeep <= 0 {
		opts.BufferKeep = audiobuf.DefaultKeep
	}
	if opts.FlushPacing == 0 {
		opts.FlushPacing = DefaultFlushPacing
	}
	if opts.ErrorWindow <= 0 {
		opts.ErrorWindow = DefaultErrorWindow
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.Retry == (retry.Policy{}) {
		opts.Retry = retry.Default()
	}
	if opts.Events == nil {
		opts.Events = events.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Relay{
		opts:     opts,
		registry: NewRegistry(),
		log:      opts.Logger.Named("relay"),
		tracer:   otel.Tracer("audiorelay/relay"),
	}
}

func (r *Relay) Registry() *Registry { return r.registry }

// Serve runs one client connection until the client disconnects, the
// socket fails or ctx is cancelled. Teardown always completes; Serve never
// reports an error.
func (r *Relay) Serve(ctx context.Context, sock Socket) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c := newConn(r, sock, cancel)
	if id := cid.FromContext(ctx); id != "" {
		c.log = c.log.With(zap.String("cid", id))
		c.base = c.log
	}
	if r.opts.Presence != nil {
		c.presence = newPresenceWriter(r.opts.Presence, c.log)
	}
	r.registry.Add(c)
	r.opts.Metrics.ClientConnected()
	c.log.Info("client connected")
	r.publish(events.Event{Type: events.ClientConnected, ClientID: c.id})

	c.queue(ctx, textFrame(welcomeFor(c.id)))

	go c.writeLoop(ctx)
	go c.run(ctx)

	err := c.readLoop(ctx)
	cancel()
	<-c.done

	r.registry.Remove(c.id)
	r.opts.Metrics.ClientDisconnected()
	c.forget()
	if c.presence != nil {
		c.presence.close()
	}
	r.publish(events.Event{Type: events.ClientDisconnected, ClientID: c.id})
	c.log.Info("client disconnected", zap.Int("close_code", int(websocket.CloseStatus(err))), zap.Error(err))
}

// Shutdown asks every client to go away and waits for their teardown to
// finish or ctx to expire.
func (r *Relay) Shutdown(ctx context.Context) error {
	for _, c := range r.registry.Snapshot() {
		c.closeClient(websocket.StatusGoingAway, "server shutting down")
	}
	t := time.NewTicker(20 * time.Millisecond)
	defer t.Stop()
	for r.registry.Len() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}

func (r *Relay) publish(e events.Event) {
	e.Node = r.opts.Node
	if err := r.opts.Events.Publish(e); err != nil {
		r.log.Debug("publish event failed", zap.String("event", e.Type), zap.Error(err))
	}
}

func (r *Relay) newThrottle() *throttle.Throttle {
	return throttle.New(r.opts.ErrorWindow).WithClock(r.opts.Now)
}
