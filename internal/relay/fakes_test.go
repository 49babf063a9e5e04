package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"audiorelay/internal/events"
	"audiorelay/internal/presence"
	"audiorelay/internal/provider"
	"audiorelay/internal/retry"
	"audiorelay/pkg/protocol"
)

const waitTimeout = 2 * time.Second

type frame struct {
	typ  websocket.MessageType
	data []byte
}

// fakeSocket is an in-memory Socket. Tests push inbound frames on in and
// read what the relay wrote from out.
type fakeSocket struct {
	in     chan frame
	out    chan frame
	closed chan struct{}
	once   sync.Once

	mu        sync.Mutex
	err       error
	localCode websocket.StatusCode
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		in:        make(chan frame),
		out:       make(chan frame, 1024),
		closed:    make(chan struct{}),
		localCode: -1,
	}
}

func (s *fakeSocket) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case f := <-s.in:
		return f.typ, f.data, nil
	case <-s.closed:
		return 0, nil, s.closeErr()
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (s *fakeSocket) Write(ctx context.Context, typ websocket.MessageType, p []byte) error {
	select {
	case <-s.closed:
		return net.ErrClosed
	default:
	}
	select {
	case s.out <- frame{typ: typ, data: append([]byte(nil), p...)}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *fakeSocket) Close(code websocket.StatusCode, reason string) error {
	s.mu.Lock()
	if s.localCode == -1 {
		s.localCode = code
	}
	s.mu.Unlock()
	s.shut(websocket.CloseError{Code: code, Reason: reason})
	return nil
}

// remoteClose simulates the peer closing with code and reason.
func (s *fakeSocket) remoteClose(code websocket.StatusCode, reason string) {
	s.shut(websocket.CloseError{Code: code, Reason: reason})
}

// fail simulates a transport error without a close frame.
func (s *fakeSocket) fail(err error) { s.shut(err) }

func (s *fakeSocket) shut(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.closed)
	})
}

func (s *fakeSocket) closeErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeSocket) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *fakeSocket) closedWith() websocket.StatusCode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localCode
}

func (s *fakeSocket) push(t *testing.T, typ websocket.MessageType, data []byte) {
	t.Helper()
	select {
	case s.in <- frame{typ: typ, data: data}:
	case <-time.After(waitTimeout):
		t.Fatalf("socket did not accept inbound frame %q", data)
	}
}

func (s *fakeSocket) next(t *testing.T) frame {
	t.Helper()
	select {
	case f := <-s.out:
		return f
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for outbound frame")
		return frame{}
	}
}

// fakeProvider numbers sessions sess-1, sess-2, ... unless fn overrides a
// call. n is the 1-based call number.
type fakeProvider struct {
	mu    sync.Mutex
	calls []provider.SessionRequest
	fn    func(ctx context.Context, n int) (*provider.Session, error)
}

func (p *fakeProvider) CreateSession(ctx context.Context, req provider.SessionRequest) (*provider.Session, error) {
	p.mu.Lock()
	p.calls = append(p.calls, req)
	n := len(p.calls)
	fn := p.fn
	p.mu.Unlock()
	if fn != nil {
		return fn(ctx, n)
	}
	return &provider.Session{ID: fmt.Sprintf("sess-%d", n)}, nil
}

func (p *fakeProvider) RealtimeURL(id string) (string, error) {
	return "ws://provider.test/realtime?session_id=" + id + "&access_token=" + id, nil
}

func (p *fakeProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func (p *fakeProvider) Request(i int) provider.SessionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[i]
}

type dialAttempt struct {
	ctx  context.Context
	url  string
	sock *fakeSocket
}

// fakeDialer hands every dialled upstream to the test. With block set the
// dial never completes until its context is cancelled. With gate set each
// dial waits for the test to release it; a non-nil error fails the dial.
type fakeDialer struct {
	attempts chan dialAttempt
	block    bool
	err      error
	gate     chan error
}

func newFakeDialer() *fakeDialer { return &fakeDialer{attempts: make(chan dialAttempt, 16)} }

func (d *fakeDialer) Dial(ctx context.Context, url string) (Socket, error) {
	if d.gate != nil {
		select {
		case err := <-d.gate:
			if err != nil {
				d.attempts <- dialAttempt{ctx: ctx, url: url}
				return nil, err
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.err != nil {
		d.attempts <- dialAttempt{ctx: ctx, url: url}
		return nil, d.err
	}
	if d.block {
		d.attempts <- dialAttempt{ctx: ctx, url: url}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	s := newFakeSocket()
	d.attempts <- dialAttempt{ctx: ctx, url: url, sock: s}
	return s, nil
}

func (d *fakeDialer) next(t *testing.T) dialAttempt {
	t.Helper()
	select {
	case a := <-d.attempts:
		return a
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for upstream dial")
		return dialAttempt{}
	}
}

// gatedStore records store operations; each Put waits for release.
type gatedStore struct {
	*presence.MemoryStore
	started chan struct{}
	release chan struct{}

	mu  sync.Mutex
	ops []string
}

func newGatedStore() *gatedStore {
	return &gatedStore{
		MemoryStore: presence.NewMemoryStore(),
		started:     make(chan struct{}, 4),
		release:     make(chan struct{}),
	}
}

func (s *gatedStore) Put(ctx context.Context, r presence.Record) error {
	s.started <- struct{}{}
	<-s.release
	s.record("put " + r.SessionID)
	return s.MemoryStore.Put(ctx, r)
}

func (s *gatedStore) Delete(ctx context.Context, clientID string) error {
	s.record("delete")
	return s.MemoryStore.Delete(ctx, clientID)
}

func (s *gatedStore) record(op string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, op)
}

func (s *gatedStore) Ops() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ops...)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) Types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock { return &testClock{now: time.Unix(1_700_000_000, 0)} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// harness serves one fake client against a Relay.
type harness struct {
	t        *testing.T
	relay    *Relay
	client   *fakeSocket
	provider *fakeProvider
	dialer   *fakeDialer
	clientID string
	done     chan struct{}
}

func testOptions(p *fakeProvider, d *fakeDialer) Options {
	return Options{
		Provider:    p,
		Dialer:      d,
		Defaults:    provider.SessionRequest{Model: "default-model", Voice: "alloy", Instructions: "be brief"},
		FlushPacing: time.Millisecond,
		Retry: retry.Policy{
			MaxRetries:   2,
			InitialDelay: time.Millisecond,
			Multiplier:   2,
			MaxDelay:     10 * time.Millisecond,
			Timeout:      waitTimeout,
		},
	}
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		client:   newFakeSocket(),
		provider: &fakeProvider{},
		dialer:   newFakeDialer(),
		done:     make(chan struct{}),
	}
	opts := testOptions(h.provider, h.dialer)
	if mutate != nil {
		mutate(&opts)
	}
	h.relay = New(opts)

	go func() {
		defer close(h.done)
		h.relay.Serve(context.Background(), h.client)
	}()
	t.Cleanup(func() {
		h.client.remoteClose(websocket.StatusNormalClosure, "test done")
		select {
		case <-h.done:
		case <-time.After(waitTimeout):
			t.Errorf("Serve did not return after client close")
		}
	})

	welcome := h.expect(protocol.TypeWelcome)
	require.NotEmpty(t, welcome.ClientID)
	h.clientID = welcome.ClientID
	return h
}

func (h *harness) sendJSON(v any) {
	h.t.Helper()
	b, err := json.Marshal(v)
	require.NoError(h.t, err)
	h.client.push(h.t, websocket.MessageText, b)
}

func (h *harness) sendType(typ string) { h.sendJSON(map[string]string{"type": typ}) }

func (h *harness) sendAudio(data []byte) {
	h.t.Helper()
	h.client.push(h.t, websocket.MessageBinary, data)
}

// nextJSON returns the next text message the client received.
func (h *harness) nextJSON() protocol.Message {
	h.t.Helper()
	for {
		f := h.client.next(h.t)
		if f.typ != websocket.MessageText {
			continue
		}
		m, err := protocol.Decode(f.data)
		require.NoError(h.t, err)
		return m
	}
}

// expect fails unless the next JSON message has type typ.
func (h *harness) expect(typ string) protocol.Message {
	h.t.Helper()
	m := h.nextJSON()
	require.Equal(h.t, typ, m.Type, "unexpected message %+v", m)
	return m
}

// waitFor reads until a message of type typ and returns it with everything
// received before it.
func (h *harness) waitFor(typ string) (protocol.Message, []protocol.Message) {
	h.t.Helper()
	var before []protocol.Message
	for {
		m := h.nextJSON()
		if m.Type == typ {
			return m, before
		}
		before = append(before, m)
	}
}

// barrier makes the actor answer a marker message and returns every
// message the client received before the answer. Frames pushed before
// barrier are fully handled once it returns.
func (h *harness) barrier() []protocol.Message {
	h.t.Helper()
	h.sendType("barrier")
	var before []protocol.Message
	for {
		m := h.nextJSON()
		if m.Type == protocol.TypeError && m.ErrorCode() == protocol.CodeUnsupportedMessageType && m.Details == "barrier" {
			return before
		}
		before = append(before, m)
	}
}

func (h *harness) conn() *Conn {
	h.t.Helper()
	c, ok := h.relay.Registry().Get(h.clientID)
	require.True(h.t, ok, "client %s not registered", h.clientID)
	return c
}

func (h *harness) inspect() Snapshot {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	s, err := h.conn().Inspect(ctx)
	require.NoError(h.t, err)
	return s
}

// startSession creates a session and returns its upstream socket, opened
// but not yet ready.
func (h *harness) startSession() (*fakeSocket, protocol.Message) {
	h.t.Helper()
	h.sendType(protocol.TypeCreateSession)
	created := h.expect(protocol.TypeSessionCreated)
	up := h.dialer.next(h.t)
	require.NotNil(h.t, up.sock)
	return up.sock, created
}

// makeReady signals readiness on up and consumes the forwarded event.
func (h *harness) makeReady(up *fakeSocket) {
	h.t.Helper()
	up.push(h.t, websocket.MessageText, []byte(`{"type":"session.created"}`))
	h.waitFor("session.created")
}

func countType(msgs []protocol.Message, typ, code string) int {
	n := 0
	for _, m := range msgs {
		if m.Type == typ && (code == "" || m.ErrorCode() == code) {
			n++
		}
	}
	return n
}

func audioFrame(i int) []byte { return []byte(fmt.Sprintf("frame-%03d", i)) }
