package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"audiorelay/pkg/protocol"
)

func TestParseFlags(t *testing.T) {
	o, err := parseFlags([]string{"--url", "ws://relay/ws", "--ogg", "--customer-id", "c1", "--interval", "20ms"})
	require.NoError(t, err)
	assert.Equal(t, "ws://relay/ws", o.cfg.ServerURL)
	assert.True(t, o.ogg)
	assert.Equal(t, "c1", o.cfg.CustomerID)
	assert.Equal(t, 20*time.Millisecond, o.interval)

	_, err = parseFlags([]string{"--chunk-size", "0"})
	assert.Error(t, err)
}

// scriptedRelay accepts one client and answers create_session with either
// a session or an initialization failure.
func scriptedRelay(t *testing.T, fail bool, got chan<- string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()
		_ = conn.Write(ctx, websocket.MessageText, protocol.Encode(protocol.Welcome("c")))
		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if typ == websocket.MessageBinary {
				got <- "audio:" + string(data)
				continue
			}
			var env protocol.Envelope
			_ = json.Unmarshal(data, &env)
			got <- env.Type
			if env.Type == protocol.TypeCreateSession {
				if fail {
					_ = conn.Write(ctx, websocket.MessageText,
						protocol.Encode(protocol.Error("Failed to initialize session", protocol.CodeSessionInitFailed, "quota")))
				} else {
					_ = conn.Write(ctx, websocket.MessageText, protocol.Encode(protocol.SessionCreated("s1")))
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testOptions(url string) options {
	o, _ := parseFlags([]string{"--url", "ws" + strings.TrimPrefix(url, "http"), "--chunk-size", "4", "--linger", "0s", "--retries", "0"})
	return o
}

func TestRunStreamsStdin(t *testing.T) {
	got := make(chan string, 16)
	srv := scriptedRelay(t, false, got)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, run(ctx, testOptions(srv.URL), bytes.NewReader([]byte("aaaabbbbcc")), zap.NewNop()))

	var seen []string
	for len(seen) < 6 {
		select {
		case s := <-got:
			seen = append(seen, s)
		case <-ctx.Done():
			t.Fatalf("relay saw only %v", seen)
		}
	}
	assert.Equal(t, []string{
		protocol.TypeCreateSession,
		"audio:aaaa",
		"audio:bbbb",
		"audio:cc",
		protocol.TypeEndOfStream,
		protocol.TypeEndSession,
	}, seen)
}

func TestRunReportsInitFailure(t *testing.T) {
	srv := scriptedRelay(t, true, make(chan string, 16))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := run(ctx, testOptions(srv.URL), bytes.NewReader([]byte("x")), zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota")
}
