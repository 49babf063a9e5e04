// Command relay-stream pipes audio from stdin through the relay and prints
// what comes back.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	cidpkg "audiorelay/internal/cid"
	"audiorelay/internal/logging"
	"audiorelay/internal/retry"
	"audiorelay/pkg/client"
	"audiorelay/pkg/protocol"
)

type options struct {
	url          string
	ogg          bool
	chunkSize    int
	interval     time.Duration
	readyTimeout time.Duration
	linger       time.Duration
	retries      int
	logLevel     string
	cfg          client.Config
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := pflag.NewFlagSet("relay-stream", pflag.ContinueOnError)
	fs.StringVarP(&o.url, "url", "u", "ws://localhost:8080/ws", "relay websocket URL")
	fs.BoolVar(&o.ogg, "ogg", false, "treat stdin as Ogg/Opus and send one packet per frame")
	fs.IntVar(&o.chunkSize, "chunk-size", 4800, "raw chunk size in bytes (ignored with --ogg)")
	fs.DurationVar(&o.interval, "interval", 0, "pause between frames, e.g. 100ms; 0 sends as fast as possible")
	fs.DurationVar(&o.readyTimeout, "ready-timeout", 15*time.Second, "how long to wait for session_created")
	fs.DurationVar(&o.linger, "linger", 5*time.Second, "keep printing provider events this long after end_of_stream")
	fs.IntVar(&o.retries, "retries", 3, "connection retries")
	fs.StringVar(&o.logLevel, "log-level", "info", "log level")
	fs.StringVar(&o.cfg.CustomerID, "customer-id", "", "customer id sent with create_session")
	fs.StringVar(&o.cfg.CustomerName, "customer-name", "", "customer name sent with create_session")
	fs.StringVar(&o.cfg.Voice, "voice", "", "voice override")
	fs.StringVar(&o.cfg.Model, "model", "", "model override")
	fs.StringVar(&o.cfg.Instructions, "instructions", "", "instructions override")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if !o.ogg && o.chunkSize <= 0 {
		return o, fmt.Errorf("--chunk-size must be positive")
	}
	o.cfg.ServerURL = o.url
	o.cfg.WriteTimeout = 5 * time.Second
	return o, nil
}

// sessionHandler logs everything and signals when the session is usable.
type sessionHandler struct {
	client.LogHandler
	created chan string
	failed  chan string
}

func (h sessionHandler) OnSessionCreated(id string) {
	h.LogHandler.OnSessionCreated(id)
	select {
	case h.created <- id:
	default:
	}
}

func (h sessionHandler) OnError(code, message, details string) {
	h.LogHandler.OnError(code, message, details)
	if code == protocol.CodeSessionInitFailed {
		select {
		case h.failed <- details:
		default:
		}
	}
}

func main() {
	o, err := parseFlags(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log := logging.Must(logging.Config{Level: o.logLevel, Format: "console"})
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, o, os.Stdin, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("stream failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, o options, in io.Reader, log *zap.Logger) error {
	ctx, id := cidpkg.Ensure(ctx)
	log = log.With(zap.String("cid", id))

	c := client.New(o.cfg)
	h := sessionHandler{
		LogHandler: client.LogHandler{Log: log},
		created:    make(chan string, 1),
		failed:     make(chan string, 1),
	}
	c.SetEventHandler(h)

	policy := retry.Default()
	policy.MaxRetries = o.retries
	policy.Timeout = 0
	err := policy.Do(ctx, func(ctx context.Context, _ int) error {
		return c.Connect(ctx)
	}, func(attempt int, err error, wait time.Duration) {
		log.Warn("connect failed, retrying", zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
	})
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	listenErr := make(chan error, 1)
	go func() { listenErr <- c.Listen(ctx) }()

	if err := c.CreateSession(ctx); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	select {
	case <-h.created:
	case details := <-h.failed:
		return fmt.Errorf("session initialization failed: %s", details)
	case err := <-listenErr:
		return fmt.Errorf("connection lost before session was created: %w", err)
	case <-time.After(o.readyTimeout):
		return fmt.Errorf("no session after %s", o.readyTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}

	s := &client.Streamer{
		Sender:   c,
		Interval: o.interval,
		OnTitle: func(title string) {
			log.Info("stream title", zap.String("title", title))
		},
	}
	start := time.Now()
	var st client.StreamStats
	if o.ogg {
		st, err = s.StreamOgg(ctx, in)
	} else {
		st, err = s.StreamChunks(ctx, in, o.chunkSize)
	}
	log.Info("stream finished",
		zap.Int("frames", st.Frames),
		zap.Int("bytes", st.Bytes),
		zap.Duration("elapsed", time.Since(start)))
	if err != nil {
		return err
	}

	select {
	case <-time.After(o.linger):
	case err := <-listenErr:
		return err
	case <-ctx.Done():
	}
	return c.EndSession(context.WithoutCancel(ctx))
}
