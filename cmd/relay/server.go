package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	cidpkg "audiorelay/internal/cid"
	"audiorelay/internal/config"
	"audiorelay/internal/relay"
)

type Server struct {
	router   *gin.Engine
	relay    *relay.Relay
	cfg      config.ServerConfig
	log      *zap.Logger
	gatherer prometheus.Gatherer
	started  time.Time
}

func NewServer(cfg config.ServerConfig, rel *relay.Relay, log *zap.Logger, gatherer prometheus.Gatherer) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if gatherer == nil {
		gatherer = prometheus.NewRegistry()
	}
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		router:   gin.New(),
		relay:    rel,
		cfg:      cfg,
		log:      log.Named("http"),
		gatherer: gatherer,
		started:  time.Now(),
	}
	s.router.Use(gin.Recovery(), s.cidMiddleware(), s.otelMiddleware(), s.logMiddleware())
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/api/stats", s.handleStats)
	s.router.GET("/api/clients/:id", s.handleClient)
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	s.router.GET("/ws", s.handleWebSocket)
}

// Run serves until ctx is done, then closes every client and stops the
// listener.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go s.relay.RunHeartbeat(hbCtx)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	s.log.Info("shutting down")
	stopHeartbeat()
	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	sctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.relay.Shutdown(sctx); err != nil {
		s.log.Warn("clients still connected at shutdown", zap.Int("clients", s.relay.Registry().Len()))
	}
	if err := srv.Shutdown(sctx); err != nil {
		s.log.Warn("server forced to shutdown", zap.Error(err))
		return err
	}
	s.log.Info("shutdown complete")
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "audiorelay",
	})
}

func (s *Server) handleStats(c *gin.Context) {
	stats := s.relay.Registry().Stats()
	c.JSON(http.StatusOK, gin.H{
		"clients":        stats.Clients,
		"states":         stats.States,
		"uptime_seconds": int(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleClient(c *gin.Context) {
	conn, ok := s.relay.Registry().Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": relay.ErrClientNotFound.Error()})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	snap, err := conn.Inspect(ctx)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowedOrigins,
	})
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	if s.cfg.ReadLimit > 0 {
		conn.SetReadLimit(s.cfg.ReadLimit)
	}
	s.relay.Serve(c.Request.Context(), conn)
}

// cidMiddleware keeps an incoming correlation id or generates one, stores
// it on the request context and echoes it in the response.
func (s *Server) cidMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(cidpkg.HeaderName)
		if id == "" {
			id = cidpkg.New()
		}
		c.Request = c.Request.WithContext(cidpkg.WithCID(c.Request.Context(), id))
		c.Header(cidpkg.HeaderName, id)
		c.Next()
	}
}

// otelMiddleware starts a server span per request, continuing any trace
// the caller propagated.
func (s *Server) otelMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		req := c.Request
		ctx := otel.GetTextMapPropagator().Extract(req.Context(), propagation.HeaderCarrier(req.Header))

		attrs := []attribute.KeyValue{
			attribute.String("http.method", req.Method),
			attribute.String("http.target", req.URL.Path),
		}
		if id := cidpkg.FromContext(ctx); id != "" {
			attrs = append(attrs, attribute.String(cidpkg.AttributeName, id))
		}
		ctx, span := otel.Tracer("audiorelay/http").Start(ctx, req.Method+" "+req.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(attrs...))
		defer span.End()

		c.Request = req.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.status_code", status))
		if route := c.FullPath(); route != "" {
			span.SetAttributes(attribute.String("http.route", route))
		}
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
	}
}

func (s *Server) logMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.FullPath() == "/metrics" || c.FullPath() == "/health" {
			return
		}
		s.log.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("cid", cidpkg.FromContext(c.Request.Context())))
	}
}
