package main

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"audiorelay/internal/config"
	"audiorelay/internal/events"
	"audiorelay/internal/metrics"
	"audiorelay/internal/presence"
	"audiorelay/internal/provider"
	"audiorelay/internal/relay"
	"audiorelay/internal/retry"
)

// deps holds the wired relay and whatever must be released on exit.
type deps struct {
	relay    *relay.Relay
	gatherer prometheus.Gatherer
	closers  []func()
}

func (d *deps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
}

func build(ctx context.Context, cfg *config.Config, log *zap.Logger) (*deps, error) {
	d := &deps{}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)
	d.gatherer = reg

	var store presence.Store
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := rdb.Ping(pctx).Err()
		cancel()
		if err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("redis %s: %w", cfg.Redis.Addr, err)
		}
		d.closers = append(d.closers, func() { _ = rdb.Close() })
		store = presence.NewRedisStore(rdb, cfg.Redis.KeyPrefix, cfg.Redis.TTL)
		log.Info("presence store: redis", zap.String("addr", cfg.Redis.Addr))
	} else {
		store = presence.NewMemoryStore()
	}

	var pub events.Publisher = events.Nop{}
	if cfg.NATS.URL != "" {
		nc, err := events.Connect(cfg.NATS.URL, "audiorelay-"+cfg.Relay.NodeID)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("nats %s: %w", cfg.NATS.URL, err)
		}
		d.closers = append(d.closers, func() { _ = nc.Drain() })
		pub = events.NewNATSPublisher(nc, cfg.NATS.SubjectPrefix)
		log.Info("lifecycle events: nats", zap.String("url", cfg.NATS.URL))
	}

	pc := provider.New(provider.Options{
		BaseURL:     cfg.Provider.BaseURL,
		RealtimeURL: cfg.Provider.RealtimeURL,
		APIKey:      cfg.Provider.APIKey,
		Timeout:     cfg.Provider.HTTPTimeout,
	})

	d.relay = relay.New(relay.Options{
		Provider: pc,
		Dialer:   relay.WebSocketDialer{ReadLimit: cfg.Server.ReadLimit},
		Ready:    relay.MatchTypes(cfg.Provider.ReadyEvents...),
		Defaults: provider.SessionRequest{
			Model:        cfg.Provider.Model,
			Voice:        cfg.Provider.Voice,
			Instructions: cfg.Provider.Instructions,
		},
		BufferCapacity:    cfg.Relay.BufferCapacity,
		BufferKeep:        cfg.Relay.BufferKeep,
		FlushPacing:       cfg.Relay.FlushPacing,
		ErrorWindow:       cfg.Relay.ErrorWindow,
		HeartbeatInterval: cfg.Relay.HeartbeatInterval,
		WriteTimeout:      cfg.Relay.WriteTimeout,
		Retry: retry.Policy{
			MaxRetries:   cfg.Relay.MaxRetries,
			InitialDelay: cfg.Relay.RetryInitialDelay,
			Multiplier:   cfg.Relay.RetryMultiplier,
			MaxDelay:     retry.Default().MaxDelay,
			Timeout:      cfg.Relay.SessionTimeout,
		},
		Presence: store,
		Events:   pub,
		Metrics:  m,
		Logger:   log,
		Node:     cfg.Relay.NodeID,
	})
	return d, nil
}
