package main

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"audiorelay/internal/config"
)

func TestBuildWithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := config.Default()
	cfg.Redis.Addr = mr.Addr()

	d, err := build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer d.Close()
	require.NotNil(t, d.relay)

	families, err := d.gatherer.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["go_goroutines"])
	assert.True(t, names["audiorelay_connected_clients"])
}

func TestBuildFailsOnUnreachableRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := config.Default()
	cfg.Redis.Addr = addr
	_, err := build(context.Background(), cfg, zap.NewNop())
	assert.Error(t, err)
}

func TestBuildFailsOnUnreachableNATS(t *testing.T) {
	cfg := config.Default()
	cfg.NATS.URL = "nats://127.0.0.1:1"
	_, err := build(context.Background(), cfg, zap.NewNop())
	assert.Error(t, err)
}
