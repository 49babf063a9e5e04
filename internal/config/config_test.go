package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 100, cfg.Relay.BufferCapacity)
	assert.Equal(t, 50, cfg.Relay.BufferKeep)
	assert.Equal(t, 10*time.Millisecond, cfg.Relay.FlushPacing)
	assert.Equal(t, time.Second, cfg.Relay.ErrorWindow)
	assert.Equal(t, 30*time.Second, cfg.Relay.HeartbeatInterval)
	assert.Equal(t, 2, cfg.Relay.MaxRetries)
	assert.Equal(t, 10*time.Second, cfg.Relay.SessionTimeout)
	assert.Equal(t, []string{"session.created", "transcription_session.created"}, cfg.Provider.ReadyEvents)
	assert.Equal(t, "audiorelay", cfg.NATS.SubjectPrefix)
}

func TestLoad_FileEnvAndFlags(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	yaml := `
server:
  addr: ":9000"
provider:
  voice: verse
  ready_events: ["session.updated"]
relay:
  flush_pacing: 25ms
log:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	t.Setenv("RELAY_PROVIDER_API_KEY", "sk-test")
	t.Setenv("RELAY_SERVER_ADDR", ":9100")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("log-level", "info", "")
	flags.Duration("heartbeat", 30*time.Second, "")
	require.NoError(t, flags.Parse([]string{"--heartbeat=5s"}))

	cfg, err := Load(path, flags)
	require.NoError(t, err)

	assert.Equal(t, ":9100", cfg.Server.Addr, "env beats file")
	assert.Equal(t, "sk-test", cfg.Provider.APIKey)
	assert.Equal(t, "verse", cfg.Provider.Voice)
	assert.Equal(t, []string{"session.updated"}, cfg.Provider.ReadyEvents)
	assert.Equal(t, 25*time.Millisecond, cfg.Relay.FlushPacing)
	assert.Equal(t, "debug", cfg.Log.Level, "unset flag must not override file")
	assert.Equal(t, 5*time.Second, cfg.Relay.HeartbeatInterval)
}

func TestLoad_ListsFromEnv(t *testing.T) {
	t.Setenv("RELAY_SERVER_ALLOWED_ORIGINS", "https://a.example, https://b.example,")
	t.Setenv("RELAY_PROVIDER_READY_EVENTS", "session.created")
	t.Setenv("RELAY_RELAY_ERROR_WINDOW", "250ms")

	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, []string{"session.created"}, cfg.Provider.ReadyEvents)
	assert.Equal(t, 250*time.Millisecond, cfg.Relay.ErrorWindow)
}

func TestYAMLRoundTrip(t *testing.T) {
	in := Default()
	in.Provider.Voice = "verse"
	in.Relay.FlushPacing = 15 * time.Millisecond
	in.Server.AllowedOrigins = []string{"https://app.example"}

	out, err := in.YAML()
	require.NoError(t, err)
	assert.Contains(t, string(out), "flush_pacing: 15ms")

	path := filepath.Join(t.TempDir(), "dump.yaml")
	require.NoError(t, os.WriteFile(path, out, 0o600))
	got, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, *in, *got)
}

func TestRedacted(t *testing.T) {
	c := Default()
	c.Provider.APIKey = "sk-live"
	c.Redis.Password = "hunter2"

	r := c.Redacted()
	assert.Equal(t, "********", r.Provider.APIKey)
	assert.Equal(t, "********", r.Redis.Password)
	assert.Equal(t, "sk-live", c.Provider.APIKey, "original untouched")
	assert.Empty(t, Default().Redacted().Provider.APIKey)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), nil)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty addr", func(c *Config) { c.Server.Addr = "" }},
		{"no ready events", func(c *Config) { c.Provider.ReadyEvents = nil }},
		{"keep above capacity", func(c *Config) { c.Relay.BufferKeep = 200 }},
		{"zero capacity", func(c *Config) { c.Relay.BufferCapacity = 0 }},
		{"negative retries", func(c *Config) { c.Relay.MaxRetries = -1 }},
		{"shrinking backoff", func(c *Config) { c.Relay.RetryMultiplier = 0.5 }},
		{"no session deadline", func(c *Config) { c.Relay.SessionTimeout = 0 }},
		{"no heartbeat", func(c *Config) { c.Relay.HeartbeatInterval = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, Default().Validate())
}
