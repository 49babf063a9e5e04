// Package config loads relay settings from defaults, an optional YAML file,
// RELAY_* environment variables and command-line flags, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"audiorelay/internal/logging"
)

// EnvPrefix is prepended to every environment override, e.g.
// RELAY_PROVIDER_API_KEY for provider.api_key.
const EnvPrefix = "RELAY"

type Config struct {
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Provider ProviderConfig `mapstructure:"provider" yaml:"provider"`
	Relay    RelayConfig    `mapstructure:"relay" yaml:"relay"`
	Log      logging.Config `mapstructure:"log" yaml:"log"`
	Redis    RedisConfig    `mapstructure:"redis" yaml:"redis"`
	NATS     NATSConfig     `mapstructure:"nats" yaml:"nats"`
	OTel     OTelConfig     `mapstructure:"otel" yaml:"otel"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	ReadLimit       int64         `mapstructure:"read_limit" yaml:"read_limit"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// ProviderConfig addresses the realtime session provider.
type ProviderConfig struct {
	BaseURL      string        `mapstructure:"base_url" yaml:"base_url"`
	RealtimeURL  string        `mapstructure:"realtime_url" yaml:"realtime_url"`
	APIKey       string        `mapstructure:"api_key" yaml:"api_key"`
	Model        string        `mapstructure:"model" yaml:"model"`
	Voice        string        `mapstructure:"voice" yaml:"voice"`
	Instructions string        `mapstructure:"instructions" yaml:"instructions"`
	HTTPTimeout  time.Duration `mapstructure:"http_timeout" yaml:"http_timeout"`
	// ReadyEvents lists upstream message types that mark the session ready.
	ReadyEvents []string `mapstructure:"ready_events" yaml:"ready_events"`
}

// RelayConfig holds the per-connection tunables.
type RelayConfig struct {
	BufferCapacity    int           `mapstructure:"buffer_capacity" yaml:"buffer_capacity"`
	BufferKeep        int           `mapstructure:"buffer_keep" yaml:"buffer_keep"`
	FlushPacing       time.Duration `mapstructure:"flush_pacing" yaml:"flush_pacing"`
	ErrorWindow       time.Duration `mapstructure:"error_window" yaml:"error_window"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	MaxRetries        int           `mapstructure:"max_retries" yaml:"max_retries"`
	RetryInitialDelay time.Duration `mapstructure:"retry_initial_delay" yaml:"retry_initial_delay"`
	RetryMultiplier   float64       `mapstructure:"retry_multiplier" yaml:"retry_multiplier"`
	SessionTimeout    time.Duration `mapstructure:"session_timeout" yaml:"session_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	NodeID            string        `mapstructure:"node_id" yaml:"node_id"`
}

// RedisConfig enables the presence store when Addr is set.
type RedisConfig struct {
	Addr      string        `mapstructure:"addr" yaml:"addr"`
	Password  string        `mapstructure:"password" yaml:"password"`
	DB        int           `mapstructure:"db" yaml:"db"`
	TTL       time.Duration `mapstructure:"ttl" yaml:"ttl"`
	KeyPrefix string        `mapstructure:"key_prefix" yaml:"key_prefix"`
}

// NATSConfig enables lifecycle events when URL is set.
type NATSConfig struct {
	URL           string `mapstructure:"url" yaml:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix" yaml:"subject_prefix"`
}

type OTelConfig struct {
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	Stdout      bool   `mapstructure:"stdout" yaml:"stdout"`
	Endpoint    string `mapstructure:"endpoint" yaml:"endpoint"`
	Insecure    bool   `mapstructure:"insecure" yaml:"insecure"`
}

// Default returns the built-in configuration.
func Default() *Config {
	node, _ := os.Hostname()
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			AllowedOrigins:  []string{"*"},
			ReadLimit:       1 << 20,
			ShutdownTimeout: 10 * time.Second,
		},
		Provider: ProviderConfig{
			BaseURL:      "https://api.openai.com/v1",
			RealtimeURL:  "wss://api.openai.com/v1/realtime",
			Model:        "gpt-4o-realtime-preview",
			Voice:        "alloy",
			Instructions: "You are a helpful assistant.",
			HTTPTimeout:  5 * time.Second,
			ReadyEvents:  []string{"session.created", "transcription_session.created"},
		},
		Relay: RelayConfig{
			BufferCapacity:    100,
			BufferKeep:        50,
			FlushPacing:       10 * time.Millisecond,
			ErrorWindow:       time.Second,
			HeartbeatInterval: 30 * time.Second,
			MaxRetries:        2,
			RetryInitialDelay: time.Second,
			RetryMultiplier:   2,
			SessionTimeout:    10 * time.Second,
			WriteTimeout:      5 * time.Second,
			NodeID:            node,
		},
		Log: logging.Config{Level: "info", Format: "console"},
		Redis: RedisConfig{
			TTL:       2 * time.Hour,
			KeyPrefix: "audiorelay:presence:",
		},
		NATS: NATSConfig{SubjectPrefix: "audiorelay"},
		OTel: OTelConfig{ServiceName: "audiorelay"},
	}
}

// flagKeys maps command-line flag names onto config keys.
var flagKeys = map[string]string{
	"addr":            "server.addr",
	"log-level":       "log.level",
	"log-format":      "log.format",
	"provider-url":    "provider.base_url",
	"realtime-url":    "provider.realtime_url",
	"redis-addr":      "redis.addr",
	"nats-url":        "nats.url",
	"otel-stdout":     "otel.stdout",
	"otel-endpoint":   "otel.endpoint",
	"heartbeat":       "relay.heartbeat_interval",
	"allowed-origins": "server.allowed_origins",
}

// Load reads configuration. path may be empty. flags may be nil; only flags
// that were explicitly set override lower layers.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			f := flags.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg, viper.DecodeHook(decodeHook)); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

const masked = "********"

// Redacted returns a copy with secrets masked.
func (c Config) Redacted() Config {
	if c.Provider.APIKey != "" {
		c.Provider.APIKey = masked
	}
	if c.Redis.Password != "" {
		c.Redis.Password = masked
	}
	return c
}

// YAML renders c in the same shape Load reads.
func (c Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// decodeHook accepts durations as strings and lists as comma-separated
// strings, so every list key can be set from a single env var.
var decodeHook = mapstructure.ComposeDecodeHookFunc(
	mapstructure.StringToTimeDurationHookFunc(),
	mapstructure.StringToSliceHookFunc(","),
	trimStrings,
)

func trimStrings(_ reflect.Type, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf([]string(nil)) {
		return data, nil
	}
	items, ok := data.([]string)
	if !ok {
		return data, nil
	}
	out := make([]string, 0, len(items))
	for _, s := range items {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.allowed_origins", d.Server.AllowedOrigins)
	v.SetDefault("server.read_limit", d.Server.ReadLimit)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)

	v.SetDefault("provider.base_url", d.Provider.BaseURL)
	v.SetDefault("provider.realtime_url", d.Provider.RealtimeURL)
	v.SetDefault("provider.api_key", d.Provider.APIKey)
	v.SetDefault("provider.model", d.Provider.Model)
	v.SetDefault("provider.voice", d.Provider.Voice)
	v.SetDefault("provider.instructions", d.Provider.Instructions)
	v.SetDefault("provider.http_timeout", d.Provider.HTTPTimeout)
	v.SetDefault("provider.ready_events", d.Provider.ReadyEvents)

	v.SetDefault("relay.buffer_capacity", d.Relay.BufferCapacity)
	v.SetDefault("relay.buffer_keep", d.Relay.BufferKeep)
	v.SetDefault("relay.flush_pacing", d.Relay.FlushPacing)
	v.SetDefault("relay.error_window", d.Relay.ErrorWindow)
	v.SetDefault("relay.heartbeat_interval", d.Relay.HeartbeatInterval)
	v.SetDefault("relay.max_retries", d.Relay.MaxRetries)
	v.SetDefault("relay.retry_initial_delay", d.Relay.RetryInitialDelay)
	v.SetDefault("relay.retry_multiplier", d.Relay.RetryMultiplier)
	v.SetDefault("relay.session_timeout", d.Relay.SessionTimeout)
	v.SetDefault("relay.write_timeout", d.Relay.WriteTimeout)
	v.SetDefault("relay.node_id", d.Relay.NodeID)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)

	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.ttl", d.Redis.TTL)
	v.SetDefault("redis.key_prefix", d.Redis.KeyPrefix)

	v.SetDefault("nats.url", d.NATS.URL)
	v.SetDefault("nats.subject_prefix", d.NATS.SubjectPrefix)

	v.SetDefault("otel.service_name", d.OTel.ServiceName)
	v.SetDefault("otel.stdout", d.OTel.Stdout)
	v.SetDefault("otel.endpoint", d.OTel.Endpoint)
	v.SetDefault("otel.insecure", d.OTel.Insecure)
}

// Validate rejects values the relay cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Provider.BaseURL == "" {
		errs = append(errs, errors.New("provider.base_url is required"))
	}
	if c.Provider.RealtimeURL == "" {
		errs = append(errs, errors.New("provider.realtime_url is required"))
	}
	if len(c.Provider.ReadyEvents) == 0 {
		errs = append(errs, errors.New("provider.ready_events must not be empty"))
	}
	r := c.Relay
	if r.BufferCapacity <= 0 {
		errs = append(errs, errors.New("relay.buffer_capacity must be positive"))
	}
	if r.BufferKeep <= 0 || r.BufferKeep > r.BufferCapacity {
		errs = append(errs, fmt.Errorf("relay.buffer_keep must be in 1..%d", r.BufferCapacity))
	}
	if r.FlushPacing < 0 {
		errs = append(errs, errors.New("relay.flush_pacing must not be negative"))
	}
	if r.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("relay.heartbeat_interval must be positive"))
	}
	if r.MaxRetries < 0 {
		errs = append(errs, errors.New("relay.max_retries must not be negative"))
	}
	if r.RetryMultiplier < 1 {
		errs = append(errs, errors.New("relay.retry_multiplier must be at least 1"))
	}
	if r.SessionTimeout <= 0 {
		errs = append(errs, errors.New("relay.session_timeout must be positive"))
	}
	return errors.Join(errs...)
}
