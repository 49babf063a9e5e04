package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"audiorelay/internal/config"
	"audiorelay/internal/logging"
	"audiorelay/internal/otelutil"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "relay",
		Short:   "Realtime audio relay between browser clients and a conversational AI provider",
		Version: Version,
	}
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func addConfigFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringP("config", "c", "", "Path to a YAML config file")
	f.String("addr", ":8080", "HTTP listen address")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "console", "Log format (console, json)")
	f.String("provider-url", "", "Session provider base URL")
	f.String("realtime-url", "", "Session provider realtime socket URL")
	f.String("redis-addr", "", "Redis address for the presence store")
	f.String("nats-url", "", "NATS URL for lifecycle events")
	f.Bool("otel-stdout", false, "Export traces to stdout")
	f.String("otel-endpoint", "", "OTLP gRPC endpoint for traces")
	f.Duration("heartbeat", 0, "Client heartbeat interval")
	f.StringSlice("allowed-origins", nil, "Allowed WebSocket origin patterns")
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path, cmd.Flags())
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runServe(cfg)
		},
	}
	addConfigFlags(cmd)
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			out, err := cfg.Redacted().YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	addConfigFlags(cmd)
	return cmd
}

func runServe(cfg *config.Config) error {
	log, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = otelutil.Init(ctx, otelutil.Config{
		ServiceName: cfg.OTel.ServiceName,
		Endpoint:    cfg.OTel.Endpoint,
		Insecure:    cfg.OTel.Insecure,
		Stdout:      cfg.OTel.Stdout,
	})
	switch {
	case errors.Is(err, otelutil.ErrNoExporter):
		log.Info("tracing disabled")
	case err != nil:
		log.Warn("tracing init failed", zap.Error(err))
	}
	defer otelutil.Flush()

	d, err := build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer d.Close()

	s := NewServer(cfg.Server, d.relay, log, d.gatherer)
	log.Info("starting relay",
		zap.String("addr", cfg.Server.Addr),
		zap.String("version", Version),
		zap.String("node", cfg.Relay.NodeID))
	return s.Run(ctx)
}
