package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/majackson2003/walkie-talkie-mvp/internal/config"
	"github.com/majackson2003/walkie-talkie-mvp/internal/gateway"
	"github.com/majackson2003/walkie-talkie-mvp/internal/otelutil"
	"github.com/majackson2003/walkie-talkie-mvp/internal/store"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "walkie-server",
	Short: "Walkie-talkie voice clip server",
	Long: `walkie-server hosts ephemeral 4-digit channels over websockets. Members
exchange short voice clips; emergency alerts reach every connected client.

Settings come from flags, WALKIE_* environment variables and an optional
config file.`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVar(&configFile, "config", "", "config file (json, yaml or toml)")
	rootCmd.Flags().String("addr", ":8080", "listen address")
	rootCmd.Flags().String("database-url", "", "PostgreSQL connection string; in-memory store when empty")
	rootCmd.Flags().String("log-level", "info", "log level: debug, info, warn, error")
	rootCmd.Flags().String("log-format", "text", "log format: text or json")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	v := viper.New()
	for key, flag := range map[string]string{
		"addr":         "addr",
		"database_url": "database-url",
		"log.level":    "log-level",
		"log.format":   "log-format",
	} {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}
	cfg, err := config.Load(v, configFile)
	if err != nil {
		return err
	}

	logger := config.NewLogger(cfg.Log, os.Stderr)
	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := otelutil.Init(ctx, cfg.Tracing()); err != nil {
		if errors.Is(err, otelutil.ErrNoExporter) {
			logger.Debug("tracing disabled", "reason", err)
		} else {
			logger.Warn("tracing init failed", "error", err)
		}
	}
	defer otelutil.Flush()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}

	gateway.PingInterval = cfg.WS.PingInterval
	gateway.PongTimeout = cfg.WS.PongTimeout

	s := NewServer(cfg, st, logger)
	s.Start()
	logger.Info("walkie-server starting", "addr", cfg.Addr, "version", version, "persistent", cfg.DatabaseURL != "")
	if err := s.Serve(ctx); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	logger.Info("server shutdown complete")
	return nil
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	if cfg.DatabaseURL == "" {
		return store.NewMemory(), nil
	}
	st, err := store.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect store: %w", err)
	}
	return st, nil
}
