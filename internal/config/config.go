// Package config loads server settings from flags, environment (WALKIE_*)
// and an optional config file through viper.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/majackson2003/walkie-talkie-mvp/internal/emergency"
	"github.com/majackson2003/walkie-talkie-mvp/internal/ingest"
	"github.com/majackson2003/walkie-talkie-mvp/internal/otelutil"
	"github.com/majackson2003/walkie-talkie-mvp/internal/state"
	"github.com/majackson2003/walkie-talkie-mvp/internal/store"
	"github.com/majackson2003/walkie-talkie-mvp/pkg/protocol"
)

const EnvPrefix = "WALKIE"

type Config struct {
	Addr         string        `mapstructure:"addr"`
	DatabaseURL  string        `mapstructure:"database_url"`
	StoreTimeout time.Duration `mapstructure:"store_timeout"`

	Channel   ChannelConfig   `mapstructure:"channel"`
	Audio     AudioConfig     `mapstructure:"audio"`
	Emergency EmergencyConfig `mapstructure:"emergency"`
	Retention RetentionConfig `mapstructure:"retention"`
	WS        WSConfig        `mapstructure:"ws"`
	Loop      LoopConfig      `mapstructure:"loop"`
	Log       LogConfig       `mapstructure:"log"`
	OTel      OTelConfig      `mapstructure:"otel"`
}

type ChannelConfig struct {
	Capacity     int `mapstructure:"capacity"`
	CodeAttempts int `mapstructure:"code_attempts"`
}

type AudioConfig struct {
	MaxBytes     int64         `mapstructure:"max_bytes"`
	MaxDuration  time.Duration `mapstructure:"max_duration"`
	RateLimit    int           `mapstructure:"rate_limit"`
	RateWindow   time.Duration `mapstructure:"rate_window"`
	HistoryLimit int           `mapstructure:"history_limit"`
	ChannelCap   int           `mapstructure:"channel_cap"`
}

type EmergencyConfig struct {
	Cooldown time.Duration `mapstructure:"cooldown"`
}

type RetentionConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	MessageDays     int           `mapstructure:"message_days"`
	EmergencyDays   int           `mapstructure:"emergency_days"`
	ChannelIdleDays int           `mapstructure:"channel_idle_days"`
}

type WSConfig struct {
	PingInterval time.Duration `mapstructure:"ping_interval"`
	PongTimeout  time.Duration `mapstructure:"pong_timeout"`
	SendBuffer   int           `mapstructure:"send_buffer"`
	ReadLimit    int64         `mapstructure:"read_limit"`
}

type LoopConfig struct {
	QueueSize int `mapstructure:"queue_size"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type OTelConfig struct {
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	Insecure     bool   `mapstructure:"otlp_insecure"`
	Headers      string `mapstructure:"otlp_headers"`
	Stdout       bool   `mapstructure:"stdout"`
}

// SetDefaults registers every key with its default so that AutomaticEnv can
// resolve it and Unmarshal sees it.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("addr", ":8080")
	v.SetDefault("database_url", "")
	v.SetDefault("store_timeout", 3*time.Second)

	v.SetDefault("channel.capacity", 20)
	v.SetDefault("channel.code_attempts", 50)

	v.SetDefault("audio.max_bytes", protocol.DefaultMaxAudioBytes)
	v.SetDefault("audio.max_duration", time.Duration(protocol.DefaultMaxAudioDuration)*time.Millisecond)
	v.SetDefault("audio.rate_limit", 30)
	v.SetDefault("audio.rate_window", time.Minute)
	v.SetDefault("audio.history_limit", 50)
	v.SetDefault("audio.channel_cap", 50)

	v.SetDefault("emergency.cooldown", 5*time.Minute)

	v.SetDefault("retention.interval", time.Hour)
	v.SetDefault("retention.message_days", 7)
	v.SetDefault("retention.emergency_days", 30)
	v.SetDefault("retention.channel_idle_days", 14)

	v.SetDefault("ws.ping_interval", 30*time.Second)
	v.SetDefault("ws.pong_timeout", 10*time.Second)
	v.SetDefault("ws.send_buffer", 256)
	// 0 derives the limit from audio.max_bytes.
	v.SetDefault("ws.read_limit", 0)

	v.SetDefault("loop.queue_size", 1024)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("otel.otlp_endpoint", "")
	v.SetDefault("otel.otlp_insecure", false)
	v.SetDefault("otel.otlp_headers", "")
	v.SetDefault("otel.stdout", false)
}

// Load reads the configuration. file may be empty; a missing file is an error
// only when it was named explicitly.
func Load(v *viper.Viper, file string) (Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if cfg.WS.ReadLimit == 0 {
		cfg.WS.ReadLimit = protocol.DefaultReadLimit(cfg.Audio.MaxBytes)
	}
	if cfg.OTel.OTLPEndpoint == "" {
		cfg.OTel.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if cfg.OTel.Headers == "" {
		cfg.OTel.Headers = os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values no component can run with.
func (c Config) Validate() error {
	var errs []error
	positive := func(name string, ok bool) {
		if !ok {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	positive("store_timeout", c.StoreTimeout > 0)
	positive("channel.capacity", c.Channel.Capacity > 0)
	positive("channel.code_attempts", c.Channel.CodeAttempts > 0)
	positive("audio.max_bytes", c.Audio.MaxBytes > 0)
	positive("audio.max_duration", c.Audio.MaxDuration > 0)
	positive("audio.rate_limit", c.Audio.RateLimit > 0)
	positive("audio.rate_window", c.Audio.RateWindow > 0)
	positive("audio.history_limit", c.Audio.HistoryLimit > 0)
	positive("audio.channel_cap", c.Audio.ChannelCap > 0)
	positive("emergency.cooldown", c.Emergency.Cooldown > 0)
	positive("ws.ping_interval", c.WS.PingInterval > 0)
	positive("ws.pong_timeout", c.WS.PongTimeout > 0)
	positive("ws.send_buffer", c.WS.SendBuffer > 0)
	positive("loop.queue_size", c.Loop.QueueSize > 0)

	if c.Audio.HistoryLimit > c.Audio.ChannelCap {
		errs = append(errs, fmt.Errorf("audio.history_limit (%d) exceeds audio.channel_cap (%d)", c.Audio.HistoryLimit, c.Audio.ChannelCap))
	}
	if need := protocol.MinReadLimit(c.Audio.MaxBytes); c.WS.ReadLimit > 0 && c.WS.ReadLimit < need {
		errs = append(errs, fmt.Errorf("ws.read_limit (%d) cannot carry a base64 clip of audio.max_bytes (%d), need at least %d", c.WS.ReadLimit, c.Audio.MaxBytes, need))
	}
	if c.Retention.MessageDays < 0 || c.Retention.EmergencyDays < 0 || c.Retention.ChannelIdleDays < 0 {
		errs = append(errs, errors.New("retention days must not be negative"))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

func (c Config) SessionConfig() state.Config {
	return state.Config{
		Capacity:     c.Channel.Capacity,
		CodeAttempts: c.Channel.CodeAttempts,
		StoreTimeout: c.StoreTimeout,
	}
}

func (c Config) IngestConfig() ingest.Config {
	return ingest.Config{
		Limits: protocol.AudioLimits{
			MaxBytes:      c.Audio.MaxBytes,
			MaxDurationMs: c.Audio.MaxDuration.Milliseconds(),
		},
		RateLimit:    c.Audio.RateLimit,
		RateWindow:   c.Audio.RateWindow,
		HistoryLimit: c.Audio.HistoryLimit,
		ChannelCap:   c.Audio.ChannelCap,
		StoreTimeout: c.StoreTimeout,
	}
}

func (c Config) EmergencyConfig() emergency.Config {
	return emergency.Config{Cooldown: c.Emergency.Cooldown, StoreTimeout: c.StoreTimeout}
}

const day = 24 * time.Hour

// RetentionPolicy converts the day counts; zero disables that rule.
func (c Config) RetentionPolicy() store.RetentionPolicy {
	return store.RetentionPolicy{
		MaxMessagesPerChannel: c.Audio.ChannelCap,
		MessageMaxAge:         time.Duration(c.Retention.MessageDays) * day,
		EmergencyMaxAge:       time.Duration(c.Retention.EmergencyDays) * day,
		ChannelMaxIdle:        time.Duration(c.Retention.ChannelIdleDays) * day,
	}
}

func (c Config) Tracing() otelutil.Config {
	return otelutil.Config{
		ServiceName:  "walkie",
		OTLPEndpoint: c.OTel.OTLPEndpoint,
		Insecure:     c.OTel.Insecure,
		Headers:      c.OTel.Headers,
		Stdout:       c.OTel.Stdout,
	}
}

// NewLogger builds the process logger from the log section.
func NewLogger(c LogConfig, w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return l, nil
}
