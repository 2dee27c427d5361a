package config

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

const (
	defaultMonitorAddr    = ":9090"
	defaultCheckpointRoot = "checkpoints"

	envMonitorAddr    = "VERL_MONITOR_ADDR"
	envCheckpointRoot = "VERL_CKPT_ROOT"
	envRemoteURL      = "VERL_REMOTE_URL"
	envLogLevel       = "VERL_LOG_LEVEL"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	MonitorAddr    string
	CheckpointRoot string
	RemoteURL      string
	LogLevel       slog.Level
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		MonitorAddr:    defaultMonitorAddr,
		CheckpointRoot: defaultCheckpointRoot,
		LogLevel:       slog.LevelInfo,
	}

	if v := os.Getenv(envMonitorAddr); v != "" {
		cfg.MonitorAddr = v
	}
	if v := os.Getenv(envCheckpointRoot); v != "" {
		cfg.CheckpointRoot = v
	}
	if v := os.Getenv(envRemoteURL); v != "" {
		cfg.RemoteURL = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}

	return cfg
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
