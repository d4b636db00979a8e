package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger builds the process logger. The returned closer is nil unless the
// output owns a file.
func NewLogger(cfg LoggingConfig) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	switch strings.ToLower(strings.TrimSpace(cfg.Level)) {
	case "debug":
		level = slog.LevelDebug
	case "", "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, nil, fmt.Errorf("invalid log level: %s", cfg.Level)
	}

	var output io.Writer
	var closer io.Closer
	switch strings.ToLower(strings.TrimSpace(cfg.Output)) {
	case "stdout":
		output = os.Stdout
	case "", "stderr":
		output = os.Stderr
	case "file":
		if cfg.File == "" {
			return nil, nil, fmt.Errorf("log output is 'file' but no file path is specified")
		}
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}
		output = rotator
		closer = rotator
	case "none":
		return slog.New(slog.DiscardHandler), nil, nil
	default:
		return nil, nil, fmt.Errorf("invalid log output: %s", cfg.Output)
	}

	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "", "json":
		return slog.New(slog.NewJSONHandler(output, opts)), closer, nil
	case "text":
		return slog.New(slog.NewTextHandler(output, opts)), closer, nil
	default:
		if closer != nil {
			_ = closer.Close()
		}
		return nil, nil, fmt.Errorf("invalid log format: %s", cfg.Format)
	}
}
