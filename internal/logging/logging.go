package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"regpay/backend/internal/config"
)

// Cleanup represents cleanup.
type Cleanup func() error

// New creates the service logger. Output always goes to stdout; a file
// sink is added when configured, for hosts without log shipping.
func New(cfg config.LoggingConfig) (*slog.Logger, Cleanup, error) {
	level := parseLevel(cfg.Level)

	var out io.Writer = os.Stdout
	var file *os.File
	if cfg.File != "" {
		if dir := filepath.Dir(cfg.File); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, nil, err
			}
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, err
		}
		file = f
		out = io.MultiWriter(os.Stdout, file)
	}

	handlerOptions := &slog.HandlerOptions{
		Level: level,
		// Source locations only at debug.
		AddSource: level <= slog.LevelDebug,
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(out, handlerOptions)
	} else {
		handler = slog.NewTextHandler(out, handlerOptions)
	}

	cleanup := func() error {
		if file != nil {
			return file.Close()
		}
		return nil
	}
	return slog.New(handler), cleanup, nil
}

// parseLevel parses level.
func parseLevel(value string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
