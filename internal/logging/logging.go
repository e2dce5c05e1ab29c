// Package logging configures the process-wide slog default from the
// configuration file's logging section.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config selects the log destination, format, and level.
type Config struct {
	Type   string `toml:"type"`   // "console" (default) or "file"
	Level  string `toml:"level"`  // "debug", "info", "warn", "error"
	Format string `toml:"format"` // "text" (default) or "json"
	File   string `toml:"file"`   // destination path for the file type
}

// Setup installs the configured handler as slog's default logger. It returns
// a closer for the log file, or nil for console output.
func Setup(cfg Config) (io.Closer, error) {
	var out io.Writer = os.Stdout
	var closer io.Closer

	switch strings.ToLower(cfg.Type) {
	case "", "console":
	case "file":
		if cfg.File == "" {
			return nil, fmt.Errorf("logging.file is required for the file type")
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out = f
		closer = f
	default:
		return nil, fmt.Errorf("unknown logging.type: %q", cfg.Type)
	}

	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	slog.SetDefault(slog.New(handler))
	return closer, nil
}

// ParseLevel maps a level name to its slog level; unknown names get Info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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
