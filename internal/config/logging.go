package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// ParseLogLevel parses a log level string. Unknown values default to
// info; "off" is handled by NewLogger with a discard writer.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// NewLogger builds the process logger from the logging config: JSON
// output to stderr, or to a size-rotated file when one is configured.
func NewLogger(cfg LoggingConfig) *slog.Logger {
	level := strings.ToLower(strings.TrimSpace(cfg.Level))
	if level == "off" || level == "none" {
		return slog.New(slog.NewJSONHandler(io.Discard, nil))
	}

	var w io.Writer = os.Stderr
	if cfg.File != "" {
		w = &lumberjack.Logger{
			Filename:   expandHome(cfg.File),
			MaxSize:    orDefault(cfg.MaxSizeMB, 50),
			MaxBackups: orDefault(cfg.MaxBackups, 3),
			Compress:   true,
		}
	}

	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLogLevel(level)})
	return slog.New(handler).With(slog.String("service", "keel"))
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// expandHome resolves a leading "~/" against the user home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
