// Package logging builds the slog logger used across deployer.
package logging

import (
	"io"
	"log/slog"
	"strings"
)

// ParseLevel converts a configured level name to slog.Level. Unknown names
// fall back to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "silent", "none":
		// High enough that nothing is ever logged
		return slog.Level(1000)
	default:
		return slog.LevelInfo
	}
}

func New(w io.Writer, level string, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: ParseLevel(level),
	}

	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}
