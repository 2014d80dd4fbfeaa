// Package logging builds the slog handlers used by the invoicechain binaries.
//
// Usage:
//
//	logger := logging.New(os.Stderr, "debug", "text", true) // colored, for development
//	logger := logging.New(os.Stdout, "info", "json", false) // production
//
// Levels are debug, info, warn and error (default: info).
package logging

import (
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// New returns a logger writing to w. format is "json" or "text"; text uses tint.
func New(w io.Writer, level, format string, addSource bool) *slog.Logger {
	lvl := ParseLevel(level)
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level:     lvl,
			AddSource: addSource,
		}))
	}
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      lvl,
		TimeFormat: time.Kitchen,
		AddSource:  addSource,
	}))
}

// ParseLevel maps debug, warn and error onto slog levels. Anything else is info.
func ParseLevel(s string) slog.Level {
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
