// Package logging configures the daemon's structured logger. The CLI's
// repeatable -v flag (spec.md §6) maps to a slog level; any legacy
// log.Printf call elsewhere in the tree is redirected through slog so it is
// never silently dropped by a stricter filter.
package logging

import (
	"context"
	"log"
	"log/slog"
	"os"
	"strings"
)

// LevelFromVerbosity maps the CLI's repeatable -v count to a slog level:
// 0 -v => warn, 1 -v => info, 2+ -v => debug.
func LevelFromVerbosity(count int) slog.Level {
	switch {
	case count <= 0:
		return slog.LevelWarn
	case count == 1:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

// ParseLevel converts a level name (as might appear in config) to a slog
// level, defaulting to Info for an empty or unrecognized string.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(name) {
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

// Configure installs a text slog handler at level on stderr as the global
// default logger, and redirects the standard log package through it. Call
// once at process startup before any other package logs.
func Configure(level slog.Level) {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))

	log.SetOutput(&slogWriter{level: level})
	log.SetFlags(0) // slog adds its own timestamp
}

// slogWriter adapts legacy log.Printf output to slog at a fixed level.
type slogWriter struct {
	level slog.Level
}

func (w *slogWriter) Write(p []byte) (n int, err error) {
	msg := strings.TrimRight(string(p), "\n")
	slog.Log(context.Background(), w.level, msg)
	return len(p), nil
}
