// Package log provides a minimal factory for structured slog loggers shared
// by the bunnel-server and bunnel binaries.
package log

import (
	"log/slog"
	"os"
)

// New creates a [slog.Logger] that writes to stdout at the given level
// (one of "debug", "info", "warn", "error"; defaults to info), with every
// line tagged "component"=component. bunnel-server and the agent share
// this factory but log side by side when an agent runs next to the
// server it's tunneling to, so the tag is what tells their lines apart
// in a single terminal or aggregated log stream.
func New(level, component string) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(level),
	})).With("component", component)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
