// Package logger configures the process-wide slog logger. Both the server
// and the CLI commands go through Setup so field names and levels stay
// consistent across the binary.
package logger

import (
	"log/slog"
	"os"
	"strings"
)

// Standard field keys used across the server so logs aggregate cleanly.
const (
	KeyMAC      = "mac"
	KeyClientID = "client_id"
	KeyIP       = "ip"
	KeyXID      = "xid"
	KeyMsgType  = "msg_type"
)

// Setup builds a logger writing to stderr and installs it as the slog
// default. Level is one of debug, info, warn, error (case-insensitive);
// anything else falls back to info.
func Setup(level string, jsonFormat bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var handler slog.Handler
	if jsonFormat {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	log := slog.New(handler)
	slog.SetDefault(log)
	return log
}

func parseLevel(level string) slog.Level {
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
