// Package logging builds the process-wide slog.Logger every zipline command
// installs with slog.SetDefault, matching the level-name-to-handler wiring
// shoal's oci.Logger uses for its own structured logging.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// New returns a JSON-handler slog.Logger writing to stderr at level, which
// may be "debug", "info", "warn" or "error" (case-insensitive). An
// unrecognized level falls back to info.
func New(level string) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(level)})
	return slog.New(handler)
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
