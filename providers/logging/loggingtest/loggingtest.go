// Package loggingtest provides loggers for use in tests.
package loggingtest

import (
	"log/slog"
	"os"
)

// NewForTesting returns a logger writing debug output to stderr.
func NewForTesting() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}
