// Package logging contains providers for common loggers.
package logging

import (
	"io"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
)

// Config for the logger.
type Config struct {
	Level slog.Level `help:"The default logging level." default:"info" env:"PLEASE_LOG_LEVEL"`
	JSON  bool       `help:"Enable JSON logging." env:"PLEASE_LOG_JSON"`
}

// New creates a [slog.Logger] writing to stderr.
func New(config Config) *slog.Logger {
	return NewWithWriter(os.Stderr, config)
}

// NewWithWriter creates a [slog.Logger] writing to w.
//
// Output is colourised with tint unless JSON is enabled.
func NewWithWriter(w io.Writer, config Config) *slog.Logger {
	var handler slog.Handler
	if config.JSON {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level: config.Level,
		})
	} else {
		handler = tint.NewHandler(w, &tint.Options{
			Level:      config.Level,
			TimeFormat: "15:04:05",
		})
	}
	return slog.New(handler)
}
