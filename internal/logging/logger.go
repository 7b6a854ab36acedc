// Package logging builds the application loggers.
package logging

import (
	"log/slog"
	"os"
)

// New creates a configured application logger. It writes to stderr so the
// CLI's stdout stays free for flow output, and standardizes the "error"
// attribute key to "err".
func New(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == "error" {
				a.Key = "err"
			}
			return a
		},
	}))
}

// NewNop returns a no-op logger.
func NewNop() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
