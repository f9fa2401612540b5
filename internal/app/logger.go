package app

import (
	"log/slog"
	"os"
)

// NewLogger builds the process-wide slog logger. JSON output is meant for
// shipped environments where logs are scraped; any other format gets the
// human-readable text handler.
func NewLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{AddSource: true}
	if cfg != nil && cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
