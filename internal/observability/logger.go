// Package observability provides the gateway's ambient logging and
// tracing setup: a single JSON slog handler built at process start, and
// an in-process OpenTelemetry TracerProvider with no external exporter.
package observability

import (
	"log/slog"
	"os"

	"github.com/fairyhunter13/inference-gateway/internal/config"
)

// NewLogger configures a JSON slog logger enriched with service/env
// fields, matching every component's "logger threaded through
// constructors" convention.
func NewLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{}
	if cfg.IsDev() {
		opts.Level = slog.LevelDebug
	} else {
		var lvl slog.Level
		if err := lvl.UnmarshalText([]byte(cfg.LogLevel)); err == nil {
			opts.Level = lvl
		}
	}
	h := slog.NewJSONHandler(os.Stdout, opts)
	return slog.New(h).With(
		slog.String("service", "gateway"),
		slog.String("env", cfg.AppEnv),
	)
}
