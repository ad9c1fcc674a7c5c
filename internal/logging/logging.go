// Package logging sets up the shared zerolog logger used across every
// component of the engine.
package logging

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// New builds a base logger at the given level, JSON-encoded by default and
// switching to a console writer when TRADECORE_LOG_PRETTY=1 is set for
// local runs.
func New(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	var out = os.Stdout
	if os.Getenv("TRADECORE_LOG_PRETTY") == "1" {
		w := zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
		return zerolog.New(w).With().Timestamp().Logger()
	}
	return zerolog.New(out).With().Timestamp().Logger()
}

// Component returns a child logger tagged with a component name, the
// pattern every package in this engine uses to scope its log lines.
func Component(base zerolog.Logger, name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}
