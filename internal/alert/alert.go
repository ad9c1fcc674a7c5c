// Package alert provides the fire-and-forget alerting sink spec.md §6
// names: emit(severity, message, context). The engine only ever produces
// alerts; delivery transport (email, pager, chat) is an external concern.
package alert

import "github.com/rs/zerolog"

type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Sink receives alerts. Implementations must not block the caller for
// long; the monitor and trader loops call Emit inline.
type Sink interface {
	Emit(severity Severity, message string, context map[string]any)
}

// LogSink is the default Sink: it writes structured log lines. This is
// sufficient for the core's own contract; a real deployment wires a
// separate notification service behind the same interface.
type LogSink struct {
	log zerolog.Logger
}

func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Emit(severity Severity, message string, context map[string]any) {
	evt := s.log.Warn()
	if severity == SeverityCritical {
		evt = s.log.Error()
	}
	evt = evt.Str("severity", string(severity))
	for k, v := range context {
		evt = evt.Interface(k, v)
	}
	evt.Msg(message)
}
