// Package zerolog adapts a zerolog.Logger to engine.Logger so webhook
// and job log lines carry their fields (provider, kind, event_id, job,
// counters) as structured zerolog keys.
package zerolog

import (
	"github.com/rs/zerolog"

	"github.com/paywelt/billingcore/pkg/engine"
)

// Logger implements engine.Logger over zerolog.
type Logger struct {
	zl zerolog.Logger
}

// NewLogger wraps a zerolog.Logger. Callers usually pass one already
// tagged with a service context, e.g. log.With().Str("service",
// "billingd").Logger().
func NewLogger(zl zerolog.Logger) *Logger {
	return &Logger{zl: zl}
}

func (l *Logger) Debug(msg string, fields ...engine.Field) {
	l.emit(l.zl.Debug(), msg, fields)
}

func (l *Logger) Info(msg string, fields ...engine.Field) {
	l.emit(l.zl.Info(), msg, fields)
}

func (l *Logger) Warn(msg string, fields ...engine.Field) {
	l.emit(l.zl.Warn(), msg, fields)
}

func (l *Logger) Error(msg string, fields ...engine.Field) {
	l.emit(l.zl.Error(), msg, fields)
}

// emit attaches the engine fields to one zerolog event. Values are
// heterogeneous (ids, durations, counter maps), so they go through
// Interface rather than typed setters.
func (l *Logger) emit(ev *zerolog.Event, msg string, fields []engine.Field) {
	if ev == nil {
		return
	}
	for _, f := range fields {
		ev = ev.Interface(f.Key, f.Value)
	}
	ev.Msg(msg)
}
