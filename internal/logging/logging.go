// Package logging wires zerolog into the Core: a process-global base
// logger plus component-scoped children, with every call site
// threading an explicit trace.Context rather than relying on an
// implicit ambient one.
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/meristem/core/internal/trace"
)

// Log is the process-wide base logger. Call sites should prefer
// Component() and WithTrace() over using Log directly.
var Log zerolog.Logger

// Initialize configures the global logger. pretty selects a
// human-readable console writer for local development; otherwise
// output is newline-delimited JSON with unix timestamps.
func Initialize(level string, pretty bool) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	} else {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	}

	Log = log.With().Str("service", "meristem-core").Logger()
	Log.Info().Str("level", lvl.String()).Bool("pretty", pretty).Msg("logger initialized")
}

// Component returns a child logger tagged with a subsystem name.
func Component(name string) *zerolog.Logger {
	l := Log.With().Str("component", name).Logger()
	return &l
}

// WithTrace starts a log event on l annotated with every field of ctx.
// Callers chain .Msg()/.Err() as usual:
//
//	logging.WithTrace(auditLog, ctx).Str("event_id", id).Msg("committed")
func WithTrace(l *zerolog.Logger, ctx trace.Context) *zerolog.Event {
	ev := l.Info().Str("trace_id", ctx.TraceID).Str("node_id", ctx.NodeID).Str("source", ctx.Source)
	if ctx.HasTask() {
		ev = ev.Str("task_id", ctx.TaskID)
	}
	return ev
}

// ErrorWithTrace is the error-level counterpart of WithTrace.
func ErrorWithTrace(l *zerolog.Logger, ctx trace.Context, err error) *zerolog.Event {
	ev := l.Error().Err(err).Str("trace_id", ctx.TraceID).Str("node_id", ctx.NodeID).Str("source", ctx.Source)
	if ctx.HasTask() {
		ev = ev.Str("task_id", ctx.TaskID)
	}
	return ev
}
