// Package logging provides the structured logging port used across
// fleetcore. Components depend on the Logger interface rather than a
// concrete backend so tests can substitute a no-op or recording logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

// Logger is the structured logging port every fleetcore component depends
// on. It mirrors the printf-style interface used throughout the codebase:
// component constructors wrap a named slog.Logger.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// componentLogger adapts an slog.Logger tagged with a "component" attribute
// to the Logger port.
type componentLogger struct {
	slog *slog.Logger
}

// NewComponentLogger returns a Logger that tags every record with the given
// component name, e.g. NewComponentLogger("WorkerRuntime").
func NewComponentLogger(name string) Logger {
	return &componentLogger{slog: baseLogger().With("component", name)}
}

// NewComponentLoggerFrom builds a component logger on top of an explicit
// slog.Logger, used when a caller wants a non-default handler (e.g. tests
// capturing output).
func NewComponentLoggerFrom(base *slog.Logger, name string) Logger {
	if base == nil {
		base = baseLogger()
	}
	return &componentLogger{slog: base.With("component", name)}
}

func (l *componentLogger) Debug(format string, args ...any) { l.slog.Debug(fmt.Sprintf(format, args...)) }
func (l *componentLogger) Info(format string, args ...any)  { l.slog.Info(fmt.Sprintf(format, args...)) }
func (l *componentLogger) Warn(format string, args ...any)  { l.slog.Warn(fmt.Sprintf(format, args...)) }
func (l *componentLogger) Error(format string, args ...any) { l.slog.Error(fmt.Sprintf(format, args...)) }

var defaultHandler slog.Handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})

// Configure installs the process-wide slog handler used by every
// NewComponentLogger call made afterward. Call once during startup.
func Configure(w io.Writer, level slog.Level, json bool) {
	opts := &slog.HandlerOptions{Level: level}
	if json {
		defaultHandler = slog.NewJSONHandler(w, opts)
	} else {
		defaultHandler = slog.NewTextHandler(w, opts)
	}
}

func baseLogger() *slog.Logger {
	return slog.New(defaultHandler)
}

// nop is a Logger that discards everything; used as a safe default when a
// component is constructed without an explicit logger.
type nop struct{}

func (nop) Debug(string, ...any) {}
func (nop) Info(string, ...any)  {}
func (nop) Warn(string, ...any)  {}
func (nop) Error(string, ...any) {}

// Nop returns a Logger that discards all output.
func Nop() Logger { return nop{} }

// OrNop returns l if non-nil, otherwise a no-op Logger. Mirrors the
// defensive-default pattern used by every component constructor.
func OrNop(l Logger) Logger {
	if l == nil {
		return Nop()
	}
	return l
}
