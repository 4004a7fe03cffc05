// Package log provides a chained-event logging API
// (log.Info().Str("k", v).Msg("...")) over a github.com/hashicorp/go-hclog
// backend, so every core component logs structured fields without
// hand-rolling one on top of the standard library's log package.
package log

import (
	"os"

	"github.com/hashicorp/go-hclog"
)

// Level mirrors hclog's level set so callers never import hclog directly.
type Level = hclog.Level

const (
	LevelTrace = hclog.Trace
	LevelDebug = hclog.Debug
	LevelInfo  = hclog.Info
	LevelWarn  = hclog.Warn
	LevelError = hclog.Error
)

var defaultLogger hclog.Logger = hclog.New(&hclog.LoggerOptions{
	Name:   "rtype",
	Level:  hclog.Info,
	Output: os.Stderr,
})

// SetLevel adjusts the minimum log level of the default logger, e.g. to
// honor a hot-reloaded config value.
func SetLevel(l Level) { defaultLogger.SetLevel(l) }

// Named returns a child logger prefixed with name, for per-component
// logging (e.g. log.Named("router"), log.Named("auth")).
func Named(name string) hclog.Logger { return defaultLogger.Named(name) }

// LogEvent accumulates key/value pairs for a single structured log line,
// emitted on Msg.
type LogEvent struct {
	logger hclog.Logger
	level  Level
	args   []interface{}
}

func newEvent(logger hclog.Logger, level Level) *LogEvent {
	return &LogEvent{logger: logger, level: level}
}

// Str appends a string field.
func (e *LogEvent) Str(key, val string) *LogEvent {
	e.args = append(e.args, key, val)
	return e
}

// Uint32 appends a uint32 field.
func (e *LogEvent) Uint32(key string, val uint32) *LogEvent {
	e.args = append(e.args, key, val)
	return e
}

// Int appends an int field.
func (e *LogEvent) Int(key string, val int) *LogEvent {
	e.args = append(e.args, key, val)
	return e
}

// Err appends an error field.
func (e *LogEvent) Err(err error) *LogEvent {
	e.args = append(e.args, "error", err)
	return e
}

// Bool appends a bool field.
func (e *LogEvent) Bool(key string, val bool) *LogEvent {
	e.args = append(e.args, key, val)
	return e
}

// Msg emits the accumulated event at its level with the given message.
func (e *LogEvent) Msg(msg string) {
	switch e.level {
	case hclog.Trace:
		e.logger.Trace(msg, e.args...)
	case hclog.Debug:
		e.logger.Debug(msg, e.args...)
	case hclog.Warn:
		e.logger.Warn(msg, e.args...)
	case hclog.Error:
		e.logger.Error(msg, e.args...)
	default:
		e.logger.Info(msg, e.args...)
	}
}

// Trace starts a trace-level event on the default logger.
func Trace() *LogEvent { return newEvent(defaultLogger, hclog.Trace) }

// Debug starts a debug-level event on the default logger.
func Debug() *LogEvent { return newEvent(defaultLogger, hclog.Debug) }

// Info starts an info-level event on the default logger.
func Info() *LogEvent { return newEvent(defaultLogger, hclog.Info) }

// Warn starts a warn-level event on the default logger.
func Warn() *LogEvent { return newEvent(defaultLogger, hclog.Warn) }

// Error starts an error-level event on the default logger.
func Error() *LogEvent { return newEvent(defaultLogger, hclog.Error) }
