// Package obs provides the minimal observability surface of the
// client: a leveled Logger and a Meter, with no-op defaults so
// instrumentation stays optional.
package obs

import (
	"fmt"
	"log/slog"
)

type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "DEBUG"
	case Info:
		return "INFO"
	case Warn:
		return "WARN"
	case Error:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Logger is the logging interface components accept.
type Logger interface {
	Logf(level Level, format string, args ...interface{})
}

// NopLogger discards all logs.
type NopLogger struct{}

func (NopLogger) Logf(level Level, format string, args ...interface{}) {}

// SlogLogger bridges to a log/slog logger. A nil L uses slog.Default.
type SlogLogger struct {
	L *slog.Logger
}

func (s SlogLogger) Logf(level Level, format string, args ...interface{}) {
	l := s.L
	if l == nil {
		l = slog.Default()
	}
	msg := fmt.Sprintf(format, args...)
	switch level {
	case Debug:
		l.Debug(msg)
	case Info:
		l.Info(msg)
	case Warn:
		l.Warn(msg)
	default:
		l.Error(msg)
	}
}
