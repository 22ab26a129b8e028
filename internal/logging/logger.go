package logging

import (
	"fmt"
	"reflect"
)

// Logger defines a minimal, printf-style logging contract.
//
// Every component takes this interface so callers can pass the shared file
// logger, a test recorder, or nothing at all.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger {
	return nopLogger{}
}

// IsNil reports whether logger is nil or wraps a nil pointer receiver.
func IsNil(logger Logger) bool {
	if logger == nil {
		return true
	}
	val := reflect.ValueOf(logger)
	switch val.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if IsNil(logger) {
		return Nop()
	}
	return logger
}

type componentLogger struct {
	parent    Logger
	component string
}

// WithComponent scopes a logger so every line carries a component tag.
func WithComponent(logger Logger, component string) Logger {
	logger = OrNop(logger)
	if component == "" {
		return logger
	}
	if cl, ok := logger.(*componentLogger); ok {
		logger = cl.parent
	}
	return &componentLogger{parent: logger, component: component}
}

func (l *componentLogger) prefix(format string) string {
	return fmt.Sprintf("[%s] %s", l.component, format)
}

func (l *componentLogger) Debug(format string, args ...any) {
	l.parent.Debug(l.prefix(format), args...)
}

func (l *componentLogger) Info(format string, args ...any) {
	l.parent.Info(l.prefix(format), args...)
}

func (l *componentLogger) Warn(format string, args ...any) {
	l.parent.Warn(l.prefix(format), args...)
}

func (l *componentLogger) Error(format string, args ...any) {
	l.parent.Error(l.prefix(format), args...)
}

type multiLogger []Logger

// Multi fans each line out to every non-nil logger. With no survivors it
// collapses to the nop logger; a single survivor is returned as-is.
func Multi(loggers ...Logger) Logger {
	kept := make([]Logger, 0, len(loggers))
	for _, logger := range loggers {
		if !IsNil(logger) {
			kept = append(kept, logger)
		}
	}
	switch len(kept) {
	case 0:
		return Nop()
	case 1:
		return kept[0]
	default:
		return multiLogger(kept)
	}
}

func (l multiLogger) Debug(format string, args ...any) {
	for _, logger := range l {
		logger.Debug(format, args...)
	}
}

func (l multiLogger) Info(format string, args ...any) {
	for _, logger := range l {
		logger.Info(format, args...)
	}
}

func (l multiLogger) Warn(format string, args ...any) {
	for _, logger := range l {
		logger.Warn(format, args...)
	}
}

func (l multiLogger) Error(format string, args ...any) {
	for _, logger := range l {
		logger.Error(format, args...)
	}
}
