package log

import (
	"context"
	"fmt"
	"strings"
)

// Logger is the structured logging contract used across the library.
//
// Implementations must be safe for concurrent use. The zap subpackage
// provides the production implementation; NewNop is the fallback whenever a
// component is constructed without a logger.
type Logger interface {
	Log(ctx context.Context, level Level, msg string, fields ...Field)
	With(fields ...Field) Logger
	WithGroup(name string) Logger
	Enabled(level Level) bool
	Sync(ctx context.Context) error
}

// Level represents the severity of a log entry.
//
// Lower numeric values indicate higher severity: a logger configured at
// LevelInfo emits Error, Warn, and Info entries and suppresses Debug.
type Level uint8

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

// String returns the string representation of a log level.
func (level Level) String() string {
	switch level {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// ParseLevel converts a textual level into a Level constant.
func ParseLevel(raw string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}

	var level Level

	return level, fmt.Errorf("not a valid Level: %q", raw)
}

// Field is a strongly-typed key/value attribute attached to a log entry.
type Field struct {
	Key   string
	Value any
}

// Any creates a field with an arbitrary value.
//
// Prefer the typed constructors to avoid accidentally logging sensitive
// payload contents.
func Any(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// String creates a string field.
func String(key, value string) Field {
	return Field{Key: key, Value: value}
}

// Int creates an integer field.
func Int(key string, value int) Field {
	return Field{Key: key, Value: value}
}

// Bool creates a boolean field.
func Bool(key string, value bool) Field {
	return Field{Key: key, Value: value}
}

// Duration creates a duration field rendered by the backend.
func Duration(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// Err creates the conventional `error` field.
func Err(err error) Field {
	return Field{Key: "error", Value: err}
}

// SafeError logs msg at error level with the error attached, tolerating a nil
// logger. When includeStack is set the backend may attach stack information.
func SafeError(logger Logger, ctx context.Context, msg string, err error, includeStack bool) {
	if logger == nil {
		return
	}

	fields := []Field{Err(err)}
	if includeStack {
		fields = append(fields, Bool("stack", true))
	}

	logger.Log(ctx, LevelError, msg, fields...)
}
