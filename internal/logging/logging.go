// Package logging is YAK's structured logger. It wraps hclog behind the
// same small call shape jocko's own log package used at its call sites:
// logger.With(log.String(k, v)) and logger.Error(msg, log.Error("error", err)).
package logging

import (
	"os"

	"github.com/hashicorp/go-hclog"
)

// Field is a single structured logging key/value pair.
type Field struct {
	Key   string
	Value interface{}
}

// String builds a string field.
func String(k, v string) Field { return Field{k, v} }

// Int32 builds an int32 field.
func Int32(k string, v int32) Field { return Field{k, v} }

// Uint64 builds a uint64 field.
func Uint64(k string, v uint64) Field { return Field{k, v} }

// Bool builds a bool field.
func Bool(k string, v bool) Field { return Field{k, v} }

// Error builds an error field.
func Error(k string, err error) Field { return Field{k, err} }

// Logger is YAK's structured logger, backed by hclog.
type Logger struct {
	hl hclog.Logger
}

// New returns a root logger writing to stderr at Info level.
func New() *Logger {
	return &Logger{hl: hclog.New(&hclog.LoggerOptions{
		Name:   "yak",
		Level:  hclog.Info,
		Output: os.Stderr,
	})}
}

func fieldsToArgs(fields []Field) []interface{} {
	args := make([]interface{}, 0, len(fields)*2)
	for _, f := range fields {
		args = append(args, f.Key, f.Value)
	}
	return args
}

// With returns a child logger carrying the given fields on every message.
func (l *Logger) With(fields ...Field) *Logger {
	return &Logger{hl: l.hl.With(fieldsToArgs(fields)...)}
}

// Named returns a child logger with name appended to the logger chain.
func (l *Logger) Named(name string) *Logger {
	return &Logger{hl: l.hl.Named(name)}
}

// Debug logs at debug level.
func (l *Logger) Debug(msg string, fields ...Field) { l.hl.Debug(msg, fieldsToArgs(fields)...) }

// Info logs at info level.
func (l *Logger) Info(msg string, fields ...Field) { l.hl.Info(msg, fieldsToArgs(fields)...) }

// Warn logs at warn level.
func (l *Logger) Warn(msg string, fields ...Field) { l.hl.Warn(msg, fieldsToArgs(fields)...) }

// Error logs at error level.
func (l *Logger) Error(msg string, fields ...Field) { l.hl.Error(msg, fieldsToArgs(fields)...) }

// HCLog exposes the underlying hclog.Logger for libraries (raft, raft-boltdb)
// that want to take one directly.
func (l *Logger) HCLog() hclog.Logger { return l.hl }
