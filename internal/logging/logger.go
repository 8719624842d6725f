// Package logging provides structured logging for courier on top of zap.
package logging

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Output encodings accepted by New.
const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// Logger provides structured JSON logging with a runtime-adjustable level.
type Logger struct {
	z     *zap.Logger
	level zap.AtomicLevel
}

// global logger instance
var global atomic.Pointer[Logger]

// New builds a Logger writing to out at the given minimum level.
func New(out io.Writer, level, format string) (*Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.MessageKey = "message"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	switch format {
	case "", FormatJSON:
		enc = zapcore.NewJSONEncoder(encCfg)
	case FormatConsole:
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	default:
		return nil, fmt.Errorf("logging: unknown format %q", format)
	}

	atom := zap.NewAtomicLevelAt(lvl)
	core := zapcore.NewCore(enc, zapcore.Lock(zapcore.AddSync(out)), atom)

	return &Logger{z: zap.New(core), level: atom}, nil
}

// Wrap adapts an existing zap logger, e.g. one from zaptest.
func Wrap(z *zap.Logger) *Logger {
	return &Logger{z: z, level: zap.NewAtomicLevelAt(zapcore.DebugLevel)}
}

// NewNop returns a Logger that discards everything.
func NewNop() *Logger {
	return Wrap(zap.NewNop())
}

// Init replaces the global logger.
func Init(l *Logger) {
	global.Store(l)
}

// Get returns the global logger instance.
func Get() *Logger {
	if l := global.Load(); l != nil {
		return l
	}
	l, _ := New(os.Stdout, "info", FormatJSON)
	if global.CompareAndSwap(nil, l) {
		return l
	}
	return global.Load()
}

func (l *Logger) must() *zap.Logger {
	if l == nil || l.z == nil {
		return zap.NewNop()
	}
	return l.z
}

// Named returns a child logger whose entries carry the component name.
func (l *Logger) Named(name string) *Logger {
	return &Logger{z: l.must().Named(name), level: l.level}
}

// With returns a child logger with additional structured fields.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{z: l.must().With(fields...), level: l.level}
}

// SetLevel changes the minimum level of this logger and every logger
// derived from it.
func (l *Logger) SetLevel(level string) error {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	l.level.SetLevel(lvl)
	return nil
}

// Level returns the current minimum level.
func (l *Logger) Level() zapcore.Level {
	return l.level.Level()
}

// Debug logs a debug message.
func (l *Logger) Debug(message string, fields ...zap.Field) {
	l.must().Debug(message, fields...)
}

// Info logs an info message.
func (l *Logger) Info(message string, fields ...zap.Field) {
	l.must().Info(message, fields...)
}

// Warn logs a warning message.
func (l *Logger) Warn(message string, fields ...zap.Field) {
	l.must().Warn(message, fields...)
}

// Error logs an error message.
func (l *Logger) Error(message string, err error, fields ...zap.Field) {
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	l.must().Error(message, fields...)
}

// ErrorWithCode logs an error message tagged with an error code.
func (l *Logger) ErrorWithCode(message, code string, err error, fields ...zap.Field) {
	l.Error(message, err, append(fields, zap.String("code", code))...)
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	return l.must().Sync()
}

// Convenience functions using global logger

func Debug(message string, fields ...zap.Field) {
	Get().Debug(message, fields...)
}

func Info(message string, fields ...zap.Field) {
	Get().Info(message, fields...)
}

func Warn(message string, fields ...zap.Field) {
	Get().Warn(message, fields...)
}

func Error(message string, err error, fields ...zap.Field) {
	Get().Error(message, err, fields...)
}

func ErrorWithCode(message, code string, err error, fields ...zap.Field) {
	Get().ErrorWithCode(message, code, err, fields...)
}
