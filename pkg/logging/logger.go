// Package logging provides the logger used across attackmap.
//
// Components take a Logger and scope it with With("component"). The default
// logger discards everything; binaries install a ZapLogger at startup.
package logging

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the interface for logging in attackmap.
type Logger interface {
	// Debug logs a debug message
	Debug(format string, args ...interface{})

	// Info logs an info message
	Info(format string, args ...interface{})

	// Warn logs a warning message
	Warn(format string, args ...interface{})

	// Error logs an error message
	Error(format string, args ...interface{})

	// With returns a logger scoped to a component name
	With(component string) Logger
}

// ZapLogger adapts a zap sugared logger to Logger.
type ZapLogger struct {
	sugar *zap.SugaredLogger
}

// Config selects the zap encoder and level.
type Config struct {
	Level  string `yaml:"level" json:"level"`   // debug, info, warn, error
	Format string `yaml:"format" json:"format"` // json, console
}

// NewZapLogger builds a production zap logger from cfg.
func NewZapLogger(cfg Config) (*ZapLogger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(orDefault(cfg.Level, "info")))); err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	if cfg.Format == "console" {
		zc.Encoding = "console"
		zc.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}

	l, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("build zap logger: %w", err)
	}
	return &ZapLogger{sugar: l.Sugar()}, nil
}

// NewZapLoggerFrom wraps an existing zap logger.
func NewZapLoggerFrom(l *zap.Logger) *ZapLogger {
	return &ZapLogger{sugar: l.Sugar()}
}

func (l *ZapLogger) Debug(format string, args ...interface{}) { l.sugar.Debugf(format, args...) }
func (l *ZapLogger) Info(format string, args ...interface{})  { l.sugar.Infof(format, args...) }
func (l *ZapLogger) Warn(format string, args ...interface{})  { l.sugar.Warnf(format, args...) }
func (l *ZapLogger) Error(format string, args ...interface{}) { l.sugar.Errorf(format, args...) }

// With returns a child logger carrying a component field.
func (l *ZapLogger) With(component string) Logger {
	return &ZapLogger{sugar: l.sugar.With("component", component)}
}

// Sync flushes buffered log entries.
func (l *ZapLogger) Sync() error {
	return l.sugar.Sync()
}

// NopLogger is a no-op logger that discards all messages.
type NopLogger struct{}

func (l *NopLogger) Debug(format string, args ...interface{}) {}
func (l *NopLogger) Info(format string, args ...interface{})  {}
func (l *NopLogger) Warn(format string, args ...interface{})  {}
func (l *NopLogger) Error(format string, args ...interface{}) {}
func (l *NopLogger) With(component string) Logger             { return l }

var (
	defaultMu     sync.RWMutex
	defaultLogger Logger = &NopLogger{}
)

// SetDefault sets the process-wide default logger.
func SetDefault(logger Logger) {
	if logger == nil {
		logger = &NopLogger{}
	}
	defaultMu.Lock()
	defaultLogger = logger
	defaultMu.Unlock()
}

// Default returns the process-wide default logger.
func Default() Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// OrDefault returns l, or the default logger scoped to component when l is nil.
func OrDefault(l Logger, component string) Logger {
	if l == nil {
		return Default().With(component)
	}
	return l
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// Ensure implementations satisfy the interface
var (
	_ Logger = (*ZapLogger)(nil)
	_ Logger = (*NopLogger)(nil)
)
