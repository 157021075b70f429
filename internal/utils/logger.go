// internal/utils/logger.go

package utils

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger defines the interface for logging throughout the application.
type Logger interface {
	Debug(msg string)
	Debugf(format string, args ...interface{})
	Info(msg string)
	Infof(format string, args ...interface{})
	Warn(msg string)
	Warnf(format string, args ...interface{})
	Error(msg string)
	Errorf(format string, args ...interface{})
	WithField(key string, value interface{}) Logger
	WithFields(fields map[string]interface{}) Logger
}

// LogLevel represents the severity of a log message.
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// ParseLogLevel converts a config string into a LogLevel. Unknown values map to InfoLevel.
func ParseLogLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DebugLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

func (l LogLevel) zapLevel() zapcore.Level {
	switch l {
	case DebugLevel:
		return zapcore.DebugLevel
	case WarnLevel:
		return zapcore.WarnLevel
	case ErrorLevel:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

var (
	rootMu    sync.RWMutex
	rootLevel = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	rootZap   = buildZap("console")
)

func buildZap(format string) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Level = rootLevel
	cfg.Sampling = nil
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if format != "json" {
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	l, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// ConfigureLogging sets the process-wide level and encoding ("json" or "console").
// Loggers created before the call keep their encoder but follow the new level.
func ConfigureLogging(level, format string) {
	rootLevel.SetLevel(ParseLogLevel(level).zapLevel())
	rootMu.Lock()
	rootZap = buildZap(format)
	rootMu.Unlock()
}

// SetLogLevel changes the process-wide log level.
func SetLogLevel(level LogLevel) {
	rootLevel.SetLevel(level.zapLevel())
}

// zapLogger adapts a zap SugaredLogger to the Logger interface.
type zapLogger struct {
	s *zap.SugaredLogger
}

// NewLogger creates a logger using the process-wide configuration.
func NewLogger() Logger {
	rootMu.RLock()
	defer rootMu.RUnlock()
	return &zapLogger{s: rootZap.Sugar()}
}

// NewLoggerWithLevel creates a logger that only emits at or above level.
func NewLoggerWithLevel(level LogLevel) Logger {
	rootMu.RLock()
	base := rootZap
	rootMu.RUnlock()
	l := base.WithOptions(zap.IncreaseLevel(level.zapLevel()))
	return &zapLogger{s: l.Sugar()}
}

// NewComponentLogger creates a logger tagged with the component name.
func NewComponentLogger(component string) Logger {
	rootMu.RLock()
	defer rootMu.RUnlock()
	return &zapLogger{s: rootZap.Named(component).Sugar().With("component", component)}
}

// NewNopLogger returns a logger that discards everything.
func NewNopLogger() Logger {
	return &zapLogger{s: zap.NewNop().Sugar()}
}

// NewZapLogger wraps an existing zap logger.
func NewZapLogger(l *zap.Logger) Logger {
	return &zapLogger{s: l.Sugar()}
}

func (l *zapLogger) Debug(msg string) { l.s.Debug(msg) }

func (l *zapLogger) Debugf(format string, args ...interface{}) { l.s.Debugf(format, args...) }

func (l *zapLogger) Info(msg string) { l.s.Info(msg) }

func (l *zapLogger) Infof(format string, args ...interface{}) { l.s.Infof(format, args...) }

func (l *zapLogger) Warn(msg string) { l.s.Warn(msg) }

func (l *zapLogger) Warnf(format string, args ...interface{}) { l.s.Warnf(format, args...) }

func (l *zapLogger) Error(msg string) { l.s.Error(msg) }

func (l *zapLogger) Errorf(format string, args ...interface{}) { l.s.Errorf(format, args...) }

func (l *zapLogger) WithField(key string, value interface{}) Logger {
	return &zapLogger{s: l.s.With(key, value)}
}

func (l *zapLogger) WithFields(fields map[string]interface{}) Logger {
	if len(fields) == 0 {
		return l
	}
	kv := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		kv = append(kv, k, v)
	}
	return &zapLogger{s: l.s.With(kv...)}
}

// Sync flushes buffered log entries.
func Sync() {
	rootMu.RLock()
	defer rootMu.RUnlock()
	_ = rootZap.Sync()
}

// String makes LogLevel printable in config dumps.
func (l LogLevel) String() string {
	switch l {
	case DebugLevel:
		return "debug"
	case InfoLevel:
		return "info"
	case WarnLevel:
		return "warn"
	case ErrorLevel:
		return "error"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}
