package log

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// nolint:gochecknoinits // the process-wide logger must exist before any component logs
func init() {
	logger, err := newLogger(zapcore.InfoLevel)
	if err != nil {
		panic(err)
	}

	zap.ReplaceGlobals(logger)
}

var atomicLevel = zap.NewAtomicLevelAt(zapcore.InfoLevel)

func newLogger(level zapcore.Level) (*zap.Logger, error) {
	atomicLevel.SetLevel(level)
	cfg := zap.NewProductionConfig()
	cfg.Level = atomicLevel
	cfg.Sampling = nil
	// skip this package's wrapper frame so the caller field points at the component
	return cfg.Build(zap.AddCallerSkip(1))
}

func Debug(format string, args ...interface{}) {
	if logLevel <= DEBUG {
		zap.S().Debugf(format, args...)
	}
}

func Info(format string, args ...interface{}) {
	if logLevel <= INFO {
		zap.S().Infof(format, args...)
	}
}

func Warn(format string, args ...interface{}) {
	if logLevel <= WARNING {
		zap.S().Warnf(format, args...)
	}
}

func Error(format string, args ...interface{}) {
	if logLevel <= ERROR {
		zap.S().Errorf(format, args...)
	}
}

func Fatal(format string, args ...interface{}) {
	zap.S().Fatalf(format, args...)
}

// With returns a sugared logger carrying the given key/value pairs, for
// components that log many lines about the same stream.
func With(keysAndValues ...interface{}) *zap.SugaredLogger {
	return zap.S().With(keysAndValues...)
}

func SetLevel(level Level) {
	logLevel = level
	atomicLevel.SetLevel(level.zapLevel())
}

// ParseLevel maps a config string to a Level. Unknown values fall back to INFO.
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "fatal":
		return FATAL
	case "error":
		return ERROR
	case "warning", "warn":
		return WARNING
	case "debug":
		return DEBUG
	default:
		return INFO
	}
}

// Sync flushes buffered log entries. Call before the process exits.
func Sync() {
	_ = zap.L().Sync()
}

type Level int

const (
	DEBUG Level = iota
	INFO
	WARNING
	ERROR
	FATAL
)

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case DEBUG:
		return zapcore.DebugLevel
	case WARNING:
		return zapcore.WarnLevel
	case ERROR:
		return zapcore.ErrorLevel
	case FATAL:
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

var logLevel = INFO
