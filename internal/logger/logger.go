// Package logger provides the process-wide structured logger.
// It wraps a zap sugared logger behind small helpers so call sites
// stay terse, and installs a slog bridge so packages that use log/slog
// share the same sink.
package logger

import (
	"log/slog"

	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"
	"go.uber.org/zap/zapcore"
)

var log *zap.SugaredLogger

// Initialize sets up the process logger. Debug enables development
// encoding and debug-level output; otherwise JSON at info level.
func Initialize(debug bool) {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		// Logging is not optional; fall back to a bare example logger.
		l = zap.NewExample()
	}
	log = l.Sugar()

	slog.SetDefault(slog.New(zapslog.NewHandler(l.Core())))
}

func ensure() *zap.SugaredLogger {
	if log == nil {
		Initialize(false)
	}
	return log
}

// Info logs a message at info level.
func Info(args ...any) { ensure().Info(args...) }

// Infof logs a formatted message at info level.
func Infof(format string, args ...any) { ensure().Infof(format, args...) }

// Warn logs a message at warn level.
func Warn(args ...any) { ensure().Warn(args...) }

// Warnf logs a formatted message at warn level.
func Warnf(format string, args ...any) { ensure().Warnf(format, args...) }

// Errorf logs a formatted message at error level.
func Errorf(format string, args ...any) { ensure().Errorf(format, args...) }

// Fatalf logs a formatted message and exits.
func Fatalf(format string, args ...any) { ensure().Fatalf(format, args...) }
