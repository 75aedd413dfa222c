// Package logging builds the zap loggers used by the API server and the veritas client.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewServer returns a JSON logger tagged with the service name.
func NewServer(debug bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level(debug, zapcore.InfoLevel))
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build server logger: %w", err)
	}
	return logger.With(zap.String("app", "veritas")), nil
}

// NewClient returns a human readable logger writing to stderr.
func NewClient(debug bool) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	// Quiet by default so command output stays readable.
	cfg.Level = zap.NewAtomicLevelAt(level(debug, zapcore.WarnLevel))
	cfg.DisableStacktrace = true
	cfg.OutputPaths = []string{"stderr"}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build client logger: %w", err)
	}
	return logger, nil
}

// OrNop returns logger, or a no-op logger when it is nil.
func OrNop(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}

func level(debug bool, fallback zapcore.Level) zapcore.Level {
	if debug {
		return zapcore.DebugLevel
	}
	return fallback
}
