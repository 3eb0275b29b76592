// Package logging builds the zap loggers used across the engine.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var log = New("development", "")

// New builds a logger for env. "production" gets JSON output with ISO8601
// timestamps; anything else gets the development console encoder.
// level overrides the default level; an empty level falls back to LOG_LEVEL.
func New(env, level string) *zap.Logger {
	var config zap.Config
	if env == "production" {
		config = zap.NewProductionConfig()
		config.EncoderConfig.TimeKey = "timestamp"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}
	if level != "" {
		var lvl zapcore.Level
		if err := lvl.UnmarshalText([]byte(level)); err == nil {
			config.Level = zap.NewAtomicLevelAt(lvl)
		}
	}

	logger, err := config.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// Get returns the process-wide logger.
func Get() *zap.Logger {
	return log
}

// Set replaces the process-wide logger.
func Set(l *zap.Logger) {
	log = l
}

// Sync flushes the process-wide logger.
func Sync() error {
	return log.Sync()
}
