// Package logging constructs the zap logger used across the pipeline,
// split by environment the same way the teacher's server entrypoint does.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a *zap.Logger for the given NODE_ENV and LOG_LEVEL.
func New(env, level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(normalizeLevel(level))); err != nil {
		lvl = zapcore.InfoLevel
	}

	var cfg zap.Config
	if env == "production" {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("logging: build zap logger: %w", err)
	}
	return logger, nil
}

// normalizeLevel maps the spec's recognized LOG_LEVEL vocabulary onto
// zapcore's: fatal becomes error, trace (which zap lacks) becomes debug,
// silent (which zap lacks) becomes fatal, and an empty level becomes info.
func normalizeLevel(level string) string {
	switch level {
	case "fatal":
		return "error"
	case "trace":
		return "debug"
	case "silent":
		return "fatal"
	case "":
		return "info"
	default:
		return level
	}
}
