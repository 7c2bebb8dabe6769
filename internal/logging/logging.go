// Package logging builds the project-wide zap logger. Every binary in
// this module (cmd/clinval, pkg/api) gets its logger from here so log
// shape stays consistent regardless of entry point.
package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a SugaredLogger writing structured JSON to stderr at the
// given level ("debug", "info", "warn", "error"; defaults to "info" on
// an unrecognized or empty value).
func New(level string) *zap.SugaredLogger {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(level))
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		// zap.NewProductionConfig().Build() only fails on a broken sink
		// configuration; stderr is always writable, so this is
		// unreachable in practice. Fall back to a no-op logger rather
		// than panic a validation run over a logging failure.
		return zap.NewNop().Sugar()
	}
	return logger.Sugar()
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
