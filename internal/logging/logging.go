// Package logging builds the process-wide structured logger every
// subsystem writes through: JSON-encoded by default, console-encoded in
// local development.
package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a *zap.Logger per REVIEWQUEUE_LOG_FORMAT and
// REVIEWQUEUE_LOG_LEVEL ("console" or the default "json"; "debug", "info",
// "warn", "error" with "info" as the default level).
func New() *zap.Logger {
	level := zapcore.InfoLevel
	if raw := strings.ToLower(os.Getenv("REVIEWQUEUE_LOG_LEVEL")); raw != "" {
		_ = level.Set(raw)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if strings.ToLower(os.Getenv("REVIEWQUEUE_LOG_FORMAT")) == "console" {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level)
	return zap.New(core)
}

// Nop returns a logger that discards everything, for tests and call sites
// that receive no logger.
func Nop() *zap.Logger {
	return zap.NewNop()
}
