// Package logging builds the process-wide zap logger and a small set of
// helpers for deriving per-component child loggers.
package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a production zap.Logger whose level and encoding are taken
// from the LOG_LEVEL and LOG_FORMAT environment variables ("json" by
// default, "console" for local development).
func New() (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if lv := os.Getenv("LOG_LEVEL"); lv != "" {
		if err := level.UnmarshalText([]byte(lv)); err != nil {
			level = zapcore.InfoLevel
		}
	}

	var encoderCfg zapcore.EncoderConfig
	var encoder zapcore.Encoder
	if strings.EqualFold(os.Getenv("LOG_FORMAT"), "console") {
		encoderCfg = zap.NewDevelopmentEncoderConfig()
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	} else {
		encoderCfg = zap.NewProductionEncoderConfig()
		encoderCfg.TimeKey = "ts"
		encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), level)
	logger := zap.New(core, zap.AddCaller())
	return logger, nil
}

// NewNop returns a no-op logger, used by tests that don't care about
// log output but still need to satisfy a *zap.Logger dependency.
func NewNop() *zap.Logger {
	return zap.NewNop()
}
