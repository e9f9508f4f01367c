package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger returns a JSON production logger at the named level. Unknown levels fall back to info.
func NewLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(level))
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build(zap.Fields(zap.String("service", "gather-api")))
}

func parseLevel(raw string) zapcore.Level {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	if normalized == "warning" {
		normalized = "warn"
	}
	level, err := zapcore.ParseLevel(normalized)
	if err != nil || normalized == "" {
		return zapcore.InfoLevel
	}
	return level
}
