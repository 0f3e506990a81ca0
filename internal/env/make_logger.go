package env

import (
	"fmt"

	zap "go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// MakeLogger builds the process logger. JSON in production, a colourised
// console encoder when development is set.
func MakeLogger(level string, development bool) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	logConfig := zap.NewProductionConfig()
	logConfig.Encoding = "json"

	if development {
		logConfig = zap.NewDevelopmentConfig()
		logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	logConfig.Level = zap.NewAtomicLevelAt(lvl)

	return logConfig.Build()
}
