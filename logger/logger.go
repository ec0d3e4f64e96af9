package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"school-records-server/config"
)

// New builds the process logger. Production JSON output unless the config asks
// for the development console encoder.
func New(cfg config.LogConfig) (*zap.SugaredLogger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		zc.Level = zap.NewAtomicLevelAt(level)
	}

	l, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return l.Sugar(), nil
}

// Nop returns a logger that discards everything, for tests.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
