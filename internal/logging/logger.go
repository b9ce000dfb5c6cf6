// Package logging provides the zap logger used across the control
// plane and scraper worker binaries.
package logging

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// L is the process-wide logger. It defaults to a no-op logger so
// packages that log before Init runs (e.g. in tests) never
// dereference a nil pointer; call Init early in main to install a
// real one.
var L = zap.NewNop()

var mu sync.Mutex

// New builds a zap.Logger configured for development or production
// output.
func New(development bool) (*zap.Logger, error) {
	if development {
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		logger, err := cfg.Build()
		if err != nil {
			return nil, fmt.Errorf("build dev logger: %w", err)
		}
		return logger, nil
	}
	cfg := zap.NewProductionConfig()
	cfg.DisableStacktrace = false
	cfg.EncoderConfig.TimeKey = "ts"
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build prod logger: %w", err)
	}
	return logger, nil
}

// Init builds a logger for the given environment and installs it as
// the package-wide L, returning it so callers can defer its Sync.
func Init(development bool) (*zap.Logger, error) {
	logger, err := New(development)
	if err != nil {
		return nil, err
	}
	mu.Lock()
	L = logger
	mu.Unlock()
	return logger, nil
}

// SetGlobal installs an already-constructed logger as L, primarily
// for tests that want zap.NewNop() or an observer core.
func SetGlobal(logger *zap.Logger) {
	mu.Lock()
	L = logger
	mu.Unlock()
}
