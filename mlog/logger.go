package mlog

import (
	"fmt"
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogConfig is the configuration for the package level logger.
type LogConfig struct {
	// Level is the minimum level that will be logged.
	// One of "debug", "info", "warn", "error". Default is "info".
	Level string `yaml:"level"`

	// File, if set, redirects log output from stderr to this file.
	File string `yaml:"file"`

	// Production switches the encoder from console to json.
	Production bool `yaml:"production"`
}

var (
	stderr = zapcore.Lock(os.Stderr)
	lvl    = zap.NewAtomicLevelAt(zapcore.InfoLevel)

	l = atomic.Pointer[zap.Logger]{}
	s = atomic.Pointer[zap.SugaredLogger]{}
)

func init() {
	logger := newCore(stderr, false)
	l.Store(logger)
	s.Store(logger.Sugar())
}

// NewLogger creates a *zap.Logger from lc.
func NewLogger(lc *LogConfig) (*zap.Logger, error) {
	if lc == nil {
		lc = new(LogConfig)
	}

	if len(lc.Level) > 0 {
		zl, err := zapcore.ParseLevel(lc.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %w", err)
		}
		lvl.SetLevel(zl)
	}

	out := zapcore.WriteSyncer(stderr)
	if len(lc.File) > 0 {
		f, err := os.OpenFile(lc.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out = zapcore.Lock(f)
	}

	logger := newCore(out, lc.Production)
	l.Store(logger)
	s.Store(logger.Sugar())
	return logger, nil
}

func newCore(out zapcore.WriteSyncer, production bool) *zap.Logger {
	var encoder zapcore.Encoder
	if production {
		encoder = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	} else {
		ec := zap.NewDevelopmentEncoderConfig()
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(ec)
	}
	return zap.New(zapcore.NewCore(encoder, out, lvl))
}

// L returns the package level logger.
func L() *zap.Logger {
	return l.Load()
}

// S returns the package level sugared logger.
func S() *zap.SugaredLogger {
	return s.Load()
}

// SetLevel changes the level of the package level logger.
func SetLevel(level zapcore.Level) {
	lvl.SetLevel(level)
}

// Nop returns a logger that discards everything.
func Nop() *zap.Logger {
	return zap.NewNop()
}
