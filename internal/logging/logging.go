// Package logging builds the zap loggers shared by the binaries.
package logging

import (
	"fmt"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a JSON production logger, or a console logger when env is
// "dev" or "test". level overrides the default level when non-empty.
func New(env, level string) (*zap.SugaredLogger, error) {
	var cfg zap.Config
	switch strings.ToLower(env) {
	case "dev", "development", "test", "":
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, err
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}

// Must is New for main packages. An unusable level falls back to the
// environment's default level and is reported on the returned logger.
func Must(env, level string) *zap.SugaredLogger {
	logger, err := New(env, level)
	if err == nil {
		return logger
	}
	fallback, ferr := New(env, "")
	if ferr != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", errors.CombineErrors(err, ferr))
		return zap.NewNop().Sugar()
	}
	fallback.Warnw("ignoring log level", "level", level, "error", err)
	return fallback
}
