// Package logging configures the zap-backed logr.Logger used by rewind
// binaries and summarizes CRIU and procfs state for failure reports.
package logging

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LevelEnv selects the log level: trace, debug, info, warn, error.
const LevelEnv = "REWIND_LOG_LEVEL"

var levels = map[string]zapcore.Level{
	"":        zapcore.InfoLevel,
	"trace":   zapcore.DebugLevel,
	"debug":   zapcore.DebugLevel,
	"info":    zapcore.InfoLevel,
	"warn":    zapcore.WarnLevel,
	"warning": zapcore.WarnLevel,
	"error":   zapcore.ErrorLevel,
}

// ConfigureLogger builds a console logger writing to output ("stdout",
// "stderr" or a file path) at the level named by REWIND_LOG_LEVEL.
func ConfigureLogger(output string) logr.Logger {
	raw := os.Getenv(LevelEnv)
	level, levelErr := parseLevel(raw)
	if output == "" {
		output = "stdout"
	}

	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.OutputPaths = []string{output}
	cfg.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	z, err := cfg.Build()
	if err != nil {
		// An unwritable log file falls back to stderr.
		cfg.OutputPaths = []string{"stderr"}
		z = zap.Must(cfg.Build())
		z.Warn("Cannot open log output", zap.String("output", output), zap.Error(err))
	}

	log := zapr.NewLogger(z)
	if levelErr != nil {
		log.WithName("setup").Info("Ignoring "+LevelEnv, "value", raw, "error", levelErr)
	}
	return log
}

func parseLevel(raw string) (zapcore.Level, error) {
	level, ok := levels[strings.ToLower(strings.TrimSpace(raw))]
	if !ok {
		return zapcore.InfoLevel, fmt.Errorf("invalid level %q", raw)
	}
	return level, nil
}
