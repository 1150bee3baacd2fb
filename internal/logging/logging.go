// Package logging configures the server's zap logger and exposes a
// runtime-toggleable debug level for the control protocol's
// "debug on|off" verb.
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

// Level wraps zap's atomic level with the two-state (debug/not-debug)
// view the control protocol exposes; the underlying level still accepts
// any zapcore.Level set through Raw for operators who load a config
// file with a non-default starting level.
type Level struct {
	raw zap.AtomicLevel
}

// Raw returns the underlying zap.AtomicLevel.
func (l Level) Raw() zap.AtomicLevel {
	return l.raw
}

// NewLevel returns a usable Level starting at the given zapcore.Level,
// independent of a full logger (for tests and other call sites that
// need a debug toggle without building a logger).
func NewLevel(start zapcore.Level) Level {
	return Level{raw: zap.NewAtomicLevelAt(start)}
}

// SetDebug toggles between DebugLevel and InfoLevel. It never moves the
// logger to Warn/Error/Fatal even if that was the configured starting
// level, matching the protocol's binary on/off semantics.
func (l Level) SetDebug(on bool) {
	if on {
		l.raw.SetLevel(zapcore.DebugLevel)
		return
	}
	l.raw.SetLevel(zapcore.InfoLevel)
}

// IsDebug reports whether the current level is at or below Debug.
func (l Level) IsDebug() bool {
	return l.raw.Level() <= zapcore.DebugLevel
}

// Init initializes the logging subsystem.
func Init(cfg *Config) (*zap.SugaredLogger, Level, error) {
	encoderConfig := zap.NewDevelopmentEncoderConfig()

	if term.IsTerminal(int(os.Stderr.Fd())) {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}

	config := zap.Config{
		Level:            zap.NewAtomicLevelAt(cfg.Level),
		Development:      false,
		Encoding:         "console",
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		return nil, Level{}, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return logger.Sugar(), Level{raw: config.Level}, nil
}
