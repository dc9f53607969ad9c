package monitoring

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevelEnvVar selects the log level when none is given explicitly.
// Valid values: "debug", "info", "warn", "error".
const LogLevelEnvVar = "EMSTAT_LOG_LEVEL"

var structured atomic.Pointer[zap.Logger]

// ParseLevel maps a level name to a zap level. Empty means info.
func ParseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", level)
	}
}

// NewLogger builds a console logger at the given level. If level is empty,
// EMSTAT_LOG_LEVEL is consulted.
func NewLogger(level string) (*zap.Logger, error) {
	if level == "" {
		level = os.Getenv(LogLevelEnvVar)
	}
	zapLevel, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}

	config := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Encoding:         "console",
		EncoderConfig:    zap.NewDevelopmentEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	config.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	logger, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}

// Install makes logger the structured logger and routes Logf through it at
// info level. Passing nil restores a silent logger.
func Install(logger *zap.Logger) {
	if logger == nil {
		structured.Store(nil)
		SetLogger(nil)
		return
	}
	structured.Store(logger)
	SetLogger(logger.Sugar().Infof)
}

// Logger returns the installed structured logger, or a no-op logger.
func Logger() *zap.Logger {
	if l := structured.Load(); l != nil {
		return l
	}
	return zap.NewNop()
}

// Debugf logs at debug level through the structured logger. It is silent
// until Install is called.
func Debugf(format string, v ...interface{}) {
	Logger().Sugar().Debugf(format, v...)
}
