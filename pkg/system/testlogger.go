package system

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// TestLogVerboseEnv switches test loggers from warn to debug level.
const TestLogVerboseEnv = "MAILQUEUE_TEST_VERBOSE"

// NewTestZapLogger returns the development logger used in package tests.
// Output is limited to warnings unless MAILQUEUE_TEST_VERBOSE is set.
func NewTestZapLogger() *zap.Logger {
	logger, err := NewLogger(true)
	if err != nil {
		return zap.NewNop()
	}
	if os.Getenv(TestLogVerboseEnv) == "" {
		logger = logger.WithOptions(zap.IncreaseLevel(zapcore.WarnLevel))
	}
	return logger
}

func NewTestLogger() *zap.SugaredLogger {
	return NewTestZapLogger().Sugar()
}
