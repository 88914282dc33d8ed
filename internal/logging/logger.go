package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Default logger instance
	defaultLogger *zap.Logger
)

// InitLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
//
// LOG_LEVEL accepts any zap level name (debug, info, warn, error) and
// defaults to info. LOG_FORMAT=console switches to the human readable encoder.
func InitLogger() error {
	config := zap.NewProductionConfig()

	level := zapcore.InfoLevel
	if raw := os.Getenv("LOG_LEVEL"); raw != "" {
		parsed, err := zapcore.ParseLevel(raw)
		if err != nil {
			return err
		}
		level = parsed
	}
	config.Level = zap.NewAtomicLevelAt(level)

	if os.Getenv("LOG_FORMAT") == "console" {
		config.Encoding = "console"
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	config.OutputPaths = []string{"stderr"}
	config.ErrorOutputPaths = []string{"stderr"}

	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncoderConfig.LevelKey = "level"
	config.EncoderConfig.MessageKey = "message"
	config.EncoderConfig.CallerKey = "caller"
	config.EncoderConfig.StacktraceKey = "stacktrace"

	logger, err := config.Build()
	if err != nil {
		return err
	}
	defaultLogger = logger

	zap.ReplaceGlobals(defaultLogger)
	return nil
}

// SetLogger replaces the default logger. Tests use it to silence or capture output.
func SetLogger(logger *zap.Logger) {
	defaultLogger = logger
}

// Logger returns the default logger instance
func Logger() *zap.Logger {
	if defaultLogger == nil {
		// Fallback to basic logger if not initialized
		logger, err := zap.NewProduction()
		if err != nil {
			logger = zap.NewNop()
		}
		defaultLogger = logger
	}
	return defaultLogger
}

// Sync flushes any buffered log entries
func Sync() error {
	if defaultLogger != nil {
		// Sync errors are often safe to ignore (e.g., /dev/stderr on Linux)
		return defaultLogger.Sync()
	}
	return nil
}
