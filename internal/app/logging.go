package app

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"mcpkit/internal/infra/config"
)

// LoggingConfig configures logging wiring. A non-nil Logger is used as is.
type LoggingConfig struct {
	Logger   *zap.Logger
	Settings config.LoggingConfig
}

// Logging bundles the root logger.
type Logging struct {
	Logger *zap.Logger
}

// NewLogging constructs logging dependencies. Logs go to stderr so stdout
// stays free for the stdio transport.
func NewLogging(cfg LoggingConfig) (Logging, error) {
	logger := cfg.Logger
	if logger == nil {
		built, err := NewLogger(cfg.Settings)
		if err != nil {
			return Logging{}, err
		}
		logger = built
	}
	return Logging{
		Logger: logger.Named("app"),
	}, nil
}

// NewLogger builds a zap logger from logging settings.
func NewLogger(settings config.LoggingConfig) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if settings.Level != "" {
		parsed, err := zapcore.ParseLevel(settings.Level)
		if err != nil {
			return nil, fmt.Errorf("logging level: %w", err)
		}
		level = parsed
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	var encoder zapcore.Encoder
	switch settings.Format {
	case "console":
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	case "", "json":
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	default:
		return nil, fmt.Errorf("logging format %q: want json or console", settings.Format)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level)
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

// LoggerFrom returns the logger from a Logging bundle.
func LoggerFrom(logging Logging) *zap.Logger {
	return logging.Logger
}
