package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger with engine-specific helpers
type Logger struct {
	*zap.Logger
}

// Config holds logger configuration
type Config struct {
	Level  string
	Format string // "json" or "console"
}

// New creates a new logger instance
func New(config Config) (*Logger, error) {
	var zapConfig zap.Config

	level, err := zapcore.ParseLevel(config.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	if config.Format == "console" {
		zapConfig = zap.NewDevelopmentConfig()
		zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zapConfig.Development = true
		zapConfig.EncoderConfig.CallerKey = "caller"
		zapConfig.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	} else {
		zapConfig = zap.NewProductionConfig()
		zapConfig.EncoderConfig.TimeKey = "timestamp"
		zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	zapConfig.Level = zap.NewAtomicLevelAt(level)

	logger, err := zapConfig.Build(
		zap.AddCallerSkip(1), // Skip one level to show actual caller
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	if err != nil {
		return nil, err
	}

	return &Logger{Logger: logger}, nil
}

// NewDefault creates a logger with default configuration
func NewDefault() (*Logger, error) {
	config := Config{
		Level:  "info",
		Format: "json",
	}

	if os.Getenv("ENGINE_ENV") == "development" {
		config.Format = "console"
		config.Level = "debug"
	}

	return New(config)
}

// NewNop returns a no-op logger for tests
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// WithContext adds context fields to the logger
func (l *Logger) WithContext(fields ...zap.Field) *Logger {
	return &Logger{Logger: l.Logger.With(fields...)}
}

// WithService adds service name to the logger
func (l *Logger) WithService(service string) *Logger {
	return l.WithContext(zap.String("service", service))
}

// WithRunID adds run ID to the logger
func (l *Logger) WithRunID(runID string) *Logger {
	return l.WithContext(zap.String("run_id", runID))
}

// WithUserID adds user ID to the logger
func (l *Logger) WithUserID(userID string) *Logger {
	return l.WithContext(zap.String("user_id", userID))
}

// WithError adds error to the logger
func (l *Logger) WithError(err error) *Logger {
	return l.WithContext(zap.Error(err))
}

// LogDatabaseQuery logs database query information
func (l *Logger) LogDatabaseQuery(query string, duration float64, err error) {
	fields := []zap.Field{
		zap.String("query", query),
		zap.Float64("duration_ms", duration),
	}

	if err != nil {
		fields = append(fields, zap.Error(err))
		l.Error("Database query failed", fields...)
	} else {
		l.Debug("Database query executed", fields...)
	}
}

// LogServiceCall logs service call information
func (l *Logger) LogServiceCall(service, operation string, duration float64, err error) {
	fields := []zap.Field{
		zap.String("service", service),
		zap.String("operation", operation),
		zap.Float64("duration_ms", duration),
	}

	if err != nil {
		fields = append(fields, zap.Error(err))
		l.Error("Service call failed", fields...)
	} else {
		l.Debug("Service call completed", fields...)
	}
}

// LogPhaseTransition logs an orchestrator phase state transition
func (l *Logger) LogPhaseTransition(runID, phase, from, to string) {
	l.Info("Phase transition",
		zap.String("run_id", runID),
		zap.String("phase", phase),
		zap.String("from", from),
		zap.String("to", to),
	)
}
