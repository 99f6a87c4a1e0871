// Package logging provides structured logging functionality.
package logging

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig holds logging configuration.
type LogConfig struct {
	Level      string
	Console    bool
	File       bool
	FilePath   string
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days
}

// DefaultLogConfig returns the default logging configuration.
func DefaultLogConfig() LogConfig {
	home, _ := os.UserHomeDir()
	return LogConfig{
		Level:      "info",
		Console:    true,
		File:       true,
		FilePath:   filepath.Join(home, ".config", "tradejournal", "logs", "tradejournal.log"),
		MaxSize:    100,
		MaxBackups: 7,
		MaxAge:     30,
	}
}

// NewLogger creates a new logger with default configuration.
func NewLogger() zerolog.Logger {
	return NewLoggerWithConfig(DefaultLogConfig())
}

// NewLoggerWithConfig creates a new logger with the specified configuration.
func NewLoggerWithConfig(cfg LogConfig) zerolog.Logger {
	var writers []io.Writer

	// Console writer
	if cfg.Console {
		consoleWriter := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
			FormatLevel: func(i interface{}) string {
				if ll, ok := i.(string); ok {
					switch ll {
					case "debug":
						return "\033[36mDBG\033[0m"
					case "info":
						return "\033[32mINF\033[0m"
					case "warn":
						return "\033[33mWRN\033[0m"
					case "error":
						return "\033[31mERR\033[0m"
					default:
						return ll
					}
				}
				return "???"
			},
		}
		writers = append(writers, consoleWriter)
	}

	// File writer with rotation
	if cfg.File {
		logDir := filepath.Dir(cfg.FilePath)
		if err := os.MkdirAll(logDir, 0755); err == nil {
			fileWriter := &lumberjack.Logger{
				Filename:   cfg.FilePath,
				MaxSize:    cfg.MaxSize,
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAge,
				Compress:   true,
			}
			writers = append(writers, fileWriter)
		}
	}

	var writer io.Writer
	if len(writers) == 0 {
		writer = os.Stdout
	} else if len(writers) == 1 {
		writer = writers[0]
	} else {
		writer = zerolog.MultiLevelWriter(writers...)
	}

	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	return zerolog.New(writer).
		With().
		Timestamp().
		Caller().
		Logger()
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// SetDebugLevel sets the global log level to debug.
func SetDebugLevel() {
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
}

// ContextKey is the type for context keys.
type ContextKey string

const (
	// LoggerKey is the context key for the logger.
	LoggerKey ContextKey = "logger"
	// UserIDKey is the context key for the tenant user id.
	UserIDKey ContextKey = "user_id"
	// BatchIDKey is the context key for the import batch id.
	BatchIDKey ContextKey = "batch_id"
)

// WithLogger adds a logger to the context.
func WithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	return context.WithValue(ctx, LoggerKey, logger)
}

// FromContext retrieves the logger from context.
func FromContext(ctx context.Context) zerolog.Logger {
	if logger, ok := ctx.Value(LoggerKey).(zerolog.Logger); ok {
		return logger
	}
	return zerolog.Nop()
}

// WithUser adds a user id to the logger context.
func WithUser(logger zerolog.Logger, userID string) zerolog.Logger {
	return logger.With().Str("user_id", userID).Logger()
}

// WithBatch adds an import batch id to the logger context.
func WithBatch(logger zerolog.Logger, batchID string) zerolog.Logger {
	return logger.With().Str("batch_id", batchID).Logger()
}

// WithFormat adds a broker csv format id to the logger context.
func WithFormat(logger zerolog.Logger, formatID string) zerolog.Logger {
	return logger.With().Str("format_id", formatID).Logger()
}

// LogIngest logs the outcome of a CSV ingestion.
func LogIngest(logger zerolog.Logger, batchID string, direct, staged, failed int, requiresReview bool) {
	logger.Info().
		Str("event", "ingest").
		Str("batch_id", batchID).
		Int("direct_orders", direct).
		Int("staged_rows", staged).
		Int("row_errors", failed).
		Bool("requires_review", requiresReview).
		Msg("CSV ingestion completed")
}

// LogMapping logs an AI column-mapping decision.
func LogMapping(logger zerolog.Logger, broker, source string, confidence float64, missing []string) {
	logger.Info().
		Str("event", "column_mapping").
		Str("broker", broker).
		Str("source", source).
		Float64("confidence", confidence).
		Strs("missing_required", missing).
		Msg("Column mapping produced")
}

// LogMigration logs the outcome of a staged-order migration.
func LogMigration(logger zerolog.Logger, formatID string, migrated, failed, skipped int, duration time.Duration) {
	logger.Info().
		Str("event", "migration").
		Str("format_id", formatID).
		Int("migrated", migrated).
		Int("failed", failed).
		Int("skipped", skipped).
		Dur("duration", duration).
		Msg("Staging migration completed")
}

// LogIntegrityWarning logs a trade/order symbol mismatch. This indicates a
// matching bug and must never be silently dropped.
func LogIntegrityWarning(logger zerolog.Logger, tradeID, tradeSymbol, orderID, orderSymbol string) {
	logger.Error().
		Str("event", "data_integrity").
		Str("trade_id", tradeID).
		Str("trade_symbol", tradeSymbol).
		Str("order_id", orderID).
		Str("order_symbol", orderSymbol).
		Msg("Trade references order with mismatched symbol")
}
