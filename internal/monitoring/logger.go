package monitoring

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// LogLevel represents log verbosity level
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LogFormat represents log output format
type LogFormat string

const (
	LogFormatJSON   LogFormat = "json"   // JSON format for Loki
	LogFormatPretty LogFormat = "pretty" // Human-readable for local dev
)

// LoggerConfig holds logger configuration
type LoggerConfig struct {
	Level  LogLevel  // Minimum log level
	Format LogFormat // Output format
	Output io.Writer // Defaults to stdout
}

// NewLogger creates a structured logger for the gateway process.
//
// Every entry carries a timestamp, the caller and service=ws-gateway.
// Components derive their own logger with a "component" field:
//
//	logger := monitoring.NewLogger(monitoring.LoggerConfig{Level: monitoring.LogLevelInfo})
//	brokerLog := logger.With().Str("component", "broker").Logger()
func NewLogger(config LoggerConfig) zerolog.Logger {
	output := config.Output
	if output == nil {
		output = os.Stdout
	}

	level := parseLevel(config.Level)

	if config.Format == LogFormatPretty {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Caller().
		Str("service", "ws-gateway").
		Logger()
}

func parseLevel(level LogLevel) zerolog.Level {
	switch level {
	case LogLevelDebug:
		return zerolog.DebugLevel
	case LogLevelWarn:
		return zerolog.WarnLevel
	case LogLevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// LogError logs an error with additional context fields.
func LogError(logger zerolog.Logger, err error, msg string, fields map[string]any) {
	event := logger.Error().Err(err)
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}

// RecoverPanic is deferred at the top of every goroutine the gateway starts.
// It logs the panic with a stack trace and lets the process keep running.
//
//	go func() {
//	    defer monitoring.RecoverPanic(logger, "writePump", map[string]any{"session_id": id})
//	    ...
//	}()
func RecoverPanic(logger zerolog.Logger, goroutineName string, fields map[string]any) {
	if r := recover(); r != nil {
		logPanic(logger, goroutineName, r, fields)
	}
}

// RecoverPanicThen behaves like RecoverPanic and runs onPanic after logging.
// Used where a panic has to be turned into a state transition (e.g. closing a connection).
func RecoverPanicThen(logger zerolog.Logger, goroutineName string, fields map[string]any, onPanic func(any)) {
	if r := recover(); r != nil {
		logPanic(logger, goroutineName, r, fields)
		if onPanic != nil {
			onPanic(r)
		}
	}
}

func logPanic(logger zerolog.Logger, goroutineName string, value any, fields map[string]any) {
	event := logger.Error().
		Str("goroutine", goroutineName).
		Interface("panic_value", value).
		Str("stack_trace", string(debug.Stack()))

	for k, v := range fields {
		event = event.Interface(k, v)
	}

	event.Msg("Goroutine panic recovered")
}
