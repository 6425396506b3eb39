package monitoring

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/adred-codev/krakenbroker/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LoggerConfig holds logger configuration.
type LoggerConfig struct {
	Level  config.LogLevel
	Format config.LogFormat
}

// NewLogger builds a zerolog.Logger with a timestamp, caller info, and a
// fixed service field, switching between JSON and console output per
// Format.
func NewLogger(cfg LoggerConfig) zerolog.Logger {
	var output io.Writer = os.Stdout

	var level zerolog.Level
	switch cfg.Level {
	case config.LogLevelDebug:
		level = zerolog.DebugLevel
	case config.LogLevelInfo:
		level = zerolog.InfoLevel
	case config.LogLevelWarn:
		level = zerolog.WarnLevel
	case config.LogLevelError:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == config.LogFormatPretty {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("service", "krakenbroker").
		Logger()
}

// LogError logs err with msg and arbitrary context fields.
func LogError(logger zerolog.Logger, err error, msg string, fields map[string]any) {
	event := logger.Error().Err(err)
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}

// LogErrorWithStack is LogError plus a captured stack trace, for failures
// whose call path matters (internal shard invariant violations, unexpected
// decode failures).
func LogErrorWithStack(logger zerolog.Logger, err error, msg string, fields map[string]any) {
	event := logger.Error().Err(err).Str("stack_trace", string(debug.Stack()))
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}

// LogPanic logs a recovered panic value with its stack trace at fatal
// level.
func LogPanic(logger zerolog.Logger, panicValue any, msg string, fields map[string]any) {
	event := logger.Fatal().
		Interface("panic_value", panicValue).
		Str("stack_trace", string(debug.Stack()))
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}

// RecoverPanic recovers a panic at the top of a goroutine and logs it at
// error level instead of letting it escape. Used at the top of every
// per-connection unit of execution (spec.md §9: "panics/exceptions inside
// handling are caught at the top of that unit").
func RecoverPanic(logger zerolog.Logger, unit string, fields map[string]any) {
	r := recover()
	if r == nil {
		return
	}

	event := logger.Error().
		Str("unit", unit).
		Interface("panic_value", r).
		Str("stack_trace", string(debug.Stack()))
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg("recovered panic, unit terminated")
}

// InitGlobalLogger installs logger as the package-level zerolog default,
// for code paths that log via github.com/rs/zerolog/log instead of an
// injected logger.
func InitGlobalLogger(cfg LoggerConfig) {
	log.Logger = NewLogger(cfg)
}
