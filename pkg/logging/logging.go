// Package logging is the default, non-noop implementation of
// orchestrator.Logger. It wraps a github.com/rs/zerolog logger built by
// each constructor call, with structured key/value fields and a level
// controlled by the loaded config.
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/lokutor-ai/lokutor-orchestrator/pkg/orchestrator"
)

// ZerologLogger adapts a zerolog.Logger to orchestrator.Logger. Variadic
// args are interpreted as alternating key/value pairs.
type ZerologLogger struct {
	logger zerolog.Logger
}

var _ orchestrator.Logger = (*ZerologLogger)(nil)

// New builds a console-writer-backed logger at the given level ("debug",
// "info", "warn", "error"). Unknown levels fall back to info.
func New(level string) *ZerologLogger {
	zerolog.TimeFieldFormat = time.RFC3339

	writer := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	l := zerolog.New(writer).With().Timestamp().Logger().Level(parseLevel(level))
	return &ZerologLogger{logger: l}
}

// NewJSON builds a plain JSON logger, for production deployments where
// log lines are shipped to a collector rather than read on a terminal.
func NewJSON(level string) *ZerologLogger {
	l := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(parseLevel(level))
	return &ZerologLogger{logger: l}
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// With returns a child logger with a persistent field attached, for
// scoping a logger to one session/component (e.g. session_id).
func (z *ZerologLogger) With(key string, value interface{}) *ZerologLogger {
	return &ZerologLogger{logger: z.logger.With().Interface(key, value).Logger()}
}

func (z *ZerologLogger) Debug(msg string, args ...interface{}) { z.log(z.logger.Debug(), msg, args) }
func (z *ZerologLogger) Info(msg string, args ...interface{})  { z.log(z.logger.Info(), msg, args) }
func (z *ZerologLogger) Warn(msg string, args ...interface{})  { z.log(z.logger.Warn(), msg, args) }
func (z *ZerologLogger) Error(msg string, args ...interface{}) { z.log(z.logger.Error(), msg, args) }

// log fans args out as key/value pairs onto the zerolog event. A
// trailing key with no value is logged under "extra" rather than
// dropped silently.
func (z *ZerologLogger) log(event *zerolog.Event, msg string, args []interface{}) {
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		event = event.Interface(key, args[i+1])
	}
	if len(args)%2 == 1 {
		event = event.Interface("extra", args[len(args)-1])
	}
	event.Msg(msg)
}
