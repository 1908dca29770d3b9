// Package logging provides structured logging for the vaultpull CLI.
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rescale/rescale-int/internal/events"
)

// Logger wraps zerolog and mirrors every status/log entry onto an EventBus
// so the append-only log spec §7 describes can be consumed without scraping
// stdout (e.g. by a future non-CLI embedder of the orchestrator).
type Logger struct {
	zlog     zerolog.Logger
	eventBus *events.EventBus
	output   io.Writer
}

// New creates a logger writing to stdout (stderr is reserved for progress
// bars) that also publishes events onto eventBus. eventBus may be nil.
func New(eventBus *events.EventBus) *Logger {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: "15:04:05",
	}
	zlog := zerolog.New(output).With().Timestamp().Logger()
	return &Logger{zlog: zlog, eventBus: eventBus, output: output}
}

// NewDefault creates a logger with no event bus attached.
func NewDefault() *Logger {
	return New(nil)
}

func (l *Logger) Info() *zerolog.Event  { return l.zlog.Info() }
func (l *Logger) Error() *zerolog.Event { return l.zlog.Error() }
func (l *Logger) Debug() *zerolog.Event { return l.zlog.Debug() }
func (l *Logger) Warn() *zerolog.Event  { return l.zlog.Warn() }

// With creates a child logger context.
func (l *Logger) With() zerolog.Context { return l.zlog.With() }

// SetOutput redirects the logger, useful when progress bars own the terminal.
func (l *Logger) SetOutput(w io.Writer) {
	l.output = w
	l.zlog = zerolog.New(zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: "15:04:05",
	}).With().Timestamp().Logger()
}

// Output returns the current output writer.
func (l *Logger) Output() io.Writer { return l.output }

// Status logs a status-line transition (the orchestrator's State values) at info
// level and publishes a StateChangeEvent so subscribers can render it.
func (l *Logger) Status(key, oldStatus, newStatus string) {
	l.zlog.Info().Str("key", key).Str("status", newStatus).Msg(newStatus)
	if l.eventBus != nil {
		l.eventBus.PublishStateChange(key, oldStatus, newStatus)
	}
}

// Logf logs a message at the given level, attaches err if present, and
// publishes a LogEvent carrying the same message.
func (l *Logger) Logf(level events.LogLevel, key string, err error, format string, args ...interface{}) {
	var ev *zerolog.Event
	switch level {
	case events.DebugLevel:
		ev = l.zlog.Debug()
	case events.WarnLevel:
		ev = l.zlog.Warn()
	case events.ErrorLevel:
		ev = l.zlog.Error()
	default:
		ev = l.zlog.Info()
	}
	if err != nil {
		ev = ev.Err(err)
	}
	msg := fmt.Sprintf(format, args...)
	ev.Str("key", key).Msg(msg)

	if l.eventBus != nil {
		l.eventBus.PublishLog(level, msg, key, err)
	}
}

// SetGlobalLevel sets the process-wide zerolog level.
func SetGlobalLevel(level zerolog.Level) {
	zerolog.SetGlobalLevel(level)
}

func init() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: "15:04:05",
	})
}
