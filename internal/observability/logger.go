package observability

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger keeps the event-name-plus-fields call style used across handlers
// and writes through zerolog.
type Logger struct {
	base zerolog.Logger
}

func NewLogger(level, format string) *Logger {
	var out io.Writer = os.Stdout
	if strings.EqualFold(format, "console") || strings.EqualFold(format, "pretty") {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	return NewLoggerWithWriter(out, level)
}

func NewLoggerWithWriter(out io.Writer, level string) *Logger {
	parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || parsed == zerolog.NoLevel {
		parsed = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano
	base := zerolog.New(out).Level(parsed).With().Timestamp().Logger()
	return &Logger{base: base}
}

func NewNopLogger() *Logger {
	return &Logger{base: zerolog.Nop()}
}

// With returns a child logger that adds fields to every event.
func (l *Logger) With(fields map[string]any) *Logger {
	return &Logger{base: l.base.With().Fields(fields).Logger()}
}

// FromContext tags the logger with the request id carried by ctx, if any.
func (l *Logger) FromContext(ctx context.Context) *Logger {
	id := RequestIDFromContext(ctx)
	if id == "" {
		return l
	}
	return &Logger{base: l.base.With().Str("request_id", id).Logger()}
}

func (l *Logger) Debug(message string, fields map[string]any) {
	l.base.Debug().Fields(fields).Msg(message)
}

func (l *Logger) Info(message string, fields map[string]any) {
	l.base.Info().Fields(fields).Msg(message)
}

func (l *Logger) Warn(message string, fields map[string]any) {
	l.base.Warn().Fields(fields).Msg(message)
}

func (l *Logger) Error(message string, fields map[string]any) {
	l.base.Error().Fields(fields).Msg(message)
}
