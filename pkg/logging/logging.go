// Package logging holds the broker's component logger and id formatting
// helpers. The process-wide handler is installed by observability.SetupLogger.
package logging

import (
	"log/slog"
	"strings"
)

// Logger is a slog.Logger carrying broker attributes. The With helpers never
// modify the receiver.
type Logger struct {
	*slog.Logger
}

// New wraps base, or slog.Default() when base is nil.
func New(base *slog.Logger) *Logger {
	if base == nil {
		base = slog.Default()
	}
	return &Logger{Logger: base}
}

func (l *Logger) with(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// WithComponent tags records with the emitting component.
func (l *Logger) WithComponent(name string) *Logger {
	return l.with("component", name)
}

// WithQueue tags records with a queue name.
func (l *Logger) WithQueue(name string) *Logger {
	return l.with("queue", name)
}

// WithSession tags records with a shortened session id.
func (l *Logger) WithSession(id string) *Logger {
	return l.with("session", FormatID(id))
}

// WithDelivery tags records with the routable a delivery carries.
func (l *Logger) WithDelivery(messageID, destination string) *Logger {
	return l.with(slog.Group("delivery",
		slog.String("message", FormatID(messageID)),
		slog.String("destination", destination),
	))
}

// WithError tags records with err.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.with("error", err.Error())
}

// ParseLevel maps debug, info, warn and error (any case) to a slog.Level.
// Anything else is info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// FormatID shortens a uuid or other long id to 12 characters for log output.
func FormatID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:12] + "..."
}
