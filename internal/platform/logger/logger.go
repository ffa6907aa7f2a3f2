// Package logger provides the structured logging interface used across
// the controller.
package logger

import (
	"log/slog"
	"os"
)

// Logger is the application logger interface.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	With(args ...any) Logger
}

// SlogLogger wraps slog.Logger to implement Logger.
type SlogLogger struct {
	logger *slog.Logger
}

// New creates a JSON logger at the given level.
func New(level string) Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(level)})
	return &SlogLogger{logger: slog.New(handler)}
}

// NewText creates a text logger at the given level, for local development.
func NewText(level string) Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(level)})
	return &SlogLogger{logger: slog.New(handler)}
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (l *SlogLogger) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }
func (l *SlogLogger) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l *SlogLogger) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l *SlogLogger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }

func (l *SlogLogger) With(args ...any) Logger {
	return &SlogLogger{logger: l.logger.With(args...)}
}

// Helper attrs for the fields this domain logs most often.

func Scope(project, env string) slog.Attr {
	return slog.Group("scope", slog.String("project", project), slog.String("environment", env))
}

func Slot(name string) slog.Attr {
	return slog.String("slot", name)
}

func ContainerID(id string) slog.Attr {
	return slog.String("container_id", id)
}

func Err(err error) slog.Attr {
	return slog.Any("error", err)
}
