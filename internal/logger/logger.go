package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

const (
	envLocal       = "local"
	envDevelopment = "development"
	envDev         = "dev"
	envProduction  = "production"
	envProd        = "prod"
)

// New builds the process logger. Local runs get a human readable text handler,
// deployed environments get JSON. level overrides the environment default when set.
func New(env, level string) *slog.Logger {
	return newWithWriter(os.Stdout, env, level)
}

func newWithWriter(w io.Writer, env, level string) *slog.Logger {
	var (
		handler slog.Handler
		lvl     slog.Level
	)

	switch env {
	case envProduction, envProd:
		lvl = slog.LevelInfo
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: levelOr(level, lvl)})
	case envDevelopment, envDev:
		lvl = slog.LevelDebug
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: levelOr(level, lvl)})
	default:
		lvl = slog.LevelDebug
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: levelOr(level, lvl)})
	}

	return slog.New(handler)
}

func levelOr(raw string, fallback slog.Level) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return fallback
}

// Err wraps an error as a log attribute.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{Key: "err", Value: slog.StringValue("")}
	}
	return slog.Attr{Key: "err", Value: slog.StringValue(err.Error())}
}

// Discard returns a logger that drops everything. Used by tests and optional deps.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
