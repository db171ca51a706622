package logger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// LevelTrace sits below debug so pion's trace output stays hidden unless asked for.
const LevelTrace = slog.Level(-8)

// PionFactory routes pion's leveled loggers into slog, tagging each with its scope.
type PionFactory struct {
	log *slog.Logger
}

var _ logging.LoggerFactory = (*PionFactory)(nil)

func NewPionFactory(log *slog.Logger) *PionFactory {
	if log == nil {
		log = slog.Default()
	}
	return &PionFactory{log: log}
}

func (f *PionFactory) NewLogger(scope string) logging.LeveledLogger {
	return &pionLogger{log: f.log.With(slog.String("component", "pion"), slog.String("scope", scope))}
}

type pionLogger struct {
	log *slog.Logger
}

func (l *pionLogger) emit(level slog.Level, msg string) {
	l.log.Log(context.Background(), level, msg)
}

func (l *pionLogger) Trace(msg string) { l.emit(LevelTrace, msg) }
func (l *pionLogger) Tracef(format string, args ...interface{}) {
	l.emit(LevelTrace, fmt.Sprintf(format, args...))
}
func (l *pionLogger) Debug(msg string) { l.emit(slog.LevelDebug, msg) }
func (l *pionLogger) Debugf(format string, args ...interface{}) {
	l.emit(slog.LevelDebug, fmt.Sprintf(format, args...))
}
func (l *pionLogger) Info(msg string) { l.emit(slog.LevelInfo, msg) }
func (l *pionLogger) Infof(format string, args ...interface{}) {
	l.emit(slog.LevelInfo, fmt.Sprintf(format, args...))
}
func (l *pionLogger) Warn(msg string) { l.emit(slog.LevelWarn, msg) }
func (l *pionLogger) Warnf(format string, args ...interface{}) {
	l.emit(slog.LevelWarn, fmt.Sprintf(format, args...))
}
func (l *pionLogger) Error(msg string) { l.emit(slog.LevelError, msg) }
func (l *pionLogger) Errorf(format string, args ...interface{}) {
	l.emit(slog.LevelError, fmt.Sprintf(format, args...))
}
