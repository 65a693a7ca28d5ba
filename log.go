package qflash

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

// Component identifies a subsystem in log records.
type Component string

const (
	ComponentChip  Component = "chip"
	ComponentCache Component = "cache"
	ComponentBlock Component = "block"
	ComponentProbe Component = "probe"
)

var (
	logLevel = new(slog.LevelVar)

	logMu         sync.RWMutex
	defaultLogger *slog.Logger
)

func init() {
	logLevel.Set(slog.LevelWarn)
	defaultLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
}

// SetLogLevel sets the minimum level of the default logger.
func SetLogLevel(level slog.Level) {
	logLevel.Set(level)
}

// SetLogger replaces the package logger.
func SetLogger(l *slog.Logger) {
	logMu.Lock()
	defer logMu.Unlock()
	defaultLogger = l
}

// NewLogger creates a text logger that shares the package level.
func NewLogger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: logLevel}))
}

// Logger returns the package logger tagged with component.
func Logger(c Component) *slog.Logger {
	logMu.RLock()
	l := defaultLogger
	logMu.RUnlock()
	return l.With("component", string(c))
}

func loggerFor(base *slog.Logger, c Component) *slog.Logger {
	if base == nil {
		return Logger(c)
	}
	return base.With("component", string(c))
}
