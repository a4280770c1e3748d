package pkg

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// Component identifies a subsystem for log filtering.
type Component string

// Link layer component identifiers.
const (
	ComponentRing    Component = "ring"
	ComponentFrame   Component = "frame"
	ComponentChannel Component = "channel"
	ComponentSession Component = "session"
	ComponentPM      Component = "pm"
	ComponentModem   Component = "modem"
	ComponentHAL     Component = "hal"
	ComponentConfig  Component = "config"
	ComponentDaemon  Component = "daemon"
)

// LogFormat specifies the output format for logging.
type LogFormat int

// Log format options.
const (
	LogFormatText LogFormat = iota // key=value text (default)
	LogFormatJSON                  // one JSON object per record
)

var (
	logLevel  = new(slog.LevelVar)
	logMu     sync.RWMutex
	logOutput io.Writer = os.Stderr
	logFormat           = LogFormatText
	logger    *slog.Logger
)

func init() {
	logLevel.Set(slog.LevelWarn)
	logger = newLogger(logOutput, logFormat)
}

func newLogger(w io.Writer, format LogFormat) *slog.Logger {
	opts := &slog.HandlerOptions{Level: logLevel}
	if format == LogFormatJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// SetLogLevel sets the minimum level of every link layer record.
func SetLogLevel(level slog.Level) {
	logLevel.Set(level)
}

// LogLevel returns the minimum level in effect.
func LogLevel() slog.Level {
	return logLevel.Level()
}

// SetLogOutput sends link layer records to w in the given format. The
// level is unaffected.
func SetLogOutput(w io.Writer, format LogFormat) {
	logMu.Lock()
	defer logMu.Unlock()
	logOutput, logFormat = w, format
	logger = newLogger(w, format)
}

// SetLogFormat switches the record format, keeping the current output.
func SetLogFormat(format LogFormat) {
	logMu.RLock()
	w := logOutput
	logMu.RUnlock()
	SetLogOutput(w, format)
}

func logAt(level slog.Level, component Component, msg string, args []any) {
	if level < logLevel.Level() {
		return
	}
	logMu.RLock()
	l := logger
	logMu.RUnlock()
	l.Log(context.Background(), level, msg, append([]any{"component", string(component)}, args...)...)
}

// LogDebug logs a debug message with the given component.
func LogDebug(component Component, msg string, args ...any) {
	logAt(slog.LevelDebug, component, msg, args)
}

// LogInfo logs an info message with the given component.
func LogInfo(component Component, msg string, args ...any) {
	logAt(slog.LevelInfo, component, msg, args)
}

// LogWarn logs a warning message with the given component.
func LogWarn(component Component, msg string, args ...any) {
	logAt(slog.LevelWarn, component, msg, args)
}

// LogError logs an error message with the given component.
func LogError(component Component, msg string, args ...any) {
	logAt(slog.LevelError, component, msg, args)
}

// ParseLogLevel converts a level name ("debug", "info", "warn", "error")
// into a slog.Level. An empty name yields slog.LevelWarn.
func ParseLogLevel(name string) (slog.Level, error) {
	if name == "" {
		return slog.LevelWarn, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelWarn, fmt.Errorf("%w: log level %q", ErrInvalidParameter, name)
	}
	return level, nil
}
