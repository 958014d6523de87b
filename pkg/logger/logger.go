// Package logger provides structured logging for codelatch: a slog
// backend with colored terminal output (via tint) when attached to a
// TTY, JSON otherwise, plus component-tagged convenience wrappers used
// throughout the broker.
package logger

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// Level is the global atomic log level; adjustable at runtime without
// restarting the daemon.
var Level = new(slog.LevelVar)

// Setup initializes the global slog logger.
func Setup() {
	var handler slog.Handler
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		handler = tint.NewHandler(os.Stderr, &tint.Options{
			Level:      Level,
			TimeFormat: time.TimeOnly,
		})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: Level,
		})
	}
	slog.SetDefault(slog.New(handler))
}

// SetLevel changes the global log level.
func SetLevel(l slog.Level) {
	Level.Set(l)
}

// ParseLevel converts a string like "debug", "info", "warn", "error".
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	err := l.UnmarshalText([]byte(strings.ToUpper(s)))
	return l, err
}

func fieldArgs(fields map[string]interface{}) []any {
	if len(fields) == 0 {
		return nil
	}
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return args
}

// Info logs at info level with no component tag.
func Info(msg string) { slog.Info(msg) }

// Warn logs at warn level with no component tag.
func Warn(msg string) { slog.Warn(msg) }

// Error logs at error level with no component tag.
func Error(msg string) { slog.Error(msg) }

// Debug logs at debug level with no component tag.
func Debug(msg string) { slog.Debug(msg) }

// InfoCF logs at info level tagged with a component name and fields.
func InfoCF(component, msg string, fields map[string]interface{}) {
	slog.Info(msg, append([]any{"component", component}, fieldArgs(fields)...)...)
}

// WarnCF logs at warn level tagged with a component name and fields.
func WarnCF(component, msg string, fields map[string]interface{}) {
	slog.Warn(msg, append([]any{"component", component}, fieldArgs(fields)...)...)
}

// ErrorCF logs at error level tagged with a component name and fields.
func ErrorCF(component, msg string, fields map[string]interface{}) {
	slog.Error(msg, append([]any{"component", component}, fieldArgs(fields)...)...)
}

// DebugCF logs at debug level tagged with a component name and fields.
func DebugCF(component, msg string, fields map[string]interface{}) {
	slog.Debug(msg, append([]any{"component", component}, fieldArgs(fields)...)...)
}
