// Package logger provides the process-wide leveled logger for copter.
package logger

import (
	"io"
	"os"

	"github.com/charmbracelet/log"
)

// Global logger instance
var globalLogger = New(os.Stderr, log.InfoLevel)

// New creates a logger writing to w at the given level.
func New(w io.Writer, level log.Level) *log.Logger {
	return log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      "15:04:05",
		Level:           level,
	})
}

// Get returns the global logger instance
func Get() *log.Logger {
	return globalLogger
}

// SetGlobal sets the global logger instance
func SetGlobal(l *log.Logger) {
	globalLogger = l
}

// Configure adjusts the global logger from CLI settings. The verbose flag
// overrides the level to debug; quiet suppresses everything below error.
func Configure(levelStr string, verbose, quiet bool) {
	level := log.InfoLevel
	if parsed, err := log.ParseLevel(levelStr); err == nil {
		level = parsed
	}
	if verbose {
		level = log.DebugLevel
	}
	if quiet {
		level = log.ErrorLevel
	}
	globalLogger.SetLevel(level)
}

// Debug logs a debug-level message with optional key-value pairs
func Debug(msg interface{}, keyvals ...interface{}) {
	globalLogger.Debug(msg, keyvals...)
}

// Info logs an info-level message with optional key-value pairs
func Info(msg interface{}, keyvals ...interface{}) {
	globalLogger.Info(msg, keyvals...)
}

// Warn logs a warning-level message with optional key-value pairs
func Warn(msg interface{}, keyvals ...interface{}) {
	globalLogger.Warn(msg, keyvals...)
}

// Error logs an error-level message with optional key-value pairs
func Error(msg interface{}, keyvals ...interface{}) {
	globalLogger.Error(msg, keyvals...)
}
