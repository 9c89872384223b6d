// Package logging defines the logging interface shared by driftsync
// components. Implementations should be safe for concurrent use.
package logging

import "log"

// Logger is the minimal leveled logging interface components accept.
type Logger interface {
	// Debug logs a debug message with optional key-value pairs.
	Debug(msg string, keysAndValues ...any)

	// Info logs an informational message with optional key-value pairs.
	Info(msg string, keysAndValues ...any)

	// Warn logs a warning message with optional key-value pairs.
	Warn(msg string, keysAndValues ...any)

	// Error logs an error message with optional key-value pairs.
	Error(msg string, keysAndValues ...any)
}

// Nop returns a Logger that discards all messages.
func Nop() Logger {
	return nopLogger{}
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Std returns a Logger writing to the standard library logger.
func Std() Logger {
	return stdLogger{}
}

type stdLogger struct{}

func (stdLogger) Debug(msg string, kv ...any) { logf("DEBUG", msg, kv) }
func (stdLogger) Info(msg string, kv ...any)  { logf("INFO", msg, kv) }
func (stdLogger) Warn(msg string, kv ...any)  { logf("WARN", msg, kv) }
func (stdLogger) Error(msg string, kv ...any) { logf("ERROR", msg, kv) }

func logf(level, msg string, kv []any) {
	if len(kv) == 0 {
		log.Printf("%s %s", level, msg)
		return
	}
	log.Printf("%s %s %v", level, msg, kv)
}
