package types

// Logger is the structured logger used across moly.
//
// It matches the method set of zap.SugaredLogger's "w" family loosely: every
// method takes a message followed by alternating keys and values.
type Logger interface {
	// Debug logs a message at debug level.
	Debug(msg string, keysAndValues ...any)

	// Info logs a message at info level.
	Info(msg string, keysAndValues ...any)

	// Warn logs a message at warn level.
	Warn(msg string, keysAndValues ...any)

	// Error logs a message at error level.
	Error(msg string, keysAndValues ...any)

	// Fatal logs a message and terminates the process.
	Fatal(msg string, keysAndValues ...any)
}
