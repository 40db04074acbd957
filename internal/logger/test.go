package logger

import (
	"fmt"
	"strings"
	"testing"

	"github.com/DeepnessLab/moly/types"
)

// TestLogger implements types.Logger on top of testing.TB so that log lines
// show up next to the test that produced them.
type TestLogger struct {
	tb testing.TB
}

// Compile-time assertion that TestLogger implements Logger.
var _ types.Logger = (*TestLogger)(nil)

// NewTest creates a logger writing through tb.Logf.
//
// Example:
//
//	store := rules.NewStore(rules.WithLogger(logger.NewTest(t)))
func NewTest(tb testing.TB) *TestLogger {
	return &TestLogger{tb: tb}
}

// Debug logs a debug-level message.
func (l *TestLogger) Debug(msg string, keysAndValues ...any) {
	l.tb.Helper()
	l.tb.Logf("DEBUG: %s%s", msg, formatKeyValues(keysAndValues))
}

// Info logs an info-level message.
func (l *TestLogger) Info(msg string, keysAndValues ...any) {
	l.tb.Helper()
	l.tb.Logf("INFO: %s%s", msg, formatKeyValues(keysAndValues))
}

// Warn logs a warn-level message.
func (l *TestLogger) Warn(msg string, keysAndValues ...any) {
	l.tb.Helper()
	l.tb.Logf("WARN: %s%s", msg, formatKeyValues(keysAndValues))
}

// Error logs an error-level message.
func (l *TestLogger) Error(msg string, keysAndValues ...any) {
	l.tb.Helper()
	l.tb.Logf("ERROR: %s%s", msg, formatKeyValues(keysAndValues))
}

// Fatal logs the message and fails the test.
func (l *TestLogger) Fatal(msg string, keysAndValues ...any) {
	l.tb.Helper()
	l.tb.Fatalf("FATAL: %s%s", msg, formatKeyValues(keysAndValues))
}

// formatKeyValues renders pairs as " k=v k=v"; a dangling key gets <missing>.
func formatKeyValues(keysAndValues []any) string {
	var b strings.Builder
	for i := 0; i < len(keysAndValues); i += 2 {
		if i+1 < len(keysAndValues) {
			fmt.Fprintf(&b, " %v=%v", keysAndValues[i], keysAndValues[i+1])
		} else {
			fmt.Fprintf(&b, " %v=<missing>", keysAndValues[i])
		}
	}

	return b.String()
}
