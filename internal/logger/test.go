package logger

import (
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/thingsboard/thingsboard-sub020/types"
)

// TestLogger implements types.Logger using testing.TB for output.
//
// Dispatch workers and queue consumers keep logging for a short while after a
// test body returns; logging through testing.TB at that point panics, so the
// logger goes silent once the test's cleanup phase starts.
type TestLogger struct {
	tb     testing.TB
	mu     sync.RWMutex
	closed bool
}

// Compile-time assertion that TestLogger implements Logger.
var _ types.Logger = (*TestLogger)(nil)

// NewTest creates a new test logger that writes to tb.
//
// Example:
//
//	func TestSomething(t *testing.T) {
//	    log := logger.NewTest(t)
//	    log.Info("test started", "id", 123)
//	}
func NewTest(tb testing.TB) *TestLogger {
	l := &TestLogger{tb: tb}
	tb.Cleanup(func() {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
	})

	return l
}

// Debug logs a debug-level message with optional key-value pairs.
func (l *TestLogger) Debug(msg string, keysAndValues ...any) {
	l.log("DEBUG", msg, keysAndValues)
}

// Info logs an info-level message with optional key-value pairs.
func (l *TestLogger) Info(msg string, keysAndValues ...any) {
	l.log("INFO", msg, keysAndValues)
}

// Warn logs a warning-level message with optional key-value pairs.
func (l *TestLogger) Warn(msg string, keysAndValues ...any) {
	l.log("WARN", msg, keysAndValues)
}

// Error logs an error-level message with optional key-value pairs.
func (l *TestLogger) Error(msg string, keysAndValues ...any) {
	l.log("ERROR", msg, keysAndValues)
}

// Fatal logs a fatal-level message and fails the test.
func (l *TestLogger) Fatal(msg string, keysAndValues ...any) {
	l.tb.Fatalf("FATAL: %s %s", msg, formatKeyValues(keysAndValues))
}

func (l *TestLogger) log(level, msg string, keysAndValues []any) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return
	}
	l.tb.Logf("%s: %s %s", level, msg, formatKeyValues(keysAndValues))
}

// formatKeyValues formats key-value pairs for logging.
func formatKeyValues(keysAndValues []any) string {
	if len(keysAndValues) == 0 {
		return ""
	}

	var b strings.Builder
	for i := 0; i < len(keysAndValues); i += 2 {
		if i+1 < len(keysAndValues) {
			fmt.Fprintf(&b, "%v=%v ", keysAndValues[i], keysAndValues[i+1])
		} else {
			fmt.Fprintf(&b, "%v=<missing> ", keysAndValues[i])
		}
	}

	return strings.TrimSpace(b.String())
}
