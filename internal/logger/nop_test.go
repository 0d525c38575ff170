package logger

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNopLogger(t *testing.T) {
	logger := NewNop()

	require.NotPanics(t, func() {
		logger.Debug("test message", "key", "value")
		logger.Info("", nil)
		logger.Warn("message")
		logger.Error("message", "single")
		logger.Fatal("test message", "key", "value") // Should NOT exit
	})
}

func TestOrNop(t *testing.T) {
	require.IsType(t, &NopLogger{}, OrNop(nil))

	tl := NewTest(t)
	require.Same(t, tl, OrNop(tl))
}

func TestFormatKeyValues(t *testing.T) {
	require.Empty(t, formatKeyValues(nil))
	require.Equal(t, "a=1 b=x", formatKeyValues([]any{"a", 1, "b", "x"}))
	require.Equal(t, "a=1 b=<missing>", formatKeyValues([]any{"a", 1, "b"}))
}

func TestTestLogger_SilentAfterCleanup(t *testing.T) {
	var log *TestLogger
	t.Run("inner", func(t *testing.T) {
		log = NewTest(t)
		log.Info("inside test", "k", "v")
	})

	require.NotPanics(t, func() {
		log.Info("after test finished")
	})
}

func BenchmarkNopLogger(b *testing.B) {
	logger := NewNop()

	for b.Loop() {
		logger.Debug("benchmark message", "key1", "value1", "key2", 42)
	}
}
