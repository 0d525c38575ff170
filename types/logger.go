package types

// Logger is the structured logger used by every fan-out component.
//
// Compatible with zap.SugaredLogger and slog-backed adapters. Fields are
// passed as alternating key-value pairs, for example:
//
//	logger.Warn("delta rejected", "entity", entityID, "from", nodeID, "error", err)
//
// Components tag their logger with a "component" field, so implementations
// should keep fields accumulated on the logger.
type Logger interface {
	// Debug logs per-message detail such as dropped stale references.
	Debug(msg string, keysAndValues ...any)

	// Info logs lifecycle events: start, stop, topology changes.
	Info(msg string, keysAndValues ...any)

	// Warn logs recoverable failures: queue send errors, store errors,
	// rejected deltas.
	Warn(msg string, keysAndValues ...any)

	// Error logs failures the caller cannot recover from locally.
	Error(msg string, keysAndValues ...any)

	// Fatal logs a message at FatalLevel and calls os.Exit(1).
	// The fan-out layer itself never calls Fatal.
	Fatal(msg string, keysAndValues ...any)
}
