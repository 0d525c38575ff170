// Package types provides core type definitions and interfaces for the fan-out layer.
//
// This package contains shared types that are used across multiple packages.
// By keeping these types in a separate package, we avoid import cycles
// between the root fanout package and its internal implementations.
//
// Key types:
//   - Subscription: one session's interest in one entity, keyed by Identity
//   - Interest, InterestSnapshot: aggregated interest and its monotonic merge
//   - DeltaEvent, RecordedEvent: the delta protocol between nodes and partition owners
//   - Update: a change to one entity's data
//   - QueueMessage: the envelope exchanged over the queue
//   - Logger: Structured logging interface
//   - MetricsCollector: Metrics recording interface
package types
