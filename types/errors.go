package types

import (
	"errors"
	"strings"
)

// Sentinel errors for the fan-out layer.
//
// Check them with errors.Is(). External errors are wrapped with context using
// fmt.Errorf("%s: %w", msg, err).

// Service errors - Public API errors returned by the Service.
var (
	// ErrInvalidConfig is returned when the configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrNATSConnectionRequired is returned when NATS connection is nil.
	ErrNATSConnectionRequired = errors.New("NATS connection is required")

	// ErrAlreadyStarted is returned when Start is called on a running service.
	ErrAlreadyStarted = errors.New("service already started")

	// ErrNotStarted is returned when operations require a started service.
	ErrNotStarted = errors.New("service not started")

	// ErrConnectivity is returned when NATS cannot be reached.
	ErrConnectivity = errors.New("NATS connectivity error")
)

// Subscription errors - returned by the local registry and the subscription manager.
var (
	// ErrForeignPartition is returned when a delta or an update reaches a node
	// that does not own the entity's partition.
	ErrForeignPartition = errors.New("entity partition is not owned by this node")

	// ErrRateLimited is returned when a subscription is rejected by rate limiting.
	ErrRateLimited = errors.New("subscription rate limit exceeded")

	// ErrStaleReference is returned when an event refers to an entity or
	// subscription that no longer exists. It is logged and the event dropped.
	ErrStaleReference = errors.New("stale entity or subscription reference")

	// ErrTenantNotFound is returned by the partition resolver when the tenant
	// no longer exists. Subscriptions of such tenants are purged.
	ErrTenantNotFound = errors.New("tenant not found")

	// ErrInvalidSubscription is returned when a subscription lacks identity fields.
	ErrInvalidSubscription = errors.New("invalid subscription")

	// ErrUnknownMessageType is returned when a queue message has an unknown type.
	ErrUnknownMessageType = errors.New("unknown queue message type")
)

// Membership errors - node heartbeat and monitor.
var (
	// ErrMonitorAlreadyStarted is returned when Start is called on a running node monitor.
	ErrMonitorAlreadyStarted = errors.New("node monitor already started")

	// ErrMonitorNotStarted is returned when Stop is called before Start.
	ErrMonitorNotStarted = errors.New("node monitor not started")

	// ErrWatcherFailed is returned when NATS KV watcher operations fail.
	ErrWatcherFailed = errors.New("watcher operation failed")
)

// Common errors - Shared errors used across multiple components.
var (
	// ErrNoKeysFound is returned when NATS KV returns no keys (expected condition).
	ErrNoKeysFound = errors.New("no keys found")
)

// IsNoKeysFoundError checks if an error indicates that no keys were found in NATS KV.
//
// This function handles NATS-specific "no keys found" errors which may come as:
//   - Direct error: "nats: no keys found"
//   - Wrapped error: "failed to list KV keys: nats: no keys found"
//
// Parameters:
//   - err: The error to check
//
// Returns:
//   - bool: true if the error indicates no keys were found, false otherwise
func IsNoKeysFoundError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNoKeysFound) {
		return true
	}

	return strings.Contains(err.Error(), "no keys found")
}
