package fanout

import "github.com/thingsboard/thingsboard-sub020/types"

// Sentinel errors returned by the Service, re-exported from the types package.
var (
	// ErrInvalidConfig is returned when the configuration is invalid.
	ErrInvalidConfig = types.ErrInvalidConfig

	// ErrNATSConnectionRequired is returned when NATS connection is nil.
	ErrNATSConnectionRequired = types.ErrNATSConnectionRequired

	// ErrAlreadyStarted is returned when Start is called on a running service.
	ErrAlreadyStarted = types.ErrAlreadyStarted

	// ErrNotStarted is returned when the service has not been started or is stopped.
	ErrNotStarted = types.ErrNotStarted

	// ErrConnectivity marks publish failures caused by an unreachable NATS server.
	ErrConnectivity = types.ErrConnectivity

	// ErrForeignPartition is returned when this node does not own the entity's partition.
	ErrForeignPartition = types.ErrForeignPartition

	// ErrRateLimited is returned when a subscription is rejected by rate limiting.
	ErrRateLimited = types.ErrRateLimited

	// ErrStaleReference is returned when a subscription no longer exists.
	ErrStaleReference = types.ErrStaleReference

	// ErrTenantNotFound is returned when the tenant of a subscription no longer exists.
	ErrTenantNotFound = types.ErrTenantNotFound

	// ErrInvalidSubscription is returned when a subscription lacks identity fields.
	ErrInvalidSubscription = types.ErrInvalidSubscription
)
