package types

import "context"

// PartitionResolver maps entities to the node owning their partition.
type PartitionResolver interface {
	// ResolveOwner returns the node currently owning the entity's partition.
	//
	// Returns ErrTenantNotFound when the tenant no longer exists.
	ResolveOwner(tenantID, entityID string) (string, error)

	// IsMyPartition reports whether this node owns the entity's partition.
	IsMyPartition(tenantID, entityID string) bool

	// OwnedPartitions returns the partitions owned by this node, sorted.
	OwnedPartitions() []int
}

// QueueProducer sends messages to other nodes over an at-least-once queue.
type QueueProducer interface {
	// Send enqueues msg for targetNodeID. key is the ordering key (the entity
	// id); messages with the same key are delivered in order.
	//
	// onResult, if non-nil, is called exactly once with the publish outcome.
	// Send itself never blocks on the broker acknowledgement.
	Send(ctx context.Context, targetNodeID, key string, msg QueueMessage, onResult func(error))
}

// RateLimiter decides whether an action identified by key is allowed under policy.
type RateLimiter interface {
	// CheckLimit consumes one token for (scope, key) and reports whether it was available.
	//
	// Parameters:
	//   - scope: Limit scope such as "tenant" or "user"
	//   - key: Identifier within the scope
	//   - policy: Policy string such as "100:1,1000:60" (capacity:seconds pairs)
	CheckLimit(scope, key, policy string) bool
}

// ErrorCode is a structured error code reported to client sessions.
type ErrorCode int

const (
	// ErrorCodeNone means no error.
	ErrorCodeNone ErrorCode = iota
	// ErrorCodeInternal is an unexpected server side failure.
	ErrorCodeInternal
	// ErrorCodeBadRequest is a malformed subscription request.
	ErrorCodeBadRequest
	// ErrorCodeRateLimited is a subscription rejected by rate limiting.
	ErrorCodeRateLimited
)

// SessionTransport is the client session layer the registry reports to.
type SessionTransport interface {
	// IsAlive reports whether the session is still connected.
	IsAlive(sessionID string) bool

	// SendError reports an error for one subscription to the session.
	SendError(ctx context.Context, sessionID string, subscriptionID int, code ErrorCode, msg string) error
}

// TimeseriesQuery selects the latest time-series value per key within (StartTs, EndTs].
// Nil Keys selects every key.
type TimeseriesQuery struct {
	Keys    []string
	StartTs int64
	EndTs   int64
}

// TimeseriesStore reads time-series values.
type TimeseriesStore interface {
	// FindTimeseries returns the latest value per key whose ts falls in (StartTs, EndTs].
	FindTimeseries(ctx context.Context, tenantID, entityID string, query TimeseriesQuery) ([]TsValue, error)
}

// AttributesStore reads attribute values.
type AttributesStore interface {
	// FindAttributes returns the current values of keys (all keys when nil) in scope.
	FindAttributes(ctx context.Context, tenantID, entityID string, scope Scope, keys []string) ([]TsValue, error)
}

// AlarmStore reads alarms.
type AlarmStore interface {
	// FindActiveAlarms returns up to limit ids of active alarms matching filter
	// and whether more matching alarms exist.
	FindActiveAlarms(ctx context.Context, tenantID, entityID string, filter AlarmFilter, limit int) ([]string, bool, error)
}

// Stores bundles the stores used for missed-update reconciliation and alarm
// status refills. Any field may be nil; the matching reconciliation is skipped.
type Stores struct {
	Timeseries TimeseriesStore
	Attributes AttributesStore
	Alarms     AlarmStore
}

// LocalSubscriptionService is the node-local side of the delta protocol:
// it receives filtered updates and recorded acknowledgements from partition owners.
type LocalSubscriptionService interface {
	OnUpdate(ctx context.Context, update Update)
	OnRecorded(ctx context.Context, event RecordedEvent)
}

// SubscriptionManagerService is the partition owner side of the delta protocol.
type SubscriptionManagerService interface {
	// OnDelta merges a node's interest delta. Returns ErrForeignPartition when
	// this node does not own the entity's partition.
	OnDelta(ctx context.Context, fromNodeID string, event DeltaEvent) error

	// OnUpdate fans an update out to interested nodes. Returns
	// ErrForeignPartition when this node does not own the entity's partition.
	OnUpdate(ctx context.Context, update Update) error
}
