package types

// Kind identifies which family of entity data a subscription listens to.
//
// The kind is part of a subscription's identity. Kind-specific state lives in
// the payload structs attached to Subscription and is selected with a switch
// on Kind.
type Kind int

const (
	// KindTimeseries receives latest time-series values.
	KindTimeseries Kind = iota + 1

	// KindAttributes receives attribute changes for a scope.
	KindAttributes

	// KindAlarms receives alarm create/update/delete events.
	KindAlarms

	// KindAlarmStatus receives "has active alarms" status for a filtered alarm set.
	KindAlarmStatus

	// KindNotifications receives user notifications.
	KindNotifications

	// KindNotificationsCount receives unread notification counters.
	KindNotificationsCount
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindTimeseries:
		return "TIMESERIES"
	case KindAttributes:
		return "ATTRIBUTES"
	case KindAlarms:
		return "ALARMS"
	case KindAlarmStatus:
		return "ALARM_STATUS"
	case KindNotifications:
		return "NOTIFICATIONS"
	case KindNotificationsCount:
		return "NOTIFICATIONS_COUNT"
	default:
		return "UNKNOWN"
	}
}

// IsValid reports whether k is one of the defined kinds.
func (k Kind) IsValid() bool {
	return k >= KindTimeseries && k <= KindNotificationsCount
}

// UpdateKind returns the update family that feeds subscriptions of this kind.
//
// Alarm status subscriptions are fed by alarm updates and notification counters
// by notification updates; the remaining kinds map to themselves.
func (k Kind) UpdateKind() Kind {
	switch k {
	case KindAlarmStatus:
		return KindAlarms
	case KindNotificationsCount:
		return KindNotifications
	default:
		return k
	}
}

// IsData reports whether the kind tracks keyed entity data (time-series or attributes).
//
// Only data subscriptions take part in missed-update reconciliation.
func (k Kind) IsData() bool {
	return k == KindTimeseries || k == KindAttributes
}

// Scope is the attribute scope of an attribute subscription or update.
type Scope int

const (
	// ScopeAny matches updates of every scope.
	ScopeAny Scope = iota

	// ScopeClient is the CLIENT_SCOPE attribute scope.
	ScopeClient

	// ScopeShared is the SHARED_SCOPE attribute scope.
	ScopeShared

	// ScopeServer is the SERVER_SCOPE attribute scope.
	ScopeServer
)

// String returns the string representation of the scope.
func (s Scope) String() string {
	switch s {
	case ScopeAny:
		return "ANY_SCOPE"
	case ScopeClient:
		return "CLIENT_SCOPE"
	case ScopeShared:
		return "SHARED_SCOPE"
	case ScopeServer:
		return "SERVER_SCOPE"
	default:
		return "UNKNOWN"
	}
}

// Matches reports whether an update with the given scope is visible to a
// subscription with this scope.
func (s Scope) Matches(update Scope) bool {
	return s == ScopeAny || s == update
}

// Lifecycle is the kind of change a DeltaEvent carries.
type Lifecycle int

const (
	// LifecycleCreated replaces the receiver's interest entry for the emitting node.
	LifecycleCreated Lifecycle = iota + 1

	// LifecycleUpdated merges into the receiver's interest entry (monotonic union).
	LifecycleUpdated

	// LifecycleDeleted removes the emitting node's interest entry.
	LifecycleDeleted
)

// String returns the string representation of the lifecycle.
func (l Lifecycle) String() string {
	switch l {
	case LifecycleCreated:
		return "CREATED"
	case LifecycleUpdated:
		return "UPDATED"
	case LifecycleDeleted:
		return "DELETED"
	default:
		return "UNKNOWN"
	}
}
