package fanout

import "github.com/thingsboard/thingsboard-sub020/types"

// Re-export types from the types package.
//
// Internal packages depend on types only; the aliases give users a single
// import for the public API.
type (
	Kind               = types.Kind
	Scope              = types.Scope
	Identity           = types.Identity
	Subscription       = types.Subscription
	SubscriptionParams = types.SubscriptionParams
	UpdateHandler      = types.UpdateHandler
	Update             = types.Update
	TsValue            = types.TsValue
	Alarm              = types.Alarm
	AlarmFilter        = types.AlarmFilter
	AlarmStatus        = types.AlarmStatus
	Notification       = types.Notification
	TimeWindow         = types.TimeWindow
)

// Re-export interfaces from the types package for convenience.
type (
	Logger            = types.Logger
	MetricsCollector  = types.MetricsCollector
	Stores            = types.Stores
	TimeseriesStore   = types.TimeseriesStore
	AttributesStore   = types.AttributesStore
	AlarmStore        = types.AlarmStore
	SessionTransport  = types.SessionTransport
	PartitionResolver = types.PartitionResolver
	RateLimiter       = types.RateLimiter
	ErrorCode         = types.ErrorCode
	Hooks             = types.Hooks
)

// Re-export constants from the types package.
const (
	KindTimeseries         = types.KindTimeseries
	KindAttributes         = types.KindAttributes
	KindAlarms             = types.KindAlarms
	KindAlarmStatus        = types.KindAlarmStatus
	KindNotifications      = types.KindNotifications
	KindNotificationsCount = types.KindNotificationsCount

	ScopeAny    = types.ScopeAny
	ScopeClient = types.ScopeClient
	ScopeServer = types.ScopeServer
	ScopeShared = types.ScopeShared
)

// NewSubscription creates a subscription from its parameters.
func NewSubscription(p SubscriptionParams) *Subscription {
	return types.NewSubscription(p)
}
