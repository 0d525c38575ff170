package types

// TsValue is a single timestamped key/value pair, used for both time-series
// points and attribute values.
type TsValue struct {
	Key   string `json:"key"`
	Ts    int64  `json:"ts"`
	Value any    `json:"value,omitempty"`
}

// Alarm is the alarm payload carried by alarm updates.
type Alarm struct {
	ID         string `json:"id"`
	Originator string `json:"originator"`
	Type       string `json:"type"`
	Severity   string `json:"severity"`
	CreatedTs  int64  `json:"createdTs"`
	Cleared    bool   `json:"cleared,omitempty"`
	Deleted    bool   `json:"deleted,omitempty"`
}

// IsActive reports whether the alarm still counts towards alarm status.
func (a *Alarm) IsActive() bool {
	return !a.Cleared && !a.Deleted
}

// Notification is the payload carried by notification updates.
type Notification struct {
	ID          string `json:"id,omitempty"`
	Ts          int64  `json:"ts"`
	Subject     string `json:"subject,omitempty"`
	Text        string `json:"text,omitempty"`
	Read        bool   `json:"read,omitempty"`
	UnreadCount int    `json:"unreadCount"`
}

// AlarmStatus is attached to updates delivered to ALARM_STATUS subscriptions.
type AlarmStatus struct {
	Active bool `json:"active"`
}

// Update is a change to one entity's data flowing from an update source to
// the interested subscriptions.
//
// Kind is one of KindTimeseries, KindAttributes, KindAlarms or
// KindNotifications. The payload fields used depend on Kind:
//   - Timeseries/Attributes: Values (Scope and Deleted for attributes)
//   - Alarms: Alarm
//   - Notifications: Notification
//
// AlarmStatus is only populated on updates delivered to ALARM_STATUS subscriptions.
type Update struct {
	TenantID     string        `json:"tenantId"`
	EntityID     string        `json:"entityId"`
	Kind         Kind          `json:"kind"`
	Scope        Scope         `json:"scope,omitempty"`
	Values       []TsValue     `json:"values,omitempty"`
	Deleted      bool          `json:"deleted,omitempty"`
	Alarm        *Alarm        `json:"alarm,omitempty"`
	Notification *Notification `json:"notification,omitempty"`
	AlarmStatus  *AlarmStatus  `json:"alarmStatus,omitempty"`
}

// WithValues returns a shallow copy of the update carrying only the given values.
func (u Update) WithValues(values []TsValue) Update {
	u.Values = values

	return u
}

// MaxTs returns the greatest value timestamp carried by the update (0 if none).
func (u Update) MaxTs() int64 {
	var maxTs int64
	for _, v := range u.Values {
		if v.Ts > maxTs {
			maxTs = v.Ts
		}
	}

	return maxTs
}

// EntityUpdatesInfo records when an entity last received attribute and
// time-series updates, in Unix milliseconds.
type EntityUpdatesInfo struct {
	AttributesUpdateTs int64 `json:"attributesUpdateTs"`
	TimeSeriesUpdateTs int64 `json:"timeSeriesUpdateTs"`
}

// For returns the update timestamp relevant to a subscription kind.
func (i EntityUpdatesInfo) For(kind Kind) int64 {
	switch kind {
	case KindTimeseries:
		return i.TimeSeriesUpdateTs
	case KindAttributes:
		return i.AttributesUpdateTs
	default:
		return 0
	}
}

// RecordedEvent acknowledges that the partition owner recorded a delta.
//
// It is sent back to the node that emitted the delta and carries the owner's
// update timestamps at the moment of recording, which drive missed-update
// reconciliation for the pending subscriptions registered under SeqNumber.
type RecordedEvent struct {
	TenantID    string            `json:"tenantId"`
	EntityID    string            `json:"entityId"`
	SeqNumber   int64             `json:"seq"`
	UpdatesInfo EntityUpdatesInfo `json:"updatesInfo"`
}
