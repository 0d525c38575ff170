package types

import "slices"

// Interest is the wire form of interest in one entity's data.
//
// It is used both as a full snapshot (CREATED events, republish) and as a
// sparse delta where only the fields that changed are populated. Because
// interest only ever grows while an aggregate lives, a delta is simply the
// set of flags that became true and keys that were added.
type Interest struct {
	Notifications bool     `json:"notifications,omitempty"`
	Alarms        bool     `json:"alarms,omitempty"`
	TsAllKeys     bool     `json:"tsAllKeys,omitempty"`
	TsKeys        []string `json:"tsKeys,omitempty"`
	AttrAllKeys   bool     `json:"attrAllKeys,omitempty"`
	AttrKeys      []string `json:"attrKeys,omitempty"`
}

// IsEmpty reports whether the interest carries no flag and no key.
func (i Interest) IsEmpty() bool {
	return !i.Notifications && !i.Alarms && !i.TsAllKeys && !i.AttrAllKeys &&
		len(i.TsKeys) == 0 && len(i.AttrKeys) == 0
}

// InterestSnapshot is the aggregated interest of a node in one entity.
//
// Invariant: flags only flip from false to true and key sets only grow. Keys
// stop being tracked once the matching all-keys flag is set. A snapshot is
// never shrunk in place; callers drop the whole snapshot instead.
type InterestSnapshot struct {
	Notifications bool
	Alarms        bool
	TsAllKeys     bool
	TsKeys        map[string]struct{}
	AttrAllKeys   bool
	AttrKeys      map[string]struct{}
}

// NewInterestSnapshot builds a snapshot from a full interest value.
func NewInterestSnapshot(full Interest) *InterestSnapshot {
	s := &InterestSnapshot{}
	s.Merge(full)

	return s
}

// Merge applies a monotonic union of the given interest to the snapshot.
//
// Returns:
//   - Interest: the effective additions (empty when nothing changed)
func (s *InterestSnapshot) Merge(in Interest) Interest {
	var delta Interest

	if in.Notifications && !s.Notifications {
		s.Notifications = true
		delta.Notifications = true
	}
	if in.Alarms && !s.Alarms {
		s.Alarms = true
		delta.Alarms = true
	}

	if in.TsAllKeys && !s.TsAllKeys {
		s.TsAllKeys = true
		delta.TsAllKeys = true
	}
	if !s.TsAllKeys {
		s.TsKeys, delta.TsKeys = addKeys(s.TsKeys, in.TsKeys)
	}

	if in.AttrAllKeys && !s.AttrAllKeys {
		s.AttrAllKeys = true
		delta.AttrAllKeys = true
	}
	if !s.AttrAllKeys {
		s.AttrKeys, delta.AttrKeys = addKeys(s.AttrKeys, in.AttrKeys)
	}

	return delta
}

// Full returns the complete interest held by the snapshot with sorted keys.
func (s *InterestSnapshot) Full() Interest {
	return Interest{
		Notifications: s.Notifications,
		Alarms:        s.Alarms,
		TsAllKeys:     s.TsAllKeys,
		TsKeys:        sortedKeys(s.TsKeys),
		AttrAllKeys:   s.AttrAllKeys,
		AttrKeys:      sortedKeys(s.AttrKeys),
	}
}

// Clone returns a deep copy of the snapshot.
func (s *InterestSnapshot) Clone() *InterestSnapshot {
	return NewInterestSnapshot(s.Full())
}

// Filter narrows an update to the part this snapshot is interested in.
//
// Time-series and attribute updates are intersected with the tracked key set
// unless the all-keys flag is set. An empty intersection reports false so
// callers can skip the recipient entirely.
//
// Returns:
//   - Update: the filtered update
//   - bool: false when nothing in the update is of interest
func (s *InterestSnapshot) Filter(update Update) (Update, bool) {
	switch update.Kind {
	case KindTimeseries:
		return filterValues(update, s.TsAllKeys, s.TsKeys)
	case KindAttributes:
		return filterValues(update, s.AttrAllKeys, s.AttrKeys)
	case KindAlarms:
		return update, s.Alarms && update.Alarm != nil
	case KindNotifications:
		return update, s.Notifications && update.Notification != nil
	default:
		return update, false
	}
}

func filterValues(update Update, allKeys bool, keys map[string]struct{}) (Update, bool) {
	if len(update.Values) == 0 {
		return update, false
	}
	if allKeys {
		return update, true
	}
	if len(keys) == 0 {
		return update, false
	}

	matched := make([]TsValue, 0, len(update.Values))
	for _, v := range update.Values {
		if _, ok := keys[v.Key]; ok {
			matched = append(matched, v)
		}
	}
	if len(matched) == 0 {
		return update, false
	}

	return update.WithValues(matched), true
}

func addKeys(set map[string]struct{}, keys []string) (map[string]struct{}, []string) {
	var added []string
	for _, k := range keys {
		if _, ok := set[k]; ok {
			continue
		}
		if set == nil {
			set = make(map[string]struct{}, len(keys))
		}
		set[k] = struct{}{}
		added = append(added, k)
	}
	slices.Sort(added)

	return set, added
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	return keys
}

// DeltaEvent is a sequence-numbered change to one node's interest in an entity,
// sent from the node's local registry to the entity's partition owner.
//
// CREATED carries the full interest, UPDATED only the additions, DELETED none.
// DataSubscription marks events that registered a new data subscription and
// therefore expect a RecordedEvent reply.
type DeltaEvent struct {
	TenantID         string    `json:"tenantId"`
	EntityID         string    `json:"entityId"`
	Lifecycle        Lifecycle `json:"lifecycle"`
	SeqNumber        int64     `json:"seq"`
	DataSubscription bool      `json:"dataSub,omitempty"`
	Interest         Interest  `json:"interest"`
}
