package types

import (
	"context"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
)

// MaxPendingUpdates caps the live updates buffered for a subscription while it
// waits for its registration to be recorded by the partition owner. Overflow
// drops the buffer and forces a full reconciliation instead.
const MaxPendingUpdates = 256

// UpdateHandler receives updates for a subscription.
//
// It is invoked asynchronously on the dispatch pool, zero or more times,
// until the subscription is cancelled. A dispatch that was already queued
// when the subscription got cancelled may still arrive.
type UpdateHandler func(ctx context.Context, sub *Subscription, update Update)

// Identity is the immutable identity of a subscription.
//
// Identity is comparable and is the only thing used for set and map
// membership; mutable key state never takes part in equality.
type Identity struct {
	OwnerNodeID    string
	SessionID      string
	SubscriptionID int
	TenantID       string
	EntityID       string
	Kind           Kind
}

// TimeWindow bounds the timestamps a subscription accepts. Zero bounds are open.
type TimeWindow struct {
	StartTs int64
	EndTs   int64
}

// Contains reports whether ts falls inside the window.
func (w TimeWindow) Contains(ts int64) bool {
	return (w.StartTs == 0 || ts >= w.StartTs) && (w.EndTs == 0 || ts <= w.EndTs)
}

// SubscriptionParams describes a subscription to create with NewSubscription.
//
// Fields beyond Identity, UserID, CreatedAt and Handler are kind specific:
//   - TIMESERIES: AllKeys, KeyStates, Window
//   - ATTRIBUTES: AllKeys, KeyStates, Scope
//   - ALARMS: Window
//   - ALARM_STATUS: AlarmFilter, AlarmCacheLimit, AlarmIDs, HasMoreAlarms
type SubscriptionParams struct {
	Identity

	UserID    string
	CreatedAt int64
	Handler   UpdateHandler

	AllKeys   bool
	KeyStates map[string]int64
	Scope     Scope
	Window    TimeWindow

	AlarmFilter     AlarmFilter
	AlarmCacheLimit int
	AlarmIDs        []string
	HasMoreAlarms   bool
}

// Subscription is one client session's interest in one entity.
//
// The identity is fixed at construction. Key state advances in place as
// updates are delivered; it is guarded by its own lock and never changes
// the subscription's identity.
type Subscription struct {
	id        Identity
	userID    string
	createdAt int64
	handler   UpdateHandler

	keys        *KeyState
	scope       Scope
	window      TimeWindow
	alarmStatus *AlarmStatusState

	canceled atomic.Bool

	pendingMu sync.Mutex
	pending   bool
	since     int64
	buffered  []Update
	overflow  bool
}

// NewSubscription creates a subscription from params, allocating the payload
// that matches params.Kind.
//
// An empty key state with AllKeys=false is valid; such a subscription simply
// never matches a time-series or attribute update.
func NewSubscription(p SubscriptionParams) *Subscription {
	sub := &Subscription{
		id:        p.Identity,
		userID:    p.UserID,
		createdAt: p.CreatedAt,
		handler:   p.Handler,
	}

	switch p.Kind {
	case KindTimeseries:
		sub.keys = NewKeyState(p.AllKeys, p.KeyStates)
		sub.window = p.Window
	case KindAttributes:
		sub.keys = NewKeyState(p.AllKeys, p.KeyStates)
		sub.scope = p.Scope
	case KindAlarms:
		sub.window = p.Window
	case KindAlarmStatus:
		sub.alarmStatus = NewAlarmStatusState(p.AlarmFilter, p.AlarmCacheLimit)
		sub.alarmStatus.Fill(p.AlarmIDs, p.HasMoreAlarms)
	}

	return sub
}

// Identity returns the subscription identity.
func (s *Subscription) Identity() Identity { return s.id }

// Kind returns the subscription kind.
func (s *Subscription) Kind() Kind { return s.id.Kind }

// TenantID returns the owning tenant.
func (s *Subscription) TenantID() string { return s.id.TenantID }

// EntityID returns the subscribed entity.
func (s *Subscription) EntityID() string { return s.id.EntityID }

// SessionID returns the owning session.
func (s *Subscription) SessionID() string { return s.id.SessionID }

// ID returns the session-scoped subscription id.
func (s *Subscription) ID() int { return s.id.SubscriptionID }

// UserID returns the user on whose behalf the subscription was made.
func (s *Subscription) UserID() string { return s.userID }

// CreatedAt returns the creation timestamp in Unix milliseconds.
func (s *Subscription) CreatedAt() int64 { return s.createdAt }

// SetCreatedAt sets the creation timestamp when the caller left it unset.
func (s *Subscription) SetCreatedAt(ts int64) {
	if s.createdAt == 0 {
		s.createdAt = ts
	}
}

// Scope returns the attribute scope (ATTRIBUTES only).
func (s *Subscription) Scope() Scope { return s.scope }

// Window returns the accepted time window.
func (s *Subscription) Window() TimeWindow { return s.window }

// Keys returns the key state (TIMESERIES and ATTRIBUTES only, nil otherwise).
func (s *Subscription) Keys() *KeyState { return s.keys }

// AlarmStatus returns the alarm status cache (ALARM_STATUS only, nil otherwise).
func (s *Subscription) AlarmStatus() *AlarmStatusState { return s.alarmStatus }

// Interest returns the interest this subscription contributes to its entity aggregate.
func (s *Subscription) Interest() Interest {
	switch s.id.Kind {
	case KindTimeseries:
		if s.keys.AllKeys() {
			return Interest{TsAllKeys: true}
		}

		return Interest{TsKeys: s.keys.Keys()}
	case KindAttributes:
		if s.keys.AllKeys() {
			return Interest{AttrAllKeys: true}
		}

		return Interest{AttrKeys: s.keys.Keys()}
	case KindAlarms, KindAlarmStatus:
		return Interest{Alarms: true}
	case KindNotifications, KindNotificationsCount:
		return Interest{Notifications: true}
	default:
		return Interest{}
	}
}

// Apply runs the subscription's own filter over an update and advances its state.
//
// Time-series and attribute values are narrowed to the subscribed keys and to
// values newer than the last delivered timestamp per key (last value wins);
// attributes also require a compatible scope. Alarm updates must pass the
// time window (ALARMS) or change the cached alarm status (ALARM_STATUS).
//
// Applying the same update twice leaves the key state as the first
// application did and yields nothing the second time.
//
// Returns:
//   - Update: the update to deliver to the handler
//   - bool: false when nothing matched
func (s *Subscription) Apply(update Update) (Update, bool) {
	if update.Kind != s.id.Kind.UpdateKind() {
		return update, false
	}

	switch s.id.Kind {
	case KindTimeseries:
		values := make([]TsValue, 0, len(update.Values))
		for _, v := range update.Values {
			if s.window.Contains(v.Ts) {
				values = append(values, v)
			}
		}
		accepted := s.keys.Advance(values, false)

		return update.WithValues(accepted), len(accepted) > 0
	case KindAttributes:
		if !s.scope.Matches(update.Scope) {
			return update, false
		}
		accepted := s.keys.Advance(update.Values, update.Deleted)

		return update.WithValues(accepted), len(accepted) > 0
	case KindAlarms:
		if update.Alarm == nil {
			return update, false
		}

		return update, s.window.Contains(update.Alarm.CreatedTs)
	case KindAlarmStatus:
		update, ok, _ := s.ApplyAlarmStatus(update)

		return update, ok
	case KindNotifications, KindNotificationsCount:
		return update, update.Notification != nil
	default:
		return update, false
	}
}

// ApplyAlarmStatus folds an alarm update into an ALARM_STATUS subscription.
//
// Returns:
//   - Update: the update with AlarmStatus populated
//   - bool: true if the status flipped and must be delivered
//   - bool: true if the alarm cache must be refilled from the store
func (s *Subscription) ApplyAlarmStatus(update Update) (Update, bool, bool) {
	if s.alarmStatus == nil || update.Alarm == nil {
		return update, false, false
	}

	changed, refill := s.alarmStatus.Apply(update.Alarm)
	if !changed {
		return update, false, refill
	}
	update.AlarmStatus = &AlarmStatus{Active: s.alarmStatus.Active()}

	return update, true, refill
}

// Deliver invokes the update handler.
func (s *Subscription) Deliver(ctx context.Context, update Update) {
	if s.handler != nil {
		s.handler(ctx, s, update)
	}
}

// Cancel marks the subscription cancelled; no new dispatches are queued after this.
func (s *Subscription) Cancel() { s.canceled.Store(true) }

// IsCanceled reports whether Cancel was called.
func (s *Subscription) IsCanceled() bool { return s.canceled.Load() }

// MarkPending starts buffering live updates until Release is called.
//
// Parameters:
//   - now: Unix milliseconds at which the subscription became pending
func (s *Subscription) MarkPending(now int64) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()

	s.pending = true
	s.since = now
	s.buffered = nil
	s.overflow = false
}

// Hold buffers a raw update while the subscription is pending.
//
// Returns:
//   - bool: true if the update was taken (buffered or dropped on overflow)
func (s *Subscription) Hold(update Update) bool {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()

	if !s.pending {
		return false
	}
	if s.overflow {
		return true
	}
	if len(s.buffered) >= MaxPendingUpdates {
		s.buffered = nil
		s.overflow = true

		return true
	}
	s.buffered = append(s.buffered, update)

	return true
}

// Release ends the pending phase.
//
// Returns:
//   - []Update: buffered updates in arrival order
//   - bool: true if the buffer overflowed and updates were lost
func (s *Subscription) Release() ([]Update, bool) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()

	buffered, overflow := s.buffered, s.overflow
	s.pending = false
	s.buffered = nil
	s.overflow = false

	return buffered, overflow
}

// PendingSince returns when the subscription became pending.
//
// Returns:
//   - int64: Unix milliseconds (0 when not pending)
//   - bool: true while pending
func (s *Subscription) PendingSince() (int64, bool) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()

	if !s.pending {
		return 0, false
	}

	return s.since, true
}

// KeyState tracks the subscribed keys and the last delivered timestamp per key.
type KeyState struct {
	mu      sync.Mutex
	allKeys bool
	states  map[string]int64
}

// NewKeyState creates a key state. The initial map is copied.
func NewKeyState(allKeys bool, initial map[string]int64) *KeyState {
	states := make(map[string]int64, len(initial))
	maps.Copy(states, initial)

	return &KeyState{allKeys: allKeys, states: states}
}

// AllKeys reports whether every key is subscribed.
func (k *KeyState) AllKeys() bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	return k.allKeys
}

// Keys returns the tracked keys, sorted.
func (k *KeyState) Keys() []string {
	k.mu.Lock()
	defer k.mu.Unlock()

	if len(k.states) == 0 {
		return nil
	}
	keys := make([]string, 0, len(k.states))
	for key := range k.states {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	return keys
}

// Snapshot returns a copy of the per-key last delivered timestamps.
func (k *KeyState) Snapshot() map[string]int64 {
	k.mu.Lock()
	defer k.mu.Unlock()

	return maps.Clone(k.states)
}

// Get returns the last delivered timestamp for key.
func (k *KeyState) Get(key string) (int64, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()

	ts, ok := k.states[key]

	return ts, ok
}

// Advance accepts the values that match the key filter and are newer than the
// last delivered timestamp, recording their timestamps.
//
// Deletions of tracked keys are always accepted; an explicitly subscribed key
// is reset to 0 while an all-keys entry is forgotten.
//
// Returns:
//   - []TsValue: accepted values, in input order
func (k *KeyState) Advance(values []TsValue, deleted bool) []TsValue {
	k.mu.Lock()
	defer k.mu.Unlock()

	accepted := make([]TsValue, 0, len(values))
	for _, v := range values {
		last, tracked := k.states[v.Key]
		if !tracked && !k.allKeys {
			continue
		}
		if deleted {
			if k.allKeys {
				delete(k.states, v.Key)
			} else {
				k.states[v.Key] = 0
			}
			accepted = append(accepted, v)

			continue
		}
		if tracked && last > 0 && v.Ts <= last {
			continue
		}
		k.states[v.Key] = v.Ts
		accepted = append(accepted, v)
	}

	return accepted
}

// Rewind undoes Advance for values whose delivery was abandoned.
//
// A key still at the abandoned timestamp is moved just below it, so the same
// value passes the filter again and a reconciliation query starting at the key
// state reads it back. Keys advanced further since then are left alone.
func (k *KeyState) Rewind(values []TsValue) {
	k.mu.Lock()
	defer k.mu.Unlock()

	for _, v := range values {
		if last, ok := k.states[v.Key]; ok && last == v.Ts && v.Ts > 0 {
			k.states[v.Key] = v.Ts - 1
		}
	}
}
