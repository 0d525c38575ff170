package types

import (
	"slices"
	"sync"
)

// AlarmFilter selects the alarms an ALARM_STATUS subscription tracks.
// Empty lists match everything.
type AlarmFilter struct {
	Originator   string   `json:"originator,omitempty" yaml:"originator"`
	TypeList     []string `json:"typeList,omitempty" yaml:"typeList"`
	SeverityList []string `json:"severityList,omitempty" yaml:"severityList"`
}

// Matches reports whether the alarm passes the filter.
func (f AlarmFilter) Matches(a *Alarm) bool {
	if a == nil {
		return false
	}
	if f.Originator != "" && f.Originator != a.Originator {
		return false
	}
	if len(f.TypeList) > 0 && !slices.Contains(f.TypeList, a.Type) {
		return false
	}
	if len(f.SeverityList) > 0 && !slices.Contains(f.SeverityList, a.Severity) {
		return false
	}

	return true
}

// AlarmStatusState caches up to limit active alarm ids plus a flag telling
// whether more active alarms exist in the store.
//
// The status is active while the cache is non-empty or the flag is set. When
// the last cached alarm clears and the flag is set, Apply asks the caller to
// refill the cache from the store; the reported status stays active until
// Fill settles it.
type AlarmStatusState struct {
	mu        sync.Mutex
	filter    AlarmFilter
	limit     int
	alarmIDs  map[string]struct{}
	hasMore   bool
	refilling bool
}

// NewAlarmStatusState creates an empty cache. A non-positive limit means 1.
func NewAlarmStatusState(filter AlarmFilter, limit int) *AlarmStatusState {
	if limit <= 0 {
		limit = 1
	}

	return &AlarmStatusState{
		filter:   filter,
		limit:    limit,
		alarmIDs: make(map[string]struct{}, limit),
	}
}

// Filter returns the alarm filter.
func (s *AlarmStatusState) Filter() AlarmFilter { return s.filter }

// Limit returns the cache capacity.
func (s *AlarmStatusState) Limit() int { return s.limit }

// Active reports the current alarm status.
func (s *AlarmStatusState) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.activeLocked()
}

// Apply folds one alarm change into the cache.
//
// Returns:
//   - bool: true if the reported status flipped
//   - bool: true if the caller must refill the cache from the store
func (s *AlarmStatusState) Apply(a *Alarm) (bool, bool) {
	if !s.filter.Matches(a) {
		return false, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	was := s.activeLocked()
	needRefill := false

	if a.IsActive() {
		if _, ok := s.alarmIDs[a.ID]; !ok {
			if len(s.alarmIDs) < s.limit {
				s.alarmIDs[a.ID] = struct{}{}
			} else {
				s.hasMore = true
			}
		}
	} else if _, ok := s.alarmIDs[a.ID]; ok {
		delete(s.alarmIDs, a.ID)
		if len(s.alarmIDs) == 0 && s.hasMore && !s.refilling {
			s.refilling = true
			needRefill = true
		}
	}

	return was != s.activeLocked(), needRefill
}

// Fill replaces the cached ids with a page read from the store.
//
// Returns:
//   - bool: true if the reported status flipped
func (s *AlarmStatusState) Fill(ids []string, hasMore bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	was := s.activeLocked()
	clear(s.alarmIDs)
	for _, id := range ids {
		if len(s.alarmIDs) >= s.limit {
			hasMore = true

			break
		}
		s.alarmIDs[id] = struct{}{}
	}
	s.hasMore = hasMore
	s.refilling = false

	return was != s.activeLocked()
}

// AbortRefill clears an outstanding refill request after a failed store read,
// so the next time the cache empties a new refill is requested.
func (s *AlarmStatusState) AbortRefill() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.refilling = false
}

func (s *AlarmStatusState) activeLocked() bool {
	return len(s.alarmIDs) > 0 || s.hasMore
}
