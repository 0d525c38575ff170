package testing

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/thingsboard/thingsboard-sub020/types"
)

// StoreQuery is one query received by a MemoryStore.
type StoreQuery struct {
	Method   string
	TenantID string
	EntityID string
	Keys     []string
	StartTs  int64
	EndTs    int64
	Scope    types.Scope
}

// MemoryStore is an in-memory time-series, attribute and alarm store.
//
// Time-series queries return the latest point per key inside (StartTs, EndTs].
// Every query is recorded. Setting Err makes every query fail.
type MemoryStore struct {
	mu         sync.Mutex
	timeseries map[string][]types.TsValue
	attributes map[string]map[types.Scope][]types.TsValue
	alarms     map[string][]types.Alarm
	queries    []StoreQuery
	err        error
}

var (
	_ types.TimeseriesStore = (*MemoryStore)(nil)
	_ types.AttributesStore = (*MemoryStore)(nil)
	_ types.AlarmStore      = (*MemoryStore)(nil)
)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		timeseries: make(map[string][]types.TsValue),
		attributes: make(map[string]map[types.Scope][]types.TsValue),
		alarms:     make(map[string][]types.Alarm),
	}
}

// Stores returns the store wired into every Stores slot.
func (s *MemoryStore) Stores() types.Stores {
	return types.Stores{Timeseries: s, Attributes: s, Alarms: s}
}

// SetError makes every subsequent query fail with err (nil restores success).
func (s *MemoryStore) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// AddTimeseries appends points for entityID.
func (s *MemoryStore) AddTimeseries(entityID string, values ...types.TsValue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeseries[entityID] = append(s.timeseries[entityID], values...)
}

// SetAttributes stores attribute values for entityID in scope, replacing same keys.
func (s *MemoryStore) SetAttributes(entityID string, scope types.Scope, values ...types.TsValue) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byScope := s.attributes[entityID]
	if byScope == nil {
		byScope = make(map[types.Scope][]types.TsValue)
		s.attributes[entityID] = byScope
	}
	for _, v := range values {
		current := byScope[scope]
		idx := slices.IndexFunc(current, func(c types.TsValue) bool { return c.Key == v.Key })
		if idx >= 0 {
			current[idx] = v
		} else {
			current = append(current, v)
		}
		byScope[scope] = current
	}
}

// AddAlarm stores an alarm for entityID.
func (s *MemoryStore) AddAlarm(entityID string, alarm types.Alarm) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alarms[entityID] = append(s.alarms[entityID], alarm)
}

// Queries returns a copy of the queries received so far.
func (s *MemoryStore) Queries() []StoreQuery {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.queries)
}

// FindTimeseries implements types.TimeseriesStore.
func (s *MemoryStore) FindTimeseries(_ context.Context, tenantID, entityID string, query types.TimeseriesQuery) ([]types.TsValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.queries = append(s.queries, StoreQuery{
		Method: "FindTimeseries", TenantID: tenantID, EntityID: entityID,
		Keys: slices.Clone(query.Keys), StartTs: query.StartTs, EndTs: query.EndTs,
	})
	if s.err != nil {
		return nil, s.err
	}

	latest := make(map[string]types.TsValue)
	for _, v := range s.timeseries[entityID] {
		if query.Keys != nil && !slices.Contains(query.Keys, v.Key) {
			continue
		}
		if v.Ts <= query.StartTs || (query.EndTs > 0 && v.Ts > query.EndTs) {
			continue
		}
		if cur, ok := latest[v.Key]; !ok || v.Ts > cur.Ts {
			latest[v.Key] = v
		}
	}

	return sortedValues(latest), nil
}

// FindAttributes implements types.AttributesStore. ScopeAny searches every scope.
func (s *MemoryStore) FindAttributes(_ context.Context, tenantID, entityID string, scope types.Scope, keys []string) ([]types.TsValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.queries = append(s.queries, StoreQuery{
		Method: "FindAttributes", TenantID: tenantID, EntityID: entityID,
		Keys: slices.Clone(keys), Scope: scope,
	})
	if s.err != nil {
		return nil, s.err
	}

	found := make(map[string]types.TsValue)
	for sc, values := range s.attributes[entityID] {
		if !scope.Matches(sc) {
			continue
		}
		for _, v := range values {
			if keys != nil && !slices.Contains(keys, v.Key) {
				continue
			}
			if cur, ok := found[v.Key]; !ok || v.Ts > cur.Ts {
				found[v.Key] = v
			}
		}
	}

	return sortedValues(found), nil
}

// FindActiveAlarms implements types.AlarmStore.
func (s *MemoryStore) FindActiveAlarms(_ context.Context, tenantID, entityID string, filter types.AlarmFilter, limit int) ([]string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.queries = append(s.queries, StoreQuery{Method: "FindActiveAlarms", TenantID: tenantID, EntityID: entityID})
	if s.err != nil {
		return nil, false, s.err
	}

	var ids []string
	for i := range s.alarms[entityID] {
		a := &s.alarms[entityID][i]
		if a.IsActive() && filter.Matches(a) {
			ids = append(ids, a.ID)
		}
	}
	if limit > 0 && len(ids) > limit {
		return ids[:limit], true, nil
	}

	return ids, false, nil
}

func sortedValues(m map[string]types.TsValue) []types.TsValue {
	out := make([]types.TsValue, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	slices.SortFunc(out, func(a, b types.TsValue) int { return cmp.Compare(a.Key, b.Key) })

	return out
}
