package types

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAlarmFilter_Matches(t *testing.T) {
	alarm := &Alarm{ID: "a1", Originator: "e1", Type: "HighTemp", Severity: "CRITICAL"}

	require.True(t, AlarmFilter{}.Matches(alarm))
	require.True(t, AlarmFilter{Originator: "e1", TypeList: []string{"HighTemp"}}.Matches(alarm))
	require.False(t, AlarmFilter{Originator: "e2"}.Matches(alarm))
	require.False(t, AlarmFilter{SeverityList: []string{"MINOR"}}.Matches(alarm))
	require.False(t, AlarmFilter{}.Matches(nil))
}

func TestAlarmStatusState(t *testing.T) {
	t.Run("status flips on first and last alarm", func(t *testing.T) {
		s := NewAlarmStatusState(AlarmFilter{}, 2)
		require.False(t, s.Active())

		changed, refill := s.Apply(&Alarm{ID: "a1"})
		require.True(t, changed)
		require.False(t, refill)

		changed, _ = s.Apply(&Alarm{ID: "a2"})
		require.False(t, changed)

		changed, _ = s.Apply(&Alarm{ID: "a1", Cleared: true})
		require.False(t, changed)

		changed, refill = s.Apply(&Alarm{ID: "a2", Deleted: true})
		require.True(t, changed)
		require.False(t, refill)
		require.False(t, s.Active())
	})

	t.Run("overflow requests refill once", func(t *testing.T) {
		s := NewAlarmStatusState(AlarmFilter{}, 1)
		s.Apply(&Alarm{ID: "a1"})
		s.Apply(&Alarm{ID: "a2"})

		changed, refill := s.Apply(&Alarm{ID: "a1", Cleared: true})
		require.False(t, changed)
		require.True(t, refill)
		require.True(t, s.Active())

		_, refill = s.Apply(&Alarm{ID: "a3", Cleared: true})
		require.False(t, refill)

		changed = s.Fill(nil, false)
		require.True(t, changed)
		require.False(t, s.Active())
	})

	t.Run("fill caps at limit", func(t *testing.T) {
		s := NewAlarmStatusState(AlarmFilter{}, 2)

		require.True(t, s.Fill([]string{"a", "b", "c"}, false))
		require.True(t, s.Active())

		changed, refill := s.Apply(&Alarm{ID: "a", Cleared: true})
		require.False(t, changed)
		require.False(t, refill)
		changed, refill = s.Apply(&Alarm{ID: "b", Cleared: true})
		require.False(t, changed)
		require.True(t, refill)
	})

	t.Run("filtered alarms are ignored", func(t *testing.T) {
		s := NewAlarmStatusState(AlarmFilter{TypeList: []string{"X"}}, 5)

		changed, _ := s.Apply(&Alarm{ID: "a1", Type: "Y"})
		require.False(t, changed)
		require.False(t, s.Active())
	})
}

func TestAlarmStatusState_AbortRefill(t *testing.T) {
	s := NewAlarmStatusState(AlarmFilter{}, 1)
	s.Apply(&Alarm{ID: "a1"})
	s.Apply(&Alarm{ID: "a2"})

	_, refill := s.Apply(&Alarm{ID: "a1", Cleared: true})
	require.True(t, refill)

	s.AbortRefill()
	s.Apply(&Alarm{ID: "a3"})

	_, refill = s.Apply(&Alarm{ID: "a3", Cleared: true})
	require.True(t, refill)
}
