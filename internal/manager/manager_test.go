package manager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/thingsboard/thingsboard-sub020/internal/logger"
	fanouttest "github.com/thingsboard/thingsboard-sub020/testing"
	"github.com/thingsboard/thingsboard-sub020/types"
)

type recordedCall struct {
	to    string
	event types.RecordedEvent
}

type updateCall struct {
	to     string
	update types.Update
}

type fakeForwarder struct {
	self     string
	mu       sync.Mutex
	recorded []recordedCall
	updates  []updateCall
}

func (f *fakeForwarder) SendRecorded(_ context.Context, toNodeID string, event types.RecordedEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded = append(f.recorded, recordedCall{to: toNodeID, event: event})
}

func (f *fakeForwarder) SendUpdate(_ context.Context, toNodeID string, update types.Update) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, updateCall{to: toNodeID, update: update})

	return toNodeID == f.self
}

func (f *fakeForwarder) Recorded() []recordedCall {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]recordedCall(nil), f.recorded...)
}

func (f *fakeForwarder) Updates() []updateCall {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]updateCall(nil), f.updates...)
}

func newTestManager(t *testing.T, self string, resolver types.PartitionResolver, opts ...Option) (*Manager, *fakeForwarder) {
	t.Helper()

	fwd := &fakeForwarder{self: self}
	opts = append([]Option{WithLogger(logger.NewTest(t))}, opts...)

	return New(Config{NodeID: self}, resolver, fwd, opts...), fwd
}

func delta(entityID string, lifecycle types.Lifecycle, seq int64, interest types.Interest) types.DeltaEvent {
	return types.DeltaEvent{TenantID: "t1", EntityID: entityID, Lifecycle: lifecycle, SeqNumber: seq, Interest: interest}
}

func TestManager_ForeignPartition(t *testing.T) {
	ctx := context.Background()
	resolver := fanouttest.NewStaticResolver("node-b", "node-a")
	mgr, fwd := newTestManager(t, "node-b", resolver)

	event := delta("e1", types.LifecycleCreated, 1, types.Interest{TsAllKeys: true})
	event.DataSubscription = true
	err := mgr.OnDelta(ctx, "node-c", event)
	require.ErrorIs(t, err, types.ErrForeignPartition)

	err = mgr.OnUpdate(ctx, types.Update{TenantID: "t1", EntityID: "e1", Kind: types.KindTimeseries,
		Values: []types.TsValue{{Key: "a", Ts: 1}}})
	require.ErrorIs(t, err, types.ErrForeignPartition)

	require.Equal(t, Stats{}, mgr.Stats())
	require.Empty(t, fwd.Recorded())
	require.Empty(t, fwd.Updates())
}

func TestManager_OnDeltaLifecycle(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t, "owner", fanouttest.NewStaticResolver("owner", "owner"))

	require.NoError(t, mgr.OnDelta(ctx, "node-a", delta("e1", types.LifecycleCreated, 1, types.Interest{TsKeys: []string{"a"}})))
	require.NoError(t, mgr.OnDelta(ctx, "node-a", delta("e1", types.LifecycleUpdated, 2, types.Interest{TsKeys: []string{"b"}, Alarms: true})))

	interest, ok := mgr.Interest("e1", "node-a")
	require.True(t, ok)
	require.Equal(t, types.Interest{Alarms: true, TsKeys: []string{"a", "b"}}, interest)

	t.Run("created replaces", func(t *testing.T) {
		require.NoError(t, mgr.OnDelta(ctx, "node-a", delta("e1", types.LifecycleCreated, 3, types.Interest{AttrAllKeys: true})))

		interest, _ := mgr.Interest("e1", "node-a")
		require.Equal(t, types.Interest{AttrAllKeys: true}, interest)
	})

	t.Run("updated from unknown node creates its entry", func(t *testing.T) {
		require.NoError(t, mgr.OnDelta(ctx, "node-c", delta("e1", types.LifecycleUpdated, 7, types.Interest{Notifications: true})))

		interest, ok := mgr.Interest("e1", "node-c")
		require.True(t, ok)
		require.Equal(t, types.Interest{Notifications: true}, interest)
		require.Equal(t, 2, mgr.Stats().NodeEntries)
	})

	t.Run("duplicate updated is idempotent", func(t *testing.T) {
		event := delta("e1", types.LifecycleUpdated, 8, types.Interest{TsKeys: []string{"x"}})
		require.NoError(t, mgr.OnDelta(ctx, "node-c", event))
		require.NoError(t, mgr.OnDelta(ctx, "node-c", event))

		interest, _ := mgr.Interest("e1", "node-c")
		require.Equal(t, types.Interest{Notifications: true, TsKeys: []string{"x"}}, interest)
	})

	t.Run("deleted removes node then entity", func(t *testing.T) {
		require.NoError(t, mgr.OnUpdate(ctx, types.Update{TenantID: "t1", EntityID: "e1", Kind: types.KindAttributes,
			Values: []types.TsValue{{Key: "k", Ts: 1}}}))
		_, ok := mgr.UpdatesInfo("e1")
		require.True(t, ok)

		require.NoError(t, mgr.OnDelta(ctx, "node-a", delta("e1", types.LifecycleDeleted, 9, types.Interest{})))
		_, ok = mgr.Interest("e1", "node-a")
		require.False(t, ok)
		require.Equal(t, 1, mgr.Stats().Entities)

		require.NoError(t, mgr.OnDelta(ctx, "node-c", delta("e1", types.LifecycleDeleted, 10, types.Interest{})))
		require.Equal(t, Stats{}, mgr.Stats())
		_, ok = mgr.UpdatesInfo("e1")
		require.False(t, ok, "update record is dropped with the aggregate")

		// Redelivered delete for a gone entity is acknowledged.
		require.NoError(t, mgr.OnDelta(ctx, "node-c", delta("e1", types.LifecycleDeleted, 10, types.Interest{})))
	})

	t.Run("unknown lifecycle", func(t *testing.T) {
		err := mgr.OnDelta(ctx, "node-a", delta("e2", types.Lifecycle(99), 1, types.Interest{}))
		require.ErrorIs(t, err, types.ErrUnknownMessageType)
		require.Zero(t, mgr.Stats().Entities)
	})
}

func TestManager_RecordedReply(t *testing.T) {
	ctx := context.Background()
	mock := clock.NewMock()
	mock.Set(time.UnixMilli(5000))
	mgr, fwd := newTestManager(t, "owner", fanouttest.NewStaticResolver("owner", "owner"), WithClock(mock))

	require.NoError(t, mgr.OnUpdate(ctx, types.Update{TenantID: "t1", EntityID: "e1", Kind: types.KindTimeseries,
		Values: []types.TsValue{{Key: "a", Ts: 4000}}}))

	event := delta("e1", types.LifecycleCreated, 42, types.Interest{TsKeys: []string{"a"}})
	event.DataSubscription = true
	require.NoError(t, mgr.OnDelta(ctx, "node-x", event))

	recorded := fwd.Recorded()
	require.Len(t, recorded, 1)
	require.Equal(t, "node-x", recorded[0].to)
	require.Equal(t, int64(42), recorded[0].event.SeqNumber)
	require.Equal(t, "e1", recorded[0].event.EntityID)
	require.Equal(t, types.EntityUpdatesInfo{TimeSeriesUpdateTs: 5000}, recorded[0].event.UpdatesInfo)

	require.NoError(t, mgr.OnDelta(ctx, "node-x", delta("e1", types.LifecycleUpdated, 43, types.Interest{Alarms: true})))
	require.Len(t, fwd.Recorded(), 1, "registration-only deltas are not acknowledged")
}

func TestManager_DeltaReplayEquivalence(t *testing.T) {
	adds := []types.Interest{
		{TsKeys: []string{"temperature"}},
		{AttrKeys: []string{"mode"}},
		{Alarms: true},
		{TsKeys: []string{"humidity", "temperature"}},
		{TsAllKeys: true},
		{Notifications: true, AttrKeys: []string{"firmware"}},
		{TsKeys: []string{"pressure"}},
	}
	permutations := [][]int{
		{0, 1, 2, 3, 4, 5, 6},
		{6, 5, 4, 3, 2, 1, 0},
		{2, 4, 0, 6, 1, 3, 5},
		{4, 0, 3, 6, 5, 2, 1},
	}

	ctx := context.Background()
	for i, perm := range permutations {
		mgr, _ := newTestManager(t, "owner", fanouttest.NewStaticResolver("owner", "owner"))
		local := &types.InterestSnapshot{}

		for step, idx := range perm {
			added := local.Merge(adds[idx])
			switch {
			case step == 0:
				require.NoError(t, mgr.OnDelta(ctx, "node-a", delta("e1", types.LifecycleCreated, int64(step+1), local.Full())))
			case !added.IsEmpty():
				require.NoError(t, mgr.OnDelta(ctx, "node-a", delta("e1", types.LifecycleUpdated, int64(step+1), added)))
			}
		}

		remote, ok := mgr.Interest("e1", "node-a")
		require.True(t, ok)
		require.Equal(t, local.Full(), remote, "permutation %d", i)
		require.True(t, remote.TsAllKeys)
	}
}

func TestManager_OnUpdateFanOut(t *testing.T) {
	ctx := context.Background()
	mgr, fwd := newTestManager(t, "node-a", fanouttest.NewStaticResolver("node-a", "node-a"))

	require.NoError(t, mgr.OnDelta(ctx, "node-a", delta("e1", types.LifecycleCreated, 1, types.Interest{TsKeys: []string{"temperature"}})))
	require.NoError(t, mgr.OnDelta(ctx, "node-b", delta("e1", types.LifecycleCreated, 1, types.Interest{TsAllKeys: true})))
	require.NoError(t, mgr.OnDelta(ctx, "node-c", delta("e1", types.LifecycleCreated, 1, types.Interest{AttrKeys: []string{"temperature"}})))
	require.NoError(t, mgr.OnDelta(ctx, "node-d", delta("e1", types.LifecycleCreated, 1, types.Interest{TsKeys: []string{"pressure"}})))

	require.NoError(t, mgr.OnUpdate(ctx, types.Update{
		TenantID: "t1",
		EntityID: "e1",
		Kind:     types.KindTimeseries,
		Values: []types.TsValue{
			{Key: "temperature", Ts: 1000, Value: 21.5},
			{Key: "humidity", Ts: 1000, Value: 40.0},
		},
	}))

	updates := fwd.Updates()
	require.Len(t, updates, 2, "nodes with an empty intersection get nothing")
	require.Equal(t, "node-a", updates[0].to)
	require.Equal(t, []types.TsValue{{Key: "temperature", Ts: 1000, Value: 21.5}}, updates[0].update.Values)
	require.Equal(t, "node-b", updates[1].to)
	require.Len(t, updates[1].update.Values, 2)

	t.Run("update without aggregate still records timestamps", func(t *testing.T) {
		require.NoError(t, mgr.OnUpdate(ctx, types.Update{TenantID: "t1", EntityID: "e9", Kind: types.KindAttributes,
			Values: []types.TsValue{{Key: "k", Ts: 1}}}))

		info, ok := mgr.UpdatesInfo("e9")
		require.True(t, ok)
		require.Positive(t, info.AttributesUpdateTs)
		require.Zero(t, info.TimeSeriesUpdateTs)
	})
}

func TestManager_AlarmFanOutToTwoNodes(t *testing.T) {
	ctx := context.Background()
	mgr, fwd := newTestManager(t, "node-a", fanouttest.NewStaticResolver("node-a", "node-a"))

	require.NoError(t, mgr.OnDelta(ctx, "node-a", delta("e1", types.LifecycleCreated, 1, types.Interest{Alarms: true})))
	require.NoError(t, mgr.OnDelta(ctx, "node-b", delta("e1", types.LifecycleCreated, 1, types.Interest{Alarms: true})))
	require.NoError(t, mgr.OnDelta(ctx, "node-c", delta("e1", types.LifecycleCreated, 1, types.Interest{TsAllKeys: true})))

	require.NoError(t, mgr.OnUpdate(ctx, types.Update{
		TenantID: "t1",
		EntityID: "e1",
		Kind:     types.KindAlarms,
		Alarm:    &types.Alarm{ID: "a1", Originator: "e1", Type: "HighTemp", Severity: "MAJOR", CreatedTs: 1000},
	}))

	updates := fwd.Updates()
	require.Len(t, updates, 2)
	require.Equal(t, "node-a", updates[0].to)
	require.Equal(t, "node-b", updates[1].to)
	require.Equal(t, "a1", updates[1].update.Alarm.ID)
}

func TestManager_OnNodeShutdown(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t, "owner", fanouttest.NewStaticResolver("owner", "owner"))

	require.NoError(t, mgr.OnDelta(ctx, "node-a", delta("e1", types.LifecycleCreated, 1, types.Interest{Alarms: true})))
	require.NoError(t, mgr.OnDelta(ctx, "node-b", delta("e1", types.LifecycleCreated, 1, types.Interest{Alarms: true})))
	require.NoError(t, mgr.OnDelta(ctx, "node-b", delta("e2", types.LifecycleCreated, 1, types.Interest{Alarms: true})))

	require.Equal(t, 2, mgr.OnNodeShutdown(ctx, "node-b"))

	st := mgr.Stats()
	require.Equal(t, 1, st.Entities)
	require.Equal(t, 1, st.NodeEntries)
	_, ok := mgr.Interest("e1", "node-a")
	require.True(t, ok)

	require.Zero(t, mgr.OnNodeShutdown(ctx, "node-b"))
}

func TestManager_OnPartitionsChanged(t *testing.T) {
	ctx := context.Background()
	resolver := fanouttest.NewStaticResolver("owner", "owner")
	mgr, _ := newTestManager(t, "owner", resolver)

	require.NoError(t, mgr.OnDelta(ctx, "node-a", delta("e1", types.LifecycleCreated, 1, types.Interest{Alarms: true})))
	require.NoError(t, mgr.OnDelta(ctx, "node-a", delta("e2", types.LifecycleCreated, 1, types.Interest{Alarms: true})))
	require.NoError(t, mgr.OnUpdate(ctx, types.Update{TenantID: "t1", EntityID: "e2", Kind: types.KindTimeseries,
		Values: []types.TsValue{{Key: "a", Ts: 1}}}))

	resolver.SetOwner("e2", "node-z")
	require.Equal(t, 1, mgr.OnPartitionsChanged(ctx, resolver.OwnedPartitions()))

	require.Equal(t, 1, mgr.Stats().Entities)
	_, ok := mgr.UpdatesInfo("e2")
	require.False(t, ok)
}

func TestManager_GCStaleUpdateTimestamps(t *testing.T) {
	ctx := context.Background()
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	mgr, _ := newTestManager(t, "owner", fanouttest.NewStaticResolver("owner", "owner"), WithClock(mock))

	publish := func(entityID string, kind types.Kind) {
		require.NoError(t, mgr.OnUpdate(ctx, types.Update{TenantID: "t1", EntityID: entityID, Kind: kind,
			Values: []types.TsValue{{Key: "k", Ts: 1}}}))
	}

	publish("e1", types.KindTimeseries)
	mock.Add(30 * time.Minute)
	publish("e2", types.KindAttributes)
	publish("e3", types.KindTimeseries)
	mock.Add(20 * time.Minute)
	publish("e3", types.KindAttributes)

	require.Zero(t, mgr.GCStaleUpdateTimestamps())

	mock.Add(11 * time.Minute)
	require.Equal(t, 1, mgr.GCStaleUpdateTimestamps())
	_, ok := mgr.UpdatesInfo("e1")
	require.False(t, ok)

	mock.Add(30 * time.Minute)
	require.Equal(t, 1, mgr.GCStaleUpdateTimestamps(), "a record survives while either timestamp is fresh")
	_, ok = mgr.UpdatesInfo("e3")
	require.True(t, ok)
}
