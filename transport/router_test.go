package transport

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	fanouttest "github.com/thingsboard/thingsboard-sub020/testing"
	"github.com/thingsboard/thingsboard-sub020/types"
)

type fakeLocal struct {
	mu       sync.Mutex
	updates  []types.Update
	recorded []types.RecordedEvent
}

func (f *fakeLocal) OnUpdate(_ context.Context, u types.Update) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, u)
}

func (f *fakeLocal) OnRecorded(_ context.Context, e types.RecordedEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded = append(f.recorded, e)
}

type fakeManager struct {
	mu      sync.Mutex
	deltas  []types.DeltaEvent
	from    []string
	updates []types.Update
	err     error
}

func (f *fakeManager) OnDelta(_ context.Context, from string, e types.DeltaEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.from = append(f.from, from)
	f.deltas = append(f.deltas, e)

	return f.err
}

func (f *fakeManager) OnUpdate(_ context.Context, u types.Update) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, u)

	return f.err
}

func newRouterPair(t *testing.T) (*Router, *Router, *fakeManager, *fakeLocal, *fanouttest.StaticResolver, *fanouttest.LoopbackQueue) {
	t.Helper()

	queue := fanouttest.NewLoopbackQueue()
	resolver := fanouttest.NewStaticResolver("node-a", "node-b")

	a := NewRouter("node-a", resolver, queue.Producer("node-a"))
	b := NewRouter("node-b", resolver.For("node-b"), queue.Producer("node-b"))

	localA := &fakeLocal{}
	a.Bind(localA, &fakeManager{})
	managerB := &fakeManager{}
	b.Bind(&fakeLocal{}, managerB)

	queue.Register("node-a", a.HandleMessage)
	queue.Register("node-b", b.HandleMessage)

	return a, b, managerB, localA, resolver, queue
}

func TestRouter_SendDeltaToRemoteOwner(t *testing.T) {
	a, _, managerB, _, _, queue := newRouterPair(t)

	event := types.DeltaEvent{TenantID: "t1", EntityID: "e1", Lifecycle: types.LifecycleCreated, SeqNumber: 1}
	require.NoError(t, a.SendDelta(t.Context(), event))

	require.Equal(t, []types.DeltaEvent{event}, managerB.deltas)
	require.Equal(t, []string{"node-a"}, managerB.from)

	sent := queue.SentTo("node-b", types.MessageDelta)
	require.Len(t, sent, 1)
	require.Equal(t, "e1", sent[0].Key)
}

func TestRouter_SendDeltaToLocalOwner(t *testing.T) {
	queue := fanouttest.NewLoopbackQueue()
	resolver := fanouttest.NewStaticResolver("node-a", "node-a")
	r := NewRouter("node-a", resolver, queue.Producer("node-a"))
	manager := &fakeManager{err: types.ErrForeignPartition}
	r.Bind(&fakeLocal{}, manager)

	err := r.SendDelta(t.Context(), types.DeltaEvent{TenantID: "t1", EntityID: "e1"})
	require.ErrorIs(t, err, types.ErrForeignPartition)
	require.Len(t, manager.deltas, 1)
	require.Empty(t, queue.Sent())
}

func TestRouter_TenantNotFound(t *testing.T) {
	a, _, managerB, _, resolver, _ := newRouterPair(t)
	resolver.DeleteTenant("t1")

	err := a.SendDelta(t.Context(), types.DeltaEvent{TenantID: "t1", EntityID: "e1"})
	require.ErrorIs(t, err, types.ErrTenantNotFound)

	err = a.PublishUpdate(t.Context(), types.Update{TenantID: "t1", EntityID: "e1", Kind: types.KindAlarms})
	require.ErrorIs(t, err, types.ErrTenantNotFound)
	require.Empty(t, managerB.deltas)
}

func TestRouter_RecordedAndUpdatesFlowBack(t *testing.T) {
	a, b, _, localA, _, queue := newRouterPair(t)

	b.SendRecorded(t.Context(), "node-a", types.RecordedEvent{TenantID: "t1", EntityID: "e1", SeqNumber: 3})
	require.False(t, b.SendUpdate(t.Context(), "node-a", types.Update{TenantID: "t1", EntityID: "e1", Kind: types.KindAlarms}))

	require.Len(t, localA.recorded, 1)
	require.Equal(t, int64(3), localA.recorded[0].SeqNumber)
	require.Len(t, localA.updates, 1)
	require.Len(t, queue.SentTo("node-a", types.MessageRecorded), 1)
	require.Len(t, queue.SentTo("node-a", types.MessageUpdate), 1)

	require.True(t, a.SendUpdate(t.Context(), "node-a", types.Update{EntityID: "e2"}))
	require.Len(t, localA.updates, 2)
}

func TestRouter_PublishUpdateReachesOwner(t *testing.T) {
	a, _, managerB, _, _, queue := newRouterPair(t)

	update := types.Update{TenantID: "t1", EntityID: "e1", Kind: types.KindTimeseries, Values: []types.TsValue{{Key: "k", Ts: 1}}}
	require.NoError(t, a.PublishUpdate(t.Context(), update))

	require.Equal(t, []types.Update{update}, managerB.updates)
	require.Len(t, queue.SentTo("node-b", types.MessageSourceUpdate), 1)
}

func TestRouter_HandleMessageRejectsMalformed(t *testing.T) {
	r := NewRouter("node-a", fanouttest.NewStaticResolver("node-a", "node-a"), fanouttest.NewLoopbackQueue().Producer("node-a"))

	err := r.HandleMessage(t.Context(), types.QueueMessage{Type: types.MessageDelta})
	require.ErrorIs(t, err, types.ErrUnknownMessageType)
}

func TestRouter_UnboundManager(t *testing.T) {
	r := NewRouter("node-a", fanouttest.NewStaticResolver("node-a", "node-a"), fanouttest.NewLoopbackQueue().Producer("node-a"))

	err := r.SendDelta(t.Context(), types.DeltaEvent{TenantID: "t1", EntityID: "e1"})
	require.ErrorIs(t, err, types.ErrNotStarted)
}
