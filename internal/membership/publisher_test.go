package membership

import (
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/require"

	"github.com/thingsboard/thingsboard-sub020/internal/logger"
	fanouttest "github.com/thingsboard/thingsboard-sub020/testing"
	"github.com/thingsboard/thingsboard-sub020/types"
)

func TestPublisher_Start(t *testing.T) {
	t.Run("publishes heartbeat immediately", func(t *testing.T) {
		ctx := t.Context()
		_, nc := fanouttest.StartEmbeddedNATS(t)
		kv := fanouttest.CreateJetStreamKV(t, nc, "hb-start-1", 0)

		publisher := NewPublisher(kv, "node", "node-a", time.Second, WithPublisherLogger(logger.NewTest(t)))
		require.NoError(t, publisher.Start(ctx))
		require.True(t, publisher.IsStarted())

		entry, err := kv.Get(ctx, "node.node-a")
		require.NoError(t, err)

		hb, err := DecodeHeartbeat(entry.Value())
		require.NoError(t, err)
		require.Equal(t, "node-a", hb.NodeID)
		require.Positive(t, hb.Ts)
		require.Equal(t, hb.StartedAt, hb.Ts)

		require.NoError(t, publisher.Stop(ctx))
	})

	t.Run("requires node id", func(t *testing.T) {
		_, nc := fanouttest.StartEmbeddedNATS(t)
		kv := fanouttest.CreateJetStreamKV(t, nc, "hb-start-2", 0)

		publisher := NewPublisher(kv, "node", "", time.Second)
		require.ErrorIs(t, publisher.Start(t.Context()), ErrNoNodeID)
		require.False(t, publisher.IsStarted())
	})

	t.Run("rejects double start", func(t *testing.T) {
		ctx := t.Context()
		_, nc := fanouttest.StartEmbeddedNATS(t)
		kv := fanouttest.CreateJetStreamKV(t, nc, "hb-start-3", 0)

		publisher := NewPublisher(kv, "node", "node-a", time.Second)
		require.NoError(t, publisher.Start(ctx))
		require.ErrorIs(t, publisher.Start(ctx), types.ErrAlreadyStarted)
		require.NoError(t, publisher.Stop(ctx))
	})
}

func TestPublisher_Stop(t *testing.T) {
	t.Run("deletes heartbeat key", func(t *testing.T) {
		ctx := t.Context()
		_, nc := fanouttest.StartEmbeddedNATS(t)
		kv := fanouttest.CreateJetStreamKV(t, nc, "hb-stop-1", 0)

		publisher := NewPublisher(kv, "node", "node-a", time.Second)
		require.NoError(t, publisher.Start(ctx))
		require.NoError(t, publisher.Stop(ctx))
		require.False(t, publisher.IsStarted())

		_, err := kv.Get(ctx, "node.node-a")
		require.ErrorIs(t, err, jetstream.ErrKeyNotFound)
	})

	t.Run("not started", func(t *testing.T) {
		_, nc := fanouttest.StartEmbeddedNATS(t)
		kv := fanouttest.CreateJetStreamKV(t, nc, "hb-stop-2", 0)

		publisher := NewPublisher(kv, "node", "node-a", time.Second)
		require.ErrorIs(t, publisher.Stop(t.Context()), types.ErrNotStarted)
	})
}

func TestPublisher_PeriodicHeartbeats(t *testing.T) {
	ctx := t.Context()
	_, nc := fanouttest.StartEmbeddedNATS(t)
	kv := fanouttest.CreateJetStreamKV(t, nc, "hb-periodic", 0)

	publisher := NewPublisher(kv, "node", "node-a", 50*time.Millisecond)
	require.NoError(t, publisher.Start(ctx))
	defer func() { _ = publisher.Stop(ctx) }()

	first, err := kv.Get(ctx, "node.node-a")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		entry, err := kv.Get(ctx, "node.node-a")
		return err == nil && entry.Revision() > first.Revision()+1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestPublisher_MultipleNodes(t *testing.T) {
	ctx := t.Context()
	_, nc := fanouttest.StartEmbeddedNATS(t)
	kv := fanouttest.CreateJetStreamKV(t, nc, "hb-multiple", 0)

	publishers := make([]*Publisher, 3)
	for i := range publishers {
		publishers[i] = NewPublisher(kv, "node", fmt.Sprintf("node-%d", i), 100*time.Millisecond)
		require.NoError(t, publishers[i].Start(ctx))
	}

	for i := range publishers {
		_, err := kv.Get(ctx, HeartbeatKey("node", fmt.Sprintf("node-%d", i)))
		require.NoError(t, err)
	}

	for _, p := range publishers {
		require.NoError(t, p.Stop(ctx))
	}
}
