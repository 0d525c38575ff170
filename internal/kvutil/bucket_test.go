package kvutil

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/require"

	fanouttest "github.com/thingsboard/thingsboard-sub020/testing"
)

func TestEnsureKVBucketWithRetry_Concurrent(t *testing.T) {
	_, nc := fanouttest.StartEmbeddedNATS(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	js, err := jetstream.New(nc)
	require.NoError(t, err)

	const nodes = 5
	var wg sync.WaitGroup
	errs := make(chan error, nodes)
	kvs := make([]jetstream.KeyValue, nodes)

	for i := range nodes {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			kv, err := EnsureKVBucketWithRetry(ctx, js, jetstream.KeyValueConfig{
				Bucket:  "heartbeats",
				History: 1,
				TTL:     5 * time.Second,
			}, 3)
			if err != nil {
				errs <- err
				return
			}
			kvs[idx] = kv
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	for i, kv := range kvs {
		require.NotNil(t, kv, "node %d has no bucket handle", i)
		require.Equal(t, "heartbeats", kv.Bucket())
	}
}

func TestEnsureStreamWithRetry(t *testing.T) {
	_, nc := fanouttest.StartEmbeddedNATS(t)

	js, err := jetstream.New(nc)
	require.NoError(t, err)

	cfg := jetstream.StreamConfig{
		Name:     "fanout-queue",
		Subjects: []string{"fanout.node.>"},
		Storage:  jetstream.MemoryStorage,
	}

	stream, err := EnsureStreamWithRetry(t.Context(), js, cfg, 0)
	require.NoError(t, err)

	again, err := EnsureStreamWithRetry(t.Context(), js, cfg, 0)
	require.NoError(t, err)

	info, err := again.Info(t.Context())
	require.NoError(t, err)
	require.Equal(t, stream.CachedInfo().Config.Name, info.Config.Name)
	require.Equal(t, []string{"fanout.node.>"}, info.Config.Subjects)
}

func TestEnsureConsumerWithRetry(t *testing.T) {
	_, nc := fanouttest.StartEmbeddedNATS(t)

	js, err := jetstream.New(nc)
	require.NoError(t, err)

	streamCfg := jetstream.StreamConfig{
		Name:     "fanout-queue",
		Subjects: []string{"fanout.node.>"},
		Storage:  jetstream.MemoryStorage,
	}

	// The stream is missing on the first attempt and created before the retry.
	var retries []int
	cons, err := EnsureConsumerWithRetry(t.Context(), js, streamCfg.Name, jetstream.ConsumerConfig{
		Durable:       "fanout-node-1",
		FilterSubject: "fanout.node.node-1.>",
		AckPolicy:     jetstream.AckExplicitPolicy,
	}, 3, func(attempt int, err error) {
		retries = append(retries, attempt)
		require.Error(t, err)
		_, createErr := EnsureStreamWithRetry(t.Context(), js, streamCfg, 0)
		require.NoError(t, createErr)
	})
	require.NoError(t, err)
	require.Equal(t, []int{1}, retries)
	require.Equal(t, "fanout-node-1", cons.CachedInfo().Config.Durable)

	_, err = EnsureConsumerWithRetry(t.Context(), js, "missing", jetstream.ConsumerConfig{Durable: "x"}, 2, nil)
	require.Error(t, err)
}

func TestWithRetry(t *testing.T) {
	t.Run("succeeds after transient failures", func(t *testing.T) {
		var calls atomic.Int32
		err := withRetry(t.Context(), 3, func() error {
			if calls.Add(1) < 3 {
				return errors.New("transient")
			}

			return nil
		})
		require.NoError(t, err)
		require.Equal(t, int32(3), calls.Load())
	})

	t.Run("returns last error", func(t *testing.T) {
		boom := errors.New("boom")
		err := withRetry(t.Context(), 2, func() error { return boom })
		require.ErrorIs(t, err, boom)
	})

	t.Run("stops on cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		var calls atomic.Int32
		err := withRetry(ctx, 5, func() error {
			calls.Add(1)
			return errors.New("down")
		})
		require.ErrorIs(t, err, context.Canceled)
		require.Equal(t, int32(1), calls.Load())
	})
}
