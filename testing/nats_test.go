package testing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStartEmbeddedNATS(t *testing.T) {
	ns, nc := StartEmbeddedNATS(t)

	require.NotNil(t, ns)
	require.True(t, nc.IsConnected())
	require.True(t, ns.ReadyForConnections(time.Second))

	second := Connect(t, ns)
	require.True(t, second.IsConnected())
}

func TestStartEmbeddedNATS_Parallel(t *testing.T) {
	t.Parallel()

	for range 3 {
		t.Run("parallel", func(t *testing.T) {
			t.Parallel()

			_, nc := StartEmbeddedNATS(t)
			require.True(t, nc.IsConnected())
		})
	}
}

func TestCreateJetStreamKV(t *testing.T) {
	_, nc := StartEmbeddedNATS(t)

	kv := CreateJetStreamKV(t, nc, "test-bucket", time.Minute)
	_, err := kv.Put(t.Context(), "node-1", []byte("alive"))
	require.NoError(t, err)

	entry, err := kv.Get(t.Context(), "node-1")
	require.NoError(t, err)
	require.Equal(t, "alive", string(entry.Value()))
}
