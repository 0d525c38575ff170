package metrics

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewNop(t *testing.T) {
	metrics := NewNop()

	require.NotNil(t, metrics)
	require.IsType(t, &NopMetrics{}, metrics)
}

func TestNopMetrics_DoesNotPanic(t *testing.T) {
	metrics := NewNop()

	require.NotPanics(t, func() {
		metrics.RecordSubscriptionAdded("TIMESERIES")
		metrics.RecordSubscriptionsRemoved(-1)
		metrics.RecordRateLimited("")
		metrics.RecordDeltaSent("CREATED")
		metrics.RecordReconciliation("ATTRIBUTES", false)
		metrics.RecordLocalEntities(0)
		metrics.RecordDeltaReceived("UPDATED")
		metrics.RecordForeignPartition("update")
		metrics.RecordUpdateForwarded("remote")
		metrics.RecordRemoteEntities(10)
		metrics.RecordUpdatesInfoGC(3)
		metrics.RecordQueueSend("DELTA", true)
		metrics.RecordQueueReceive("UPDATE", "term")
		metrics.IncrementConsumerRetry("create_consumer")
		metrics.IncrementConsumerIteratorRestart("heartbeat")
		metrics.RecordDispatchDropped()
		metrics.RecordDispatchQueueDepth(5)
		metrics.RecordHeartbeat("node-0", true)
		metrics.RecordNodeChange(1, 0)
		metrics.RecordActiveNodes(2)
	})
}

func BenchmarkNopMetrics_RecordUpdateForwarded(b *testing.B) {
	metrics := NewNop()
	for b.Loop() {
		metrics.RecordUpdateForwarded("local")
	}
}

func BenchmarkNopMetrics_RecordHeartbeat(b *testing.B) {
	metrics := NewNop()
	for b.Loop() {
		metrics.RecordHeartbeat("node-0", true)
	}
}
