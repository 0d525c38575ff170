package metrics

import "github.com/thingsboard/thingsboard-sub020/types"

// NopMetrics implements a no-op metrics collector.
//
// All metrics are discarded. Useful for testing or when external
// metrics collection is used.
type NopMetrics struct{}

// Compile-time assertion that NopMetrics implements MetricsCollector.
var _ types.MetricsCollector = (*NopMetrics)(nil)

// NewNop creates a new no-op metrics collector.
//
// Returns:
//   - *NopMetrics: A new no-op metrics collector instance
//
// Example:
//
//	svc, err := fanout.NewService(&cfg, conn, fanout.WithMetrics(metrics.NewNop()))
func NewNop() *NopMetrics {
	return &NopMetrics{}
}

// RegistryMetrics implementation

// RecordSubscriptionAdded discards the subscription added metric.
func (n *NopMetrics) RecordSubscriptionAdded(_ /* kind */ string) {}

// RecordSubscriptionsRemoved discards the subscriptions removed metric.
func (n *NopMetrics) RecordSubscriptionsRemoved(_ /* count */ int) {}

// RecordRateLimited discards the rate limited metric.
func (n *NopMetrics) RecordRateLimited(_ /* scope */ string) {}

// RecordDeltaSent discards the delta sent metric.
func (n *NopMetrics) RecordDeltaSent(_ /* lifecycle */ string) {}

// RecordReconciliation discards the reconciliation metric.
func (n *NopMetrics) RecordReconciliation(_ /* kind */ string, _ /* success */ bool) {}

// RecordLocalEntities discards the local entities gauge.
func (n *NopMetrics) RecordLocalEntities(_ /* count */ int) {}

// ManagerMetrics implementation

// RecordDeltaReceived discards the delta received metric.
func (n *NopMetrics) RecordDeltaReceived(_ /* lifecycle */ string) {}

// RecordForeignPartition discards the foreign partition metric.
func (n *NopMetrics) RecordForeignPartition(_ /* op */ string) {}

// RecordUpdateForwarded discards the update forwarded metric.
func (n *NopMetrics) RecordUpdateForwarded(_ /* target */ string) {}

// RecordRemoteEntities discards the remote entities gauge.
func (n *NopMetrics) RecordRemoteEntities(_ /* count */ int) {}

// RecordUpdatesInfoGC discards the updates info GC metric.
func (n *NopMetrics) RecordUpdatesInfoGC(_ /* removed */ int) {}

// TransportMetrics implementation

// RecordQueueSend discards the queue send metric.
func (n *NopMetrics) RecordQueueSend(_ /* msgType */ string, _ /* success */ bool) {}

// RecordQueueReceive discards the queue receive metric.
func (n *NopMetrics) RecordQueueReceive(_ /* msgType */, _ /* outcome */ string) {}

// IncrementConsumerRetry discards the consumer retry counter.
func (n *NopMetrics) IncrementConsumerRetry(_ /* op */ string) {}

// IncrementConsumerIteratorRestart discards the iterator restart counter.
func (n *NopMetrics) IncrementConsumerIteratorRestart(_ /* reason */ string) {}

// DispatchMetrics implementation

// RecordDispatchDropped discards the dispatch dropped metric.
func (n *NopMetrics) RecordDispatchDropped() {}

// RecordDispatchQueueDepth discards the dispatch queue depth gauge.
func (n *NopMetrics) RecordDispatchQueueDepth(_ /* depth */ int) {}

// MembershipMetrics implementation

// RecordHeartbeat discards the heartbeat metric.
func (n *NopMetrics) RecordHeartbeat(_ /* nodeID */ string, _ /* success */ bool) {}

// RecordNodeChange discards the node topology change metric.
func (n *NopMetrics) RecordNodeChange(_ /* added */, _ /* removed */ int) {}

// RecordActiveNodes discards the active nodes gauge.
func (n *NopMetrics) RecordActiveNodes(_ /* count */ int) {}
