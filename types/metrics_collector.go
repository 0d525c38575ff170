package types

// MetricsCollector defines methods for recording operational metrics.
//
// Implementations should be non-blocking and handle failures gracefully.
// All methods are called from internal goroutines and must be thread-safe.
//
// This interface composes smaller, domain-focused interfaces for better modularity.
type MetricsCollector interface {
	RegistryMetrics
	ManagerMetrics
	TransportMetrics
	DispatchMetrics
	MembershipMetrics
}

// RegistryMetrics defines metrics for the node-local subscription registry.
type RegistryMetrics interface {
	// RecordSubscriptionAdded records an accepted subscription.
	//
	// Parameters:
	//   - kind: Subscription kind ("TIMESERIES", "ATTRIBUTES", ...)
	RecordSubscriptionAdded(kind string)

	// RecordSubscriptionsRemoved records cancelled subscriptions.
	//
	// Parameters:
	//   - count: Number of subscriptions removed in one operation
	RecordSubscriptionsRemoved(count int)

	// RecordRateLimited records a subscription rejected by rate limiting.
	//
	// Parameters:
	//   - scope: Limit scope ("tenant", "user")
	RecordRateLimited(scope string)

	// RecordDeltaSent records a delta event emitted to a partition owner.
	//
	// Parameters:
	//   - lifecycle: "CREATED", "UPDATED" or "DELETED"
	RecordDeltaSent(lifecycle string)

	// RecordReconciliation records a missed-update reconciliation attempt.
	//
	// Parameters:
	//   - kind: Subscription kind
	//   - success: false when the store query failed
	RecordReconciliation(kind string, success bool)

	// RecordLocalEntities sets the number of entities tracked by the registry (gauge).
	RecordLocalEntities(count int)
}

// ManagerMetrics defines metrics for the cluster subscription manager.
type ManagerMetrics interface {
	// RecordDeltaReceived records a delta event merged by the partition owner.
	RecordDeltaReceived(lifecycle string)

	// RecordForeignPartition records a delta or update rejected because the
	// entity's partition is not owned by this node.
	//
	// Parameters:
	//   - op: "delta" or "update"
	RecordForeignPartition(op string)

	// RecordUpdateForwarded records an update forwarded to an interested node.
	//
	// Parameters:
	//   - target: "local" or "remote"
	RecordUpdateForwarded(target string)

	// RecordRemoteEntities sets the number of entities tracked by the manager (gauge).
	RecordRemoteEntities(count int)

	// RecordUpdatesInfoGC records update timestamp records dropped by GC.
	RecordUpdatesInfoGC(removed int)
}

// TransportMetrics defines metrics for the queue transport.
type TransportMetrics interface {
	// RecordQueueSend records the outcome of a queue publish.
	//
	// Parameters:
	//   - msgType: Queue message type ("DELTA", "RECORDED", "UPDATE")
	//   - success: true if the broker acknowledged the message
	RecordQueueSend(msgType string, success bool)

	// RecordQueueReceive records how a consumed message was settled.
	//
	// Parameters:
	//   - msgType: Queue message type
	//   - outcome: "ack", "nak" or "term"
	RecordQueueReceive(msgType string, outcome string)

	// IncrementConsumerRetry increments control-plane retry attempts of the node consumer.
	//
	// Parameters:
	//   - op: Operation being retried ("create_consumer")
	IncrementConsumerRetry(op string)

	// IncrementConsumerIteratorRestart increments pull iterator restarts.
	//
	// Parameters:
	//   - reason: "transient" or "heartbeat"
	IncrementConsumerIteratorRestart(reason string)
}

// DispatchMetrics defines metrics for the callback dispatch pool.
type DispatchMetrics interface {
	// RecordDispatchDropped records a callback dropped because the queue was full.
	RecordDispatchDropped()

	// RecordDispatchQueueDepth sets the number of queued callbacks (gauge).
	RecordDispatchQueueDepth(depth int)
}

// MembershipMetrics defines metrics for node heartbeats and topology changes.
type MembershipMetrics interface {
	// RecordHeartbeat records a heartbeat publish from this node.
	//
	// Parameters:
	//   - nodeID: The node publishing the heartbeat
	//   - success: true if heartbeat was successfully published, false otherwise
	RecordHeartbeat(nodeID string, success bool)

	// RecordNodeChange records node topology changes detected by the node monitor.
	RecordNodeChange(added, removed int)

	// RecordActiveNodes sets the current live node count (gauge).
	RecordActiveNodes(count int)
}
