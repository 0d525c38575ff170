// Package membership tracks which fan-out nodes are alive.
//
// Every node publishes a heartbeat record into a JetStream KV bucket whose
// TTL is a few heartbeat intervals, so the key of a crashed node expires on
// its own while a node shutting down cleanly deletes its key right away.
//
// A NodeMonitor watches the bucket (with periodic polling as a fallback),
// keeps the set of live nodes and reports joins and departures. The service
// reacts to a change by rebuilding the partition ring, purging departed nodes
// from the subscription manager and republishing local interest.
//
// Key layout:
//
//	<prefix>.<nodeID>  ->  CBOR encoded Heartbeat
package membership
