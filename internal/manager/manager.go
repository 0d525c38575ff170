// Package manager implements the partition owner side of the subscription
// delta protocol.
//
// For every entity whose partition this node owns, the manager keeps the
// interest of each subscribing node, merged from their delta events, and the
// timestamps of the last attribute and time-series updates. Updates published
// for the entity are narrowed to each node's interest and forwarded.
package manager

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/thingsboard/thingsboard-sub020/internal/locks"
	"github.com/thingsboard/thingsboard-sub020/internal/logger"
	"github.com/thingsboard/thingsboard-sub020/internal/metrics"
	"github.com/thingsboard/thingsboard-sub020/types"
)

// DefaultUpdatesInfoTTL is how long an update timestamp record survives
// without new updates.
const DefaultUpdatesInfoTTL = time.Hour

// Forwarder delivers manager output to subscribing nodes.
type Forwarder interface {
	// SendRecorded acknowledges a recorded delta to the node that emitted it.
	SendRecorded(ctx context.Context, toNodeID string, event types.RecordedEvent)

	// SendUpdate forwards a filtered update. Returns true when delivered in-process.
	SendUpdate(ctx context.Context, toNodeID string, update types.Update) bool
}

// Config holds the manager settings.
type Config struct {
	NodeID         string
	UpdatesInfoTTL time.Duration
	LockShards     int
}

// Manager is the cluster subscription manager of one node.
type Manager struct {
	cfg       Config
	resolver  types.PartitionResolver
	forwarder Forwarder
	clock     clock.Clock
	logger    types.Logger
	metrics   types.MetricsCollector

	locks *locks.Table

	// entityID -> per-node interest
	entities *xsync.Map[string, *remoteAggregate]
	// entityID -> last update timestamps seen by this owner
	updatesInfo *xsync.Map[string, types.EntityUpdatesInfo]
}

var _ types.SubscriptionManagerService = (*Manager)(nil)

// remoteAggregate is guarded by the entity's shard lock.
type remoteAggregate struct {
	tenantID string
	nodes    map[string]*types.InterestSnapshot
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(l types.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(mc types.MetricsCollector) Option {
	return func(m *Manager) {
		if mc != nil {
			m.metrics = mc
		}
	}
}

// WithClock sets the clock used for update timestamps and GC.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		if c != nil {
			m.clock = c
		}
	}
}

// New creates a manager.
//
// Parameters:
//   - cfg: Manager settings
//   - resolver: Partition ownership oracle
//   - forwarder: Delivers recorded acknowledgements and filtered updates (usually the transport router)
//   - opts: Optional collaborators
//
// Returns:
//   - *Manager: Ready to use manager
func New(cfg Config, resolver types.PartitionResolver, forwarder Forwarder, opts ...Option) *Manager {
	if cfg.UpdatesInfoTTL <= 0 {
		cfg.UpdatesInfoTTL = DefaultUpdatesInfoTTL
	}

	m := &Manager{
		cfg:         cfg,
		resolver:    resolver,
		forwarder:   forwarder,
		clock:       clock.New(),
		logger:      logger.NewNop(),
		metrics:     metrics.NewNop(),
		locks:       locks.New(cfg.LockShards),
		entities:    xsync.NewMap[string, *remoteAggregate](),
		updatesInfo: xsync.NewMap[string, types.EntityUpdatesInfo](),
	}
	for _, opt := range opts {
		opt(m)
	}

	return m
}

// OnDelta merges a delta event emitted by fromNodeID.
//
// CREATED replaces the node's interest, UPDATED merges into it and DELETED
// removes it; an aggregate left without nodes is dropped together with its
// update timestamp record. Data subscription deltas are acknowledged to the
// emitting node with the current update timestamps.
//
// Returns:
//   - error: types.ErrForeignPartition when this node does not own the entity,
//     types.ErrUnknownMessageType for an unknown lifecycle
func (m *Manager) OnDelta(ctx context.Context, fromNodeID string, event types.DeltaEvent) error {
	if !m.resolver.IsMyPartition(event.TenantID, event.EntityID) {
		m.metrics.RecordForeignPartition("delta")
		return fmt.Errorf("delta for %s from %s: %w", event.EntityID, fromNodeID, types.ErrForeignPartition)
	}

	unlock := m.locks.Lock(event.EntityID)

	agg, ok := m.entities.Load(event.EntityID)
	switch event.Lifecycle {
	case types.LifecycleCreated, types.LifecycleUpdated:
		if !ok {
			agg = &remoteAggregate{tenantID: event.TenantID, nodes: make(map[string]*types.InterestSnapshot)}
			m.entities.Store(event.EntityID, agg)
		}
		snap := agg.nodes[fromNodeID]
		if event.Lifecycle == types.LifecycleCreated || snap == nil {
			agg.nodes[fromNodeID] = types.NewInterestSnapshot(event.Interest)
		} else {
			snap.Merge(event.Interest)
		}
	case types.LifecycleDeleted:
		if !ok {
			m.logger.Debug("delete for unknown entity", "entity", event.EntityID, "node", fromNodeID, "seq", event.SeqNumber)
			break
		}
		delete(agg.nodes, fromNodeID)
		if len(agg.nodes) == 0 {
			m.entities.Delete(event.EntityID)
			m.updatesInfo.Delete(event.EntityID)
		}
	default:
		unlock()
		return fmt.Errorf("delta lifecycle %d: %w", event.Lifecycle, types.ErrUnknownMessageType)
	}

	info, _ := m.updatesInfo.Load(event.EntityID)
	unlock()

	m.metrics.RecordDeltaReceived(event.Lifecycle.String())
	m.metrics.RecordRemoteEntities(m.entities.Size())

	if event.DataSubscription {
		m.forwarder.SendRecorded(ctx, fromNodeID, types.RecordedEvent{
			TenantID:    event.TenantID,
			EntityID:    event.EntityID,
			SeqNumber:   event.SeqNumber,
			UpdatesInfo: info,
		})
	}

	return nil
}

type forward struct {
	nodeID string
	update types.Update
}

// OnUpdate records the update timestamp and forwards the update to every
// node whose interest intersects it. Nodes with an empty intersection get nothing.
//
// Returns:
//   - error: types.ErrForeignPartition when this node does not own the entity
func (m *Manager) OnUpdate(ctx context.Context, update types.Update) error {
	if !m.resolver.IsMyPartition(update.TenantID, update.EntityID) {
		m.metrics.RecordForeignPartition("update")
		return fmt.Errorf("update for %s: %w", update.EntityID, types.ErrForeignPartition)
	}

	now := m.clock.Now().UnixMilli()
	unlock := m.locks.Lock(update.EntityID)

	switch update.Kind {
	case types.KindTimeseries:
		info, _ := m.updatesInfo.Load(update.EntityID)
		info.TimeSeriesUpdateTs = max(info.TimeSeriesUpdateTs, now)
		m.updatesInfo.Store(update.EntityID, info)
	case types.KindAttributes:
		info, _ := m.updatesInfo.Load(update.EntityID)
		info.AttributesUpdateTs = max(info.AttributesUpdateTs, now)
		m.updatesInfo.Store(update.EntityID, info)
	}

	var targets []forward
	if agg, ok := m.entities.Load(update.EntityID); ok {
		targets = make([]forward, 0, len(agg.nodes))
		for nodeID, snap := range agg.nodes {
			if filtered, ok := snap.Filter(update); ok {
				targets = append(targets, forward{nodeID: nodeID, update: filtered})
			}
		}
	}
	unlock()

	slices.SortFunc(targets, func(a, b forward) int { return strings.Compare(a.nodeID, b.nodeID) })
	for _, t := range targets {
		if m.forwarder.SendUpdate(ctx, t.nodeID, t.update) {
			m.metrics.RecordUpdateForwarded("local")
		} else {
			m.metrics.RecordUpdateForwarded("remote")
		}
	}

	return nil
}

// OnPartitionsChanged drops every aggregate whose partition this node no
// longer owns. Subscribing nodes are not notified; they republish on topology change.
//
// Returns:
//   - int: number of aggregates dropped
func (m *Manager) OnPartitionsChanged(_ context.Context, ownedPartitions []int) int {
	dropped := 0
	m.entities.Range(func(entityID string, agg *remoteAggregate) bool {
		if m.resolver.IsMyPartition(agg.tenantID, entityID) {
			return true
		}

		unlock := m.locks.Lock(entityID)
		if cur, ok := m.entities.Load(entityID); ok && cur == agg {
			m.entities.Delete(entityID)
			m.updatesInfo.Delete(entityID)
			dropped++
		}
		unlock()

		return true
	})

	m.metrics.RecordRemoteEntities(m.entities.Size())
	m.logger.Info("partitions changed",
		"owned_partitions", len(ownedPartitions), "dropped_entities", dropped, "remaining_entities", m.entities.Size())

	return dropped
}

// OnNodeShutdown removes deadNodeID's interest from every aggregate and drops
// aggregates left without nodes.
//
// Returns:
//   - int: number of aggregates that referenced the node
func (m *Manager) OnNodeShutdown(_ context.Context, deadNodeID string) int {
	purged := 0
	m.entities.Range(func(entityID string, _ *remoteAggregate) bool {
		unlock := m.locks.Lock(entityID)
		defer unlock()

		agg, ok := m.entities.Load(entityID)
		if !ok {
			return true
		}
		if _, ok := agg.nodes[deadNodeID]; !ok {
			return true
		}
		delete(agg.nodes, deadNodeID)
		purged++
		if len(agg.nodes) == 0 {
			m.entities.Delete(entityID)
			m.updatesInfo.Delete(entityID)
		}

		return true
	})

	m.metrics.RecordRemoteEntities(m.entities.Size())
	m.logger.Info("purged interest of departed node", "node", deadNodeID, "entities", purged)

	return purged
}

// GCStaleUpdateTimestamps drops update timestamp records whose attribute and
// time-series timestamps are both older than the TTL.
//
// Returns:
//   - int: number of records dropped
func (m *Manager) GCStaleUpdateTimestamps() int {
	cutoff := m.clock.Now().Add(-m.cfg.UpdatesInfoTTL).UnixMilli()

	removed := 0
	m.updatesInfo.Range(func(entityID string, _ types.EntityUpdatesInfo) bool {
		m.updatesInfo.Compute(entityID, func(info types.EntityUpdatesInfo, loaded bool) (types.EntityUpdatesInfo, xsync.ComputeOp) {
			if loaded && info.AttributesUpdateTs < cutoff && info.TimeSeriesUpdateTs < cutoff {
				removed++
				return info, xsync.DeleteOp
			}

			return info, xsync.CancelOp
		})

		return true
	})

	if removed > 0 {
		m.metrics.RecordUpdatesInfoGC(removed)
		m.logger.Debug("dropped stale update timestamps", "count", removed)
	}

	return removed
}

// Stats is a point-in-time view of the manager.
type Stats struct {
	Entities      int
	NodeEntries   int
	UpdateRecords int
}

// Stats returns counters describing the manager.
func (m *Manager) Stats() Stats {
	st := Stats{
		Entities:      m.entities.Size(),
		UpdateRecords: m.updatesInfo.Size(),
	}
	m.entities.Range(func(entityID string, _ *remoteAggregate) bool {
		unlock := m.locks.Lock(entityID)
		if agg, ok := m.entities.Load(entityID); ok {
			st.NodeEntries += len(agg.nodes)
		}
		unlock()

		return true
	})

	return st
}

// Interest returns the interest nodeID holds in entityID.
func (m *Manager) Interest(entityID, nodeID string) (types.Interest, bool) {
	unlock := m.locks.Lock(entityID)
	defer unlock()

	agg, ok := m.entities.Load(entityID)
	if !ok {
		return types.Interest{}, false
	}
	snap, ok := agg.nodes[nodeID]
	if !ok {
		return types.Interest{}, false
	}

	return snap.Full(), true
}

// UpdatesInfo returns the update timestamps recorded for entityID.
func (m *Manager) UpdatesInfo(entityID string) (types.EntityUpdatesInfo, bool) {
	return m.updatesInfo.Load(entityID)
}
