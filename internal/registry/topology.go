package registry

import (
	"context"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/thingsboard/thingsboard-sub020/types"
)

// OnTopologyChanged republishes the full interest of every tracked entity as
// an UPDATED delta, so owners that lost state on failover rebuild it.
//
// Entities whose tenant no longer exists are purged locally.
//
// Returns:
//   - int: number of entities republished
func (r *Registry) OnTopologyChanged(ctx context.Context) int {
	entityIDs := make([]string, 0, r.entities.Size())
	r.entities.Range(func(entityID string, _ *aggregate) bool {
		entityIDs = append(entityIDs, entityID)
		return true
	})

	republished := 0
	for _, entityID := range entityIDs {
		if ctx.Err() != nil {
			break
		}
		if r.republish(ctx, entityID) {
			republished++
		}
	}

	r.logger.Info("republished local interest", "entities", republished, "tracked", len(entityIDs))

	return republished
}

// OnNodeStartup republishes every tracked entity after this node (re)joined
// the cluster with ownedPartitions.
func (r *Registry) OnNodeStartup(ctx context.Context, ownedPartitions []int) int {
	r.logger.Info("node startup, republishing local interest", "owned_partitions", len(ownedPartitions))

	return r.OnTopologyChanged(ctx)
}

func (r *Registry) republish(ctx context.Context, entityID string) bool {
	agg, ok := r.entities.Load(entityID)
	if !ok {
		return false
	}

	unlock := r.locks.Lock(agg.tenantID)
	defer unlock()

	// Cancelled and possibly recreated while we were not holding the lock.
	if cur, ok := r.entities.Load(entityID); !ok || cur != agg {
		return false
	}

	agg.mu.Lock()
	full := agg.interest.Full()
	agg.mu.Unlock()

	event := types.DeltaEvent{
		TenantID:  agg.tenantID,
		EntityID:  entityID,
		Lifecycle: types.LifecycleUpdated,
		SeqNumber: r.seq.Add(1),
		Interest:  full,
	}

	err := r.sender.SendDelta(ctx, event)
	switch {
	case err == nil:
		r.metrics.RecordDeltaSent(event.Lifecycle.String())
		return true
	case isStale(err):
		r.logger.Info("tenant gone, purging entity subscriptions",
			"tenant", agg.tenantID, "entity", entityID, "error", err)
		r.purgeLocked(agg)
	default:
		r.logger.Warn("failed to republish interest", "entity", entityID, "error", err)
	}

	return false
}

// purgeLocked drops an aggregate and all its subscriptions without notifying
// the owner. The tenant lock must be held.
func (r *Registry) purgeLocked(agg *aggregate) {
	agg.mu.Lock()
	subs := make([]*types.Subscription, 0, len(agg.subs))
	for _, sub := range agg.subs {
		subs = append(subs, sub)
	}
	clear(agg.subs)
	agg.mu.Unlock()

	r.entities.Delete(agg.entityID)
	r.updatesInfo.Delete(agg.entityID)

	for _, sub := range subs {
		sub.Cancel()

		session, ok := r.sessions.Load(sub.SessionID())
		if !ok {
			continue
		}
		if detach(session, sub) {
			r.dropSessionIfEmpty(sub.SessionID())
		}
	}

	r.metrics.RecordSubscriptionsRemoved(len(subs))
	r.metrics.RecordLocalEntities(r.entities.Size())
}

// SweepStaleSessions cancels every subscription of sessions the session
// transport reports as gone.
//
// Returns:
//   - int: number of sessions removed
func (r *Registry) SweepStaleSessions(ctx context.Context) int {
	if r.session == nil {
		return 0
	}

	var stale []string
	r.sessions.Range(func(sessionID string, _ *xsync.Map[int, *types.Subscription]) bool {
		if !r.session.IsAlive(sessionID) {
			stale = append(stale, sessionID)
		}

		return true
	})

	for _, sessionID := range stale {
		r.CancelAllForSession(ctx, sessionID)
	}
	if len(stale) > 0 {
		r.logger.Info("removed stale sessions", "count", len(stale))
	}

	return len(stale)
}

// SweepPending force-reconciles subscriptions whose delta was not
// acknowledged within the pending timeout, and forgets pending entries whose
// subscriptions were all cancelled.
//
// Returns:
//   - int: number of subscriptions released
func (r *Registry) SweepPending(_ context.Context) int {
	var deadline int64
	if r.cfg.PendingTimeout > 0 {
		deadline = r.clock.Now().Add(-r.cfg.PendingTimeout).UnixMilli()
	}

	var expired []pendingKey
	r.pending.Range(func(key pendingKey, subs []*types.Subscription) bool {
		live := 0
		for _, sub := range subs {
			if sub.IsCanceled() {
				continue
			}
			live++
			if since, ok := sub.PendingSince(); ok && r.cfg.PendingTimeout > 0 && since <= deadline {
				expired = append(expired, key)
				return true
			}
		}
		if live == 0 {
			r.pending.Delete(key)
		}

		return true
	})

	released := 0
	for _, key := range expired {
		r.clearInFlight(key.entityID, key.seq)
		subs, ok := r.pending.LoadAndDelete(key)
		if !ok {
			continue
		}
		r.logger.Warn("delta not acknowledged in time, reconciling",
			"entity", key.entityID, "seq", key.seq, "subscriptions", len(subs))
		for _, sub := range subs {
			r.goAsync(func(ctx context.Context) {
				r.catchUp(ctx, sub, nil)
			})
		}
		released += len(subs)
	}

	return released
}
