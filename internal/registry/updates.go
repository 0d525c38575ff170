package registry

import (
	"context"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/thingsboard/thingsboard-sub020/types"
)

// OnUpdate delivers an update forwarded by the entity's owner to the matching
// local subscriptions.
//
// Each subscription re-filters the update against its own keys, scope and
// window and advances its key state before the callback is queued on the
// dispatch pool. Subscriptions still waiting for their recorded
// acknowledgement buffer the raw update instead.
func (r *Registry) OnUpdate(_ context.Context, update types.Update) {
	agg, ok := r.entities.Load(update.EntityID)
	if !ok {
		r.logger.Debug("update for untracked entity", "entity", update.EntityID, "kind", update.Kind.String())
		return
	}
	r.recordUpdate(update)

	agg.mu.Lock()
	subs := make([]*types.Subscription, 0, len(agg.subs))
	for _, sub := range agg.subs {
		if sub.Kind().UpdateKind() == update.Kind {
			subs = append(subs, sub)
		}
	}
	agg.mu.Unlock()

	for _, sub := range subs {
		if sub.IsCanceled() || sub.Hold(update) {
			continue
		}
		r.deliver(sub, update)
	}
}

// OnRecorded resolves the subscriptions that were pending on event.SeqNumber.
//
// A subscription is reconciled against the stores when the owner saw an
// update of its kind at or after the subscription's creation; buffered live
// updates are replayed afterwards.
func (r *Registry) OnRecorded(_ context.Context, event types.RecordedEvent) {
	if _, ok := r.entities.Load(event.EntityID); ok {
		r.mergeUpdatesInfo(event.EntityID, event.UpdatesInfo)
	}
	r.clearInFlight(event.EntityID, event.SeqNumber)

	subs, ok := r.pending.LoadAndDelete(pendingKey{entityID: event.EntityID, seq: event.SeqNumber})
	if !ok {
		r.logger.Debug("recorded event without pending subscriptions",
			"entity", event.EntityID, "seq", event.SeqNumber)
		return
	}

	info := event.UpdatesInfo
	for _, sub := range subs {
		r.goAsync(func(ctx context.Context) {
			r.catchUp(ctx, sub, &info)
		})
	}
}

// catchUp ends the pending phase of sub. A nil info forces reconciliation.
func (r *Registry) catchUp(ctx context.Context, sub *types.Subscription, info *types.EntityUpdatesInfo) {
	if sub.IsCanceled() {
		sub.Release()
		return
	}

	if info == nil || info.For(sub.Kind()) >= sub.CreatedAt() {
		r.reconcile(ctx, sub)
	}

	buffered, overflow := sub.Release()
	if overflow {
		r.logger.Warn("pending buffer overflowed, reconciling again",
			"entity", sub.EntityID(), "session", sub.SessionID(), "subscription", sub.ID())
		r.reconcile(ctx, sub)

		return
	}
	for _, update := range buffered {
		r.deliver(sub, update)
	}
}

// catchUpFromLocalRecord covers a data subscription that joined an aggregate
// without changing it: no delta goes out, so no acknowledgement will come back,
// and the node's own update record stands in for the owner's.
func (r *Registry) catchUpFromLocalRecord(sub *types.Subscription) {
	if !sub.Kind().IsData() {
		return
	}
	info, ok := r.updatesInfo.Load(sub.EntityID())
	if !ok || info.For(sub.Kind()) < sub.CreatedAt() {
		return
	}

	r.goAsync(func(ctx context.Context) {
		r.reconcile(ctx, sub)
	})
}

// deliver filters update through sub and queues the callback.
//
// When the dispatch queue is full the key state advanced by the filter is
// rewound and the subscription is remembered for RecoverDropped.
func (r *Registry) deliver(sub *types.Subscription, update types.Update) {
	var (
		out    types.Update
		ok     bool
		refill bool
	)
	if sub.Kind() == types.KindAlarmStatus {
		out, ok, refill = sub.ApplyAlarmStatus(update)
		if refill {
			r.refillAlarmStatus(sub)
		}
	} else {
		out, ok = sub.Apply(update)
	}
	if !ok {
		return
	}

	if !r.dispatch(sub, out) && sub.Kind().IsData() && !out.Deleted {
		sub.Keys().Rewind(out.Values)
	}
}

// dispatch queues the callback of sub.
//
// Returns:
//   - bool: false if the callback was dropped
func (r *Registry) dispatch(sub *types.Subscription, update types.Update) bool {
	if r.pool.Submit(func(ctx context.Context) {
		if sub.IsCanceled() {
			return
		}
		sub.Deliver(ctx, update)
	}) {
		return true
	}

	if !sub.IsCanceled() {
		r.dropped.Store(sub.Identity(), sub)
	}

	return false
}

// RecoverDropped replays what subscriptions lost to a full dispatch queue.
//
// Data subscriptions are reconciled from their rewound key state; alarm
// status subscriptions get their current status again. Subscriptions that
// drop again are retried on the next call.
//
// Returns:
//   - int: number of subscriptions recovered
func (r *Registry) RecoverDropped(_ context.Context) int {
	var subs []*types.Subscription
	r.dropped.Range(func(id types.Identity, sub *types.Subscription) bool {
		r.dropped.Delete(id)
		if !sub.IsCanceled() {
			subs = append(subs, sub)
		}

		return true
	})

	for _, sub := range subs {
		switch {
		case sub.Kind().IsData():
			r.goAsync(func(ctx context.Context) {
				r.reconcile(ctx, sub)
			})
		case sub.Kind() == types.KindAlarmStatus:
			r.dispatch(sub, types.Update{
				TenantID:    sub.TenantID(),
				EntityID:    sub.EntityID(),
				Kind:        types.KindAlarms,
				AlarmStatus: &types.AlarmStatus{Active: sub.AlarmStatus().Active()},
			})
		}
	}
	if len(subs) > 0 {
		r.logger.Info("recovering dropped callbacks", "subscriptions", len(subs))
	}

	return len(subs)
}

// refillAlarmStatus reloads the alarm status cache of sub from the alarm store.
func (r *Registry) refillAlarmStatus(sub *types.Subscription) {
	status := sub.AlarmStatus()
	if r.stores.Alarms == nil {
		r.logger.Warn("alarm status cache needs refill but no alarm store is configured",
			"entity", sub.EntityID(), "subscription", sub.ID())
		status.AbortRefill()

		return
	}

	r.goAsync(func(ctx context.Context) {
		ids, hasMore, err := r.stores.Alarms.FindActiveAlarms(ctx, sub.TenantID(), sub.EntityID(), status.Filter(), status.Limit())
		if err != nil {
			r.logger.Warn("failed to refill alarm status cache",
				"entity", sub.EntityID(), "subscription", sub.ID(), "error", err)
			status.AbortRefill()

			return
		}
		if !status.Fill(ids, hasMore) {
			return
		}

		r.dispatch(sub, types.Update{
			TenantID:    sub.TenantID(),
			EntityID:    sub.EntityID(),
			Kind:        types.KindAlarms,
			AlarmStatus: &types.AlarmStatus{Active: status.Active()},
		})
	})
}

func (r *Registry) addPending(key pendingKey, sub *types.Subscription) {
	r.pending.Compute(key, func(old []*types.Subscription, _ bool) ([]*types.Subscription, xsync.ComputeOp) {
		return append(old, sub), xsync.UpdateOp
	})
}

// release ends the pending phase of sub without reconciliation.
func (r *Registry) release(sub *types.Subscription) {
	buffered, overflow := sub.Release()
	if overflow {
		r.goAsync(func(ctx context.Context) {
			r.reconcile(ctx, sub)
		})

		return
	}
	for _, update := range buffered {
		r.deliver(sub, update)
	}
}

// recordUpdate stamps the local update record of the entity with the arrival time.
func (r *Registry) recordUpdate(update types.Update) {
	now := r.clock.Now().UnixMilli()
	var info types.EntityUpdatesInfo
	switch update.Kind {
	case types.KindTimeseries:
		info.TimeSeriesUpdateTs = now
	case types.KindAttributes:
		info.AttributesUpdateTs = now
	default:
		return
	}
	r.mergeUpdatesInfo(update.EntityID, info)
}

func (r *Registry) mergeUpdatesInfo(entityID string, info types.EntityUpdatesInfo) {
	r.updatesInfo.Compute(entityID, func(old types.EntityUpdatesInfo, _ bool) (types.EntityUpdatesInfo, xsync.ComputeOp) {
		old.AttributesUpdateTs = max(old.AttributesUpdateTs, info.AttributesUpdateTs)
		old.TimeSeriesUpdateTs = max(old.TimeSeriesUpdateTs, info.TimeSeriesUpdateTs)

		return old, xsync.UpdateOp
	})
}

// goAsync runs fn on a tracked goroutine bound to the registry lifetime.
func (r *Registry) goAsync(fn func(ctx context.Context)) {
	r.asyncMu.Lock()
	if r.closed {
		r.asyncMu.Unlock()
		return
	}
	r.wg.Add(1)
	r.asyncMu.Unlock()

	go func() {
		defer r.wg.Done()
		fn(r.runCtx)
	}()
}
