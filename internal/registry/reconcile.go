package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/thingsboard/thingsboard-sub020/types"
)

var errNoStore = errors.New("no store configured")

// reconcile reads the values sub may have missed between its creation and
// its first live update and replays them through the regular delivery path.
//
// Store failures skip the pass; the next live update may still close the gap.
func (r *Registry) reconcile(ctx context.Context, sub *types.Subscription) {
	if sub.IsCanceled() {
		return
	}

	var (
		values []types.TsValue
		err    error
	)
	switch sub.Kind() {
	case types.KindTimeseries:
		values, err = r.missedTimeseries(ctx, sub)
	case types.KindAttributes:
		values, err = r.missedAttributes(ctx, sub)
	default:
		return
	}

	kind := sub.Kind().String()
	if errors.Is(err, errNoStore) {
		r.logger.Debug("skipping reconciliation", "kind", kind, "entity", sub.EntityID(), "reason", err)
		return
	}
	if err != nil {
		r.metrics.RecordReconciliation(kind, false)
		r.logger.Warn("reconciliation failed",
			"kind", kind, "entity", sub.EntityID(), "session", sub.SessionID(), "subscription", sub.ID(), "error", err)

		return
	}
	r.metrics.RecordReconciliation(kind, true)

	if len(values) == 0 {
		return
	}
	r.deliver(sub, types.Update{
		TenantID: sub.TenantID(),
		EntityID: sub.EntityID(),
		Kind:     sub.Kind(),
		Scope:    sub.Scope(),
		Values:   values,
	})
}

// missedTimeseries queries every explicit key from its last delivered
// timestamp up to now. All-keys subscriptions are read in one query from 0
// and rely on key state to drop what was already delivered.
func (r *Registry) missedTimeseries(ctx context.Context, sub *types.Subscription) ([]types.TsValue, error) {
	store := r.stores.Timeseries
	if store == nil {
		return nil, errNoStore
	}
	now := r.clock.Now().UnixMilli()

	if sub.Keys().AllKeys() {
		values, err := store.FindTimeseries(ctx, sub.TenantID(), sub.EntityID(), types.TimeseriesQuery{EndTs: now})
		if err != nil {
			return nil, fmt.Errorf("find timeseries: %w", err)
		}

		return values, nil
	}

	states := sub.Keys().Snapshot()
	if len(states) == 0 {
		return nil, nil
	}

	var (
		mu     sync.Mutex
		values []types.TsValue
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.ReconcileConcurrency)
	for key, lastTs := range states {
		g.Go(func() error {
			found, err := store.FindTimeseries(gctx, sub.TenantID(), sub.EntityID(), types.TimeseriesQuery{
				Keys:    []string{key},
				StartTs: lastTs,
				EndTs:   now,
			})
			if err != nil {
				return fmt.Errorf("find timeseries %q: %w", key, err)
			}

			mu.Lock()
			values = append(values, found...)
			mu.Unlock()

			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return values, nil
}

// missedAttributes reads the current attribute values in the subscription's scope.
func (r *Registry) missedAttributes(ctx context.Context, sub *types.Subscription) ([]types.TsValue, error) {
	store := r.stores.Attributes
	if store == nil {
		return nil, errNoStore
	}

	var keys []string
	if !sub.Keys().AllKeys() {
		keys = sub.Keys().Keys()
		if len(keys) == 0 {
			return nil, nil
		}
	}

	values, err := store.FindAttributes(ctx, sub.TenantID(), sub.EntityID(), sub.Scope(), keys)
	if err != nil {
		return nil, fmt.Errorf("find attributes: %w", err)
	}

	return values, nil
}
