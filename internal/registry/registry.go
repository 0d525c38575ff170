// Package registry implements the node-local subscription registry.
//
// The registry keeps every subscription made by this node's sessions, groups
// them into per-entity aggregates, and keeps the partition owner of each
// entity informed of the aggregated interest through delta events. Updates
// forwarded by owners are re-filtered per subscription and dispatched to
// callbacks on a bounded worker pool.
//
// Concurrency: compound transitions (mutate aggregate, compute delta, register
// pending) run under a per-tenant shard lock. Lookups go through lock-free
// maps. Callbacks never run on the caller's goroutine.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/thingsboard/thingsboard-sub020/internal/dispatch"
	"github.com/thingsboard/thingsboard-sub020/internal/locks"
	"github.com/thingsboard/thingsboard-sub020/internal/logger"
	"github.com/thingsboard/thingsboard-sub020/internal/metrics"
	"github.com/thingsboard/thingsboard-sub020/types"
)

// Rate limit scopes.
const (
	ScopeTenant = "tenant"
	ScopeUser   = "user"
)

// DeltaSender delivers delta events to the partition owner of their entity.
type DeltaSender interface {
	SendDelta(ctx context.Context, event types.DeltaEvent) error
}

// ErrorReporter reports subscription errors to client sessions.
type ErrorReporter interface {
	Report(ctx context.Context, sessionID string, subscriptionID int, code types.ErrorCode, msg string) bool
}

// Config holds the registry settings.
type Config struct {
	// NodeID is stamped as owner of every subscription made on this node.
	NodeID string

	// TenantRateLimit and UserRateLimit are "capacity:seconds" policies; empty disables.
	TenantRateLimit string
	UserRateLimit   string

	// PendingTimeout forces reconciliation of subscriptions whose delta was
	// never acknowledged.
	PendingTimeout time.Duration

	// ReconcileConcurrency bounds parallel store queries per reconciliation.
	ReconcileConcurrency int

	DispatchWorkers   int
	DispatchQueueSize int
	LockShards        int
}

// Registry is the node-local subscription registry.
type Registry struct {
	cfg      Config
	sender   DeltaSender
	limiter  types.RateLimiter
	reporter ErrorReporter
	session  types.SessionTransport
	stores   types.Stores
	clock    clock.Clock
	logger   types.Logger
	metrics  types.MetricsCollector

	pool  *dispatch.Pool
	locks *locks.Table

	// sessionID -> subscriptionID -> subscription
	sessions *xsync.Map[string, *xsync.Map[int, *types.Subscription]]
	// entityID -> aggregate
	entities *xsync.Map[string, *aggregate]
	// entityID -> last known update timestamps
	updatesInfo *xsync.Map[string, types.EntityUpdatesInfo]
	// (entityID, seq) -> subscriptions waiting for the recorded acknowledgement
	pending *xsync.Map[pendingKey, []*types.Subscription]
	// subscriptions with a dropped callback, recovered by RecoverDropped
	dropped *xsync.Map[types.Identity, *types.Subscription]

	seq atomic.Int64

	runCtx    context.Context
	runCancel context.CancelFunc
	asyncMu   sync.Mutex // guards closed against wg.Add after Close
	closed    bool
	wg        sync.WaitGroup
}

// aggregate is the set of subscriptions of one entity and their union interest.
type aggregate struct {
	tenantID string
	entityID string

	mu       sync.Mutex
	subs     map[types.Identity]*types.Subscription
	interest *types.InterestSnapshot
	inflight int64 // seq of the last unacknowledged data delta, 0 when none
}

type pendingKey struct {
	entityID string
	seq      int64
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(l types.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m types.MetricsCollector) Option {
	return func(r *Registry) {
		if m != nil {
			r.metrics = m
		}
	}
}

// WithClock sets the clock used for creation and pending timestamps.
func WithClock(c clock.Clock) Option {
	return func(r *Registry) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithStores sets the stores used for reconciliation and alarm status refills.
func WithStores(s types.Stores) Option {
	return func(r *Registry) {
		r.stores = s
	}
}

// WithRateLimiter sets the subscribe-time rate limiter.
func WithRateLimiter(l types.RateLimiter) Option {
	return func(r *Registry) {
		r.limiter = l
	}
}

// WithErrorReporter sets the reporter used for rate limit rejections.
func WithErrorReporter(rep ErrorReporter) Option {
	return func(r *Registry) {
		r.reporter = rep
	}
}

// WithSessionTransport sets the session transport used by the stale session sweep.
func WithSessionTransport(s types.SessionTransport) Option {
	return func(r *Registry) {
		r.session = s
	}
}

// New creates a registry sending deltas through sender. Call Start before use.
//
// Parameters:
//   - cfg: Registry settings
//   - sender: Delivers deltas to partition owners (usually the transport router)
//   - opts: Optional collaborators
//
// Returns:
//   - *Registry: Unstarted registry
func New(cfg Config, sender DeltaSender, opts ...Option) *Registry {
	if cfg.ReconcileConcurrency <= 0 {
		cfg.ReconcileConcurrency = 8
	}

	r := &Registry{
		cfg:         cfg,
		sender:      sender,
		clock:       clock.New(),
		logger:      logger.NewNop(),
		metrics:     metrics.NewNop(),
		locks:       locks.New(cfg.LockShards),
		sessions:    xsync.NewMap[string, *xsync.Map[int, *types.Subscription]](),
		entities:    xsync.NewMap[string, *aggregate](),
		updatesInfo: xsync.NewMap[string, types.EntityUpdatesInfo](),
		pending:     xsync.NewMap[pendingKey, []*types.Subscription](),
		dropped:     xsync.NewMap[types.Identity, *types.Subscription](),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.pool = dispatch.New(cfg.DispatchWorkers, cfg.DispatchQueueSize,
		dispatch.WithLogger(r.logger), dispatch.WithMetrics(r.metrics))
	r.runCtx, r.runCancel = context.WithCancel(context.Background())

	return r
}

// Start starts the dispatch pool.
func (r *Registry) Start(ctx context.Context) {
	r.pool.Start(ctx)
	r.logger.Info("subscription registry started",
		"node", r.cfg.NodeID, "dispatch_workers", r.cfg.DispatchWorkers, "lock_shards", r.locks.Size())
}

// Close stops background reconciliation and drains the dispatch pool.
func (r *Registry) Close(ctx context.Context) error {
	r.asyncMu.Lock()
	r.closed = true
	r.asyncMu.Unlock()
	r.runCancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		r.pool.Stop()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("registry close: %w", ctx.Err())
	}
}

// Subscribe registers sub and informs the entity's owner when the node's
// interest in the entity grew.
//
// Rate limits are checked first; a rejection is reported to the session
// (deduplicated) and returned as types.ErrRateLimited. A subscription with the
// same session and subscription id replaces the previous one.
//
// A data subscription that caused a delta is held pending until the owner
// acknowledges the delta; live updates arriving meanwhile are buffered and
// replayed after missed-update reconciliation. A data subscription joining an
// aggregate whose data delta is still unacknowledged waits for that same
// acknowledgement.
//
// Returns:
//   - error: types.ErrInvalidSubscription or types.ErrRateLimited
func (r *Registry) Subscribe(ctx context.Context, sub *types.Subscription) error {
	if err := validate(sub); err != nil {
		return err
	}
	if err := r.checkRateLimits(ctx, sub); err != nil {
		return err
	}

	now := r.clock.Now().UnixMilli()
	sub.SetCreatedAt(now)

	unlock := r.locks.Lock(sub.TenantID())
	defer unlock()

	var (
		prev     *types.Subscription
		replaced bool
	)
	r.sessions.Compute(sub.SessionID(), func(session *xsync.Map[int, *types.Subscription], loaded bool) (*xsync.Map[int, *types.Subscription], xsync.ComputeOp) {
		if !loaded {
			session = xsync.NewMap[int, *types.Subscription]()
		}
		prev, replaced = session.LoadAndStore(sub.ID(), sub)

		return session, xsync.UpdateOp
	})
	if replaced && prev != sub {
		r.removeLocked(ctx, prev.EntityID(), []*types.Subscription{prev})
	}

	agg, loaded := r.entities.LoadOrStore(sub.EntityID(), &aggregate{
		tenantID: sub.TenantID(),
		entityID: sub.EntityID(),
		subs:     make(map[types.Identity]*types.Subscription),
		interest: &types.InterestSnapshot{},
	})

	event := types.DeltaEvent{
		TenantID:         sub.TenantID(),
		EntityID:         sub.EntityID(),
		DataSubscription: sub.Kind().IsData(),
	}

	agg.mu.Lock()
	agg.subs[sub.Identity()] = sub
	added := agg.interest.Merge(sub.Interest())
	switch {
	case !loaded:
		event.Lifecycle = types.LifecycleCreated
		event.Interest = agg.interest.Full()
	case !added.IsEmpty():
		event.Lifecycle = types.LifecycleUpdated
		event.Interest = added
	default:
		// The owner already forwards everything this subscription needs.
		joined := r.joinInFlightLocked(agg, sub, now)
		agg.mu.Unlock()
		r.recordSubscribed(sub)
		if !joined {
			r.catchUpFromLocalRecord(sub)
		}

		return nil
	}
	event.SeqNumber = r.seq.Add(1)
	if event.DataSubscription {
		agg.inflight = event.SeqNumber
		sub.MarkPending(now)
		r.addPending(pendingKey{entityID: sub.EntityID(), seq: event.SeqNumber}, sub)
	}
	agg.mu.Unlock()
	r.recordSubscribed(sub)

	r.sendDelta(ctx, event)

	return nil
}

func (r *Registry) recordSubscribed(sub *types.Subscription) {
	r.metrics.RecordSubscriptionAdded(sub.Kind().String())
	r.metrics.RecordLocalEntities(r.entities.Size())
}

// joinInFlightLocked attaches a data subscription to the aggregate's
// unacknowledged data delta. The aggregate lock must be held.
//
// Returns:
//   - bool: true if sub now waits for the in-flight acknowledgement
func (r *Registry) joinInFlightLocked(agg *aggregate, sub *types.Subscription, now int64) bool {
	if !sub.Kind().IsData() || agg.inflight == 0 {
		return false
	}
	sub.MarkPending(now)
	r.addPending(pendingKey{entityID: agg.entityID, seq: agg.inflight}, sub)

	return true
}

// clearInFlight forgets the aggregate's in-flight seq once it is acknowledged,
// failed or timed out. Later joiners fall back to the local update record.
func (r *Registry) clearInFlight(entityID string, seq int64) {
	agg, ok := r.entities.Load(entityID)
	if !ok {
		return
	}

	agg.mu.Lock()
	if agg.inflight == seq {
		agg.inflight = 0
	}
	agg.mu.Unlock()
}

// Cancel removes one subscription.
//
// When it was the entity's last subscription the aggregate and its update
// timestamp record are dropped and a DELETED delta is emitted. Aggregates
// never shrink otherwise.
//
// Returns:
//   - error: types.ErrStaleReference when the subscription is unknown
func (r *Registry) Cancel(ctx context.Context, tenantID, sessionID string, subscriptionID int) error {
	unlock := r.locks.Lock(tenantID)
	defer unlock()

	session, ok := r.sessions.Load(sessionID)
	if !ok {
		r.logger.Debug("cancel for unknown session", "session", sessionID, "subscription", subscriptionID)
		return fmt.Errorf("session %s: %w", sessionID, types.ErrStaleReference)
	}
	sub, ok := session.Load(subscriptionID)
	if !ok || sub.TenantID() != tenantID || !detach(session, sub) {
		r.logger.Debug("cancel for unknown subscription",
			"tenant", tenantID, "session", sessionID, "subscription", subscriptionID)
		return fmt.Errorf("subscription %s/%d of tenant %s: %w", sessionID, subscriptionID, tenantID, types.ErrStaleReference)
	}
	r.dropSessionIfEmpty(sessionID)

	r.removeLocked(ctx, sub.EntityID(), []*types.Subscription{sub})
	r.metrics.RecordSubscriptionsRemoved(1)

	return nil
}

// CancelAllForSession removes every subscription of a session, emitting at
// most one delta per entity.
//
// Returns:
//   - int: number of subscriptions removed
func (r *Registry) CancelAllForSession(ctx context.Context, sessionID string) int {
	session, ok := r.sessions.Load(sessionID)
	if !ok {
		return 0
	}

	// tenant -> entity -> subscriptions
	grouped := make(map[string]map[string][]*types.Subscription)
	session.Range(func(_ int, sub *types.Subscription) bool {
		byEntity := grouped[sub.TenantID()]
		if byEntity == nil {
			byEntity = make(map[string][]*types.Subscription)
			grouped[sub.TenantID()] = byEntity
		}
		byEntity[sub.EntityID()] = append(byEntity[sub.EntityID()], sub)

		return true
	})

	removed := 0
	for tenantID, byEntity := range grouped {
		unlock := r.locks.Lock(tenantID)
		for entityID, subs := range byEntity {
			// A concurrent Subscribe may have replaced some of them meanwhile.
			detached := subs[:0]
			for _, sub := range subs {
				if detach(session, sub) {
					detached = append(detached, sub)
				}
			}
			if len(detached) > 0 {
				r.removeLocked(ctx, entityID, detached)
				removed += len(detached)
			}
		}
		unlock()
	}
	r.dropSessionIfEmpty(sessionID)

	r.metrics.RecordSubscriptionsRemoved(removed)
	r.logger.Debug("session subscriptions cancelled", "session", sessionID, "count", removed)

	return removed
}

// detach removes sub from its session map unless another subscription took its slot.
func detach(session *xsync.Map[int, *types.Subscription], sub *types.Subscription) bool {
	removed := false
	session.Compute(sub.ID(), func(cur *types.Subscription, loaded bool) (*types.Subscription, xsync.ComputeOp) {
		if !loaded || cur != sub {
			return cur, xsync.CancelOp
		}
		removed = true

		return nil, xsync.DeleteOp
	})

	return removed
}

// dropSessionIfEmpty deletes the session entry when it holds no subscriptions.
// It runs inside the same map operation Subscribe stores through, so a
// concurrent Subscribe never writes into a detached session map.
func (r *Registry) dropSessionIfEmpty(sessionID string) {
	r.sessions.Compute(sessionID, func(session *xsync.Map[int, *types.Subscription], loaded bool) (*xsync.Map[int, *types.Subscription], xsync.ComputeOp) {
		if !loaded {
			return session, xsync.CancelOp
		}
		if session.Size() == 0 {
			return nil, xsync.DeleteOp
		}

		return session, xsync.CancelOp
	})
}

// removeLocked detaches subs from their entity aggregate. The tenant lock must be held.
func (r *Registry) removeLocked(ctx context.Context, entityID string, subs []*types.Subscription) {
	for _, sub := range subs {
		sub.Cancel()
	}

	agg, ok := r.entities.Load(entityID)
	if !ok {
		return
	}

	agg.mu.Lock()
	for _, sub := range subs {
		if cur, ok := agg.subs[sub.Identity()]; ok && cur == sub {
			delete(agg.subs, sub.Identity())
		}
	}
	empty := len(agg.subs) == 0
	agg.mu.Unlock()

	if !empty {
		return
	}

	r.entities.Delete(entityID)
	r.updatesInfo.Delete(entityID)
	r.metrics.RecordLocalEntities(r.entities.Size())

	r.sendDelta(ctx, types.DeltaEvent{
		TenantID:  agg.tenantID,
		EntityID:  entityID,
		Lifecycle: types.LifecycleDeleted,
		SeqNumber: r.seq.Add(1),
	})
}

// sendDelta pushes event to the owner. Failures are logged; the transport
// owns retries and topology changes trigger a full republish.
func (r *Registry) sendDelta(ctx context.Context, event types.DeltaEvent) {
	err := r.sender.SendDelta(ctx, event)
	if err == nil {
		r.metrics.RecordDeltaSent(event.Lifecycle.String())
		return
	}

	r.logger.Warn("failed to send delta",
		"entity", event.EntityID, "lifecycle", event.Lifecycle.String(), "seq", event.SeqNumber, "error", err)

	// Nobody will acknowledge this delta; stop buffering for its subscriptions.
	r.clearInFlight(event.EntityID, event.SeqNumber)
	if subs, ok := r.pending.LoadAndDelete(pendingKey{entityID: event.EntityID, seq: event.SeqNumber}); ok {
		for _, sub := range subs {
			r.release(sub)
		}
	}
}

func (r *Registry) checkRateLimits(ctx context.Context, sub *types.Subscription) error {
	if r.limiter == nil {
		return nil
	}

	checks := []struct{ scope, key, policy string }{
		{ScopeTenant, sub.TenantID(), r.cfg.TenantRateLimit},
		{ScopeUser, sub.UserID(), r.cfg.UserRateLimit},
	}
	for _, c := range checks {
		if c.policy == "" || c.key == "" {
			continue
		}
		if r.limiter.CheckLimit(c.scope, c.key, c.policy) {
			continue
		}

		r.metrics.RecordRateLimited(c.scope)
		msg := fmt.Sprintf("%s subscription rate limit exceeded", c.scope)
		if r.reporter != nil {
			r.reporter.Report(ctx, sub.SessionID(), sub.ID(), types.ErrorCodeRateLimited, msg)
		}

		return fmt.Errorf("%w: %s %s", types.ErrRateLimited, c.scope, c.key)
	}

	return nil
}

func validate(sub *types.Subscription) error {
	if sub == nil {
		return fmt.Errorf("%w: nil subscription", types.ErrInvalidSubscription)
	}
	switch {
	case sub.TenantID() == "":
		return fmt.Errorf("%w: tenant id is required", types.ErrInvalidSubscription)
	case sub.EntityID() == "":
		return fmt.Errorf("%w: entity id is required", types.ErrInvalidSubscription)
	case sub.SessionID() == "":
		return fmt.Errorf("%w: session id is required", types.ErrInvalidSubscription)
	case !sub.Kind().IsValid():
		return fmt.Errorf("%w: unknown kind %d", types.ErrInvalidSubscription, sub.Kind())
	}

	return nil
}

// Stats is a point-in-time view of the registry.
type Stats struct {
	Sessions      int
	Subscriptions int
	Entities      int
	Pending       int
	Dropped       int
}

// Stats returns counters describing the registry.
func (r *Registry) Stats() Stats {
	st := Stats{
		Sessions: r.sessions.Size(),
		Entities: r.entities.Size(),
		Dropped:  r.dropped.Size(),
	}
	r.sessions.Range(func(_ string, session *xsync.Map[int, *types.Subscription]) bool {
		st.Subscriptions += session.Size()
		return true
	})
	r.pending.Range(func(_ pendingKey, subs []*types.Subscription) bool {
		for _, sub := range subs {
			if !sub.IsCanceled() {
				st.Pending++
			}
		}

		return true
	})

	return st
}

// Interest returns the aggregated interest of this node in entityID.
func (r *Registry) Interest(entityID string) (types.Interest, bool) {
	agg, ok := r.entities.Load(entityID)
	if !ok {
		return types.Interest{}, false
	}

	agg.mu.Lock()
	defer agg.mu.Unlock()

	return agg.interest.Full(), true
}

// isStale reports whether err means the target no longer exists.
func isStale(err error) bool {
	return errors.Is(err, types.ErrTenantNotFound) || errors.Is(err, types.ErrStaleReference)
}
