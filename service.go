package fanout

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/multierr"

	"github.com/thingsboard/thingsboard-sub020/internal/hooks"
	"github.com/thingsboard/thingsboard-sub020/internal/kvutil"
	"github.com/thingsboard/thingsboard-sub020/internal/logger"
	"github.com/thingsboard/thingsboard-sub020/internal/logging"
	"github.com/thingsboard/thingsboard-sub020/internal/manager"
	"github.com/thingsboard/thingsboard-sub020/internal/membership"
	"github.com/thingsboard/thingsboard-sub020/internal/metrics"
	"github.com/thingsboard/thingsboard-sub020/internal/natsutil"
	"github.com/thingsboard/thingsboard-sub020/internal/registry"
	"github.com/thingsboard/thingsboard-sub020/partition"
	"github.com/thingsboard/thingsboard-sub020/ratelimit"
	"github.com/thingsboard/thingsboard-sub020/transport"
	"github.com/thingsboard/thingsboard-sub020/types"
)

// heartbeatPrefix is the key prefix of node heartbeats in the heartbeat bucket.
const heartbeatPrefix = "node"

// Service is the subscription fan-out layer of one cluster node.
//
// It owns the node-local subscription registry, the subscription manager of
// the partitions this node owns, the inter-node queue, and the node
// membership machinery that keeps the partition layout current.
type Service struct {
	cfg     Config
	conn    *nats.Conn
	opts    serviceOptions
	logger  Logger
	metrics MetricsCollector
	clock   clock.Clock
	hooks   *Hooks

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool // Start was called
	running bool // Start succeeded
	stopped bool
	wg      sync.WaitGroup

	resolver     PartitionResolver
	hashResolver *partition.HashResolver // nil with a custom resolver
	router       *transport.Router
	registry     *registry.Registry
	manager      *manager.Manager
	consumer     *transport.NodeConsumer
	heartbeat    *membership.Publisher
	monitor      *membership.NodeMonitor

	// topologyMu serializes membership change handling.
	topologyMu sync.Mutex
	owned      []int // partitions owned after the last topology change
}

// NewService creates a new fan-out service for the node cfg.NodeID.
//
// Parameters:
//   - conn: NATS connection with JetStream enabled
//   - cfg: Configuration; missing values take defaults
//   - opts: Optional collaborators (WithLogger, WithStores, WithSessionTransport, ...)
//
// Returns:
//   - *Service: Unstarted service
//   - error: ErrNATSConnectionRequired or a validation error wrapping ErrInvalidConfig
//
// Example:
//
//	cfg := fanout.DefaultConfig()
//	cfg.NodeID = "node-0"
//	svc, err := fanout.NewService(nc, cfg, fanout.WithStores(stores))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := svc.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer svc.Stop(context.Background())
func NewService(conn *nats.Conn, cfg Config, opts ...Option) (*Service, error) {
	if conn == nil {
		return nil, ErrNATSConnectionRequired
	}

	SetDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	options := serviceOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	log := logger.OrNop(options.logger)
	var collector MetricsCollector = metrics.NewNop()
	if options.metrics != nil {
		collector = options.metrics
	}
	clk := options.clock
	if clk == nil {
		clk = clock.New()
	}

	cfg.ValidateWithWarnings(log)

	return &Service{
		cfg:     cfg,
		conn:    conn,
		opts:    options,
		logger:  logging.Tagged(log, "fanout"),
		metrics: collector,
		clock:   clk,
		hooks:   hooks.WithDefaults(options.hooks),
	}, nil
}

// Start provisions the queue stream and heartbeat bucket, starts the node
// consumer, heartbeats and node monitor, and the periodic sweeps.
//
// Startup is bounded by StartupTimeout. A failed Start releases everything it
// already started; the service cannot be started again.
//
// Returns:
//   - error: ErrAlreadyStarted or the first provisioning error
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	startupCtx := ctx
	if s.cfg.StartupTimeout > 0 {
		var cancel context.CancelFunc
		startupCtx, cancel = context.WithTimeout(ctx, s.cfg.StartupTimeout)
		defer cancel()
	}

	if err := s.start(startupCtx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		_ = s.Stop(stopCtx)

		return err
	}

	s.mu.Lock()
	s.running = !s.stopped
	s.mu.Unlock()

	s.logger.Info("fan-out service started",
		"node", s.cfg.NodeID,
		"partitions", s.cfg.PartitionCount,
		"owned_partitions", len(s.resolver.OwnedPartitions()),
	)

	return nil
}

func (s *Service) start(ctx context.Context) error {
	js, err := jetstream.New(s.conn)
	if err != nil {
		return fmt.Errorf("failed to create jetstream context: %w", err)
	}

	tcfg := s.cfg.transportConfig(logging.Tagged(s.logger, "transport"), s.metrics)
	if _, err := transport.EnsureStream(ctx, js, tcfg); err != nil {
		return fmt.Errorf("failed to provision queue stream: %w", err)
	}

	heartbeatKV, err := kvutil.EnsureKVBucketWithRetry(ctx, js, jetstream.KeyValueConfig{
		Bucket:      s.cfg.KVBuckets.HeartbeatBucket,
		Description: "fan-out node heartbeats",
		History:     1,
		TTL:         s.cfg.HeartbeatTTL,
		Storage:     tcfg.Storage,
	}, kvutil.DefaultMaxRetries)
	if err != nil {
		return fmt.Errorf("failed to create heartbeat KV: %w", err)
	}

	producer, err := transport.NewJetStreamProducer(js, s.cfg.NodeID, tcfg)
	if err != nil {
		return fmt.Errorf("failed to create queue producer: %w", err)
	}

	s.resolver = s.opts.resolver
	if s.resolver == nil {
		s.hashResolver = partition.NewHashResolver(s.cfg.NodeID, s.cfg.PartitionCount, s.cfg.VirtualNodes)
		s.resolver = s.hashResolver
	}

	s.router = transport.NewRouter(s.cfg.NodeID, s.resolver, producer,
		transport.WithRouterLogger(logging.Tagged(s.logger, "router")))
	s.registry = s.newRegistry()
	s.manager = manager.New(manager.Config{
		NodeID:         s.cfg.NodeID,
		UpdatesInfoTTL: s.cfg.UpdatesInfoTTL,
		LockShards:     s.cfg.LockShards,
	}, s.resolver, s.router,
		manager.WithLogger(logging.Tagged(s.logger, "manager")),
		manager.WithMetrics(s.metrics),
		manager.WithClock(s.clock),
	)
	s.router.Bind(s.registry, s.manager)
	s.registry.Start(s.ctx)

	s.consumer, err = transport.NewNodeConsumer(js, s.cfg.NodeID, tcfg, s.router.HandleMessage)
	if err != nil {
		return fmt.Errorf("failed to create node consumer: %w", err)
	}
	if err := s.consumer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start node consumer: %w", err)
	}

	s.heartbeat = membership.NewPublisher(heartbeatKV, heartbeatPrefix, s.cfg.NodeID, s.cfg.HeartbeatInterval,
		membership.WithPublisherLogger(logging.Tagged(s.logger, "heartbeat")),
		membership.WithPublisherMetrics(s.metrics),
		membership.WithPublisherClock(s.clock),
	)
	if err := s.heartbeat.Start(ctx); err != nil {
		return fmt.Errorf("failed to start heartbeat: %w", err)
	}

	// The initial check inside Start builds the ring from the nodes alive now.
	s.monitor = membership.NewNodeMonitor(heartbeatKV, heartbeatPrefix, s.cfg.HeartbeatTTL/2, s.onMembershipChange,
		membership.WithMonitorLogger(logging.Tagged(s.logger, "monitor")),
		membership.WithMonitorMetrics(s.metrics),
		membership.WithMonitorClock(s.clock),
	)
	if err := s.monitor.Start(ctx); err != nil {
		return fmt.Errorf("failed to start node monitor: %w", err)
	}

	s.topologyMu.Lock()
	s.owned = s.resolver.OwnedPartitions()
	s.topologyMu.Unlock()
	s.registry.OnNodeStartup(ctx, s.owned)

	s.wg.Add(2)
	go s.runSweeps(s.ctx)
	go s.runGC(s.ctx)

	return nil
}

func (s *Service) newRegistry() *registry.Registry {
	limiter := s.opts.limiter
	if limiter == nil {
		limiter = ratelimit.NewTokenBucketLimiter(s.cfg.RateLimiterCacheSize,
			ratelimit.WithClock(s.clock),
			ratelimit.WithLogger(logging.Tagged(s.logger, "ratelimit")),
		)
	}

	opts := []registry.Option{
		registry.WithLogger(logging.Tagged(s.logger, "registry")),
		registry.WithMetrics(s.metrics),
		registry.WithClock(s.clock),
		registry.WithStores(s.opts.stores),
		registry.WithRateLimiter(limiter),
	}
	if s.opts.session != nil {
		reporter := ratelimit.NewErrorReporter(s.opts.session, s.cfg.ErrorReportCooldown, s.cfg.ErrorReportCacheSize,
			ratelimit.WithReporterClock(s.clock),
			ratelimit.WithReporterLogger(logging.Tagged(s.logger, "reporter")),
		)
		opts = append(opts, registry.WithErrorReporter(reporter), registry.WithSessionTransport(s.opts.session))
	}

	return registry.New(registry.Config{
		NodeID:               s.cfg.NodeID,
		TenantRateLimit:      s.cfg.RateLimits.TenantSubscriptions,
		UserRateLimit:        s.cfg.RateLimits.UserSubscriptions,
		PendingTimeout:       s.cfg.PendingTimeout,
		ReconcileConcurrency: s.cfg.ReconcileConcurrency,
		DispatchWorkers:      s.cfg.DispatchWorkers,
		DispatchQueueSize:    s.cfg.DispatchQueueSize,
		LockShards:           s.cfg.LockShards,
	}, s.router, opts...)
}

// onMembershipChange applies a node set change reported by the node monitor.
//
// Removed nodes lose their interest entries on this node's manager, the ring
// is rebuilt, the manager drops entities of partitions it no longer owns, and
// the registry republishes its interest so new owners learn it.
func (s *Service) onMembershipChange(ctx context.Context, change membership.Change) {
	s.topologyMu.Lock()
	defer s.topologyMu.Unlock()

	for _, node := range change.Removed {
		if node == s.cfg.NodeID {
			continue
		}
		s.manager.OnNodeShutdown(ctx, node)
	}

	if s.hashResolver != nil {
		if !slices.Contains(change.Nodes, s.cfg.NodeID) {
			s.logger.Warn("own heartbeat missing from node set", "node", s.cfg.NodeID)
		}
		s.hashResolver.SetNodes(change.Nodes)
	}

	owned := s.resolver.OwnedPartitions()
	dropped := s.manager.OnPartitionsChanged(ctx, owned)
	republished := s.registry.OnTopologyChanged(ctx)

	if !change.IsEmpty() {
		joined, left := slices.Clone(change.Added), slices.Clone(change.Removed)
		s.runHook("OnNodesChanged", func(ctx context.Context) error {
			return s.hooks.OnNodesChanged(ctx, joined, left)
		})
	}
	if added, removed := diffPartitions(s.owned, owned); len(added) > 0 || len(removed) > 0 {
		s.runHook("OnPartitionsChanged", func(ctx context.Context) error {
			return s.hooks.OnPartitionsChanged(ctx, added, removed)
		})
	}
	s.owned = owned

	s.logger.Info("topology applied",
		"nodes", len(change.Nodes),
		"owned_partitions", len(owned),
		"dropped_entities", dropped,
		"republished_entities", republished,
	)
}

// runHook runs a user callback in the background with the service context.
func (s *Service) runHook(name string, fn func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := fn(s.ctx); err != nil {
			s.logger.Warn("hook failed", "hook", name, "error", err)
		}
	}()
}

// diffPartitions returns the partitions only in next and only in prev.
// Both inputs are sorted.
func diffPartitions(prev, next []int) (added, removed []int) {
	for _, p := range next {
		if _, found := slices.BinarySearch(prev, p); !found {
			added = append(added, p)
		}
	}
	for _, p := range prev {
		if _, found := slices.BinarySearch(next, p); !found {
			removed = append(removed, p)
		}
	}

	return added, removed
}

// runSweeps periodically removes subscriptions of disconnected sessions and
// resolves pending subscriptions whose acknowledgement never arrived. Callbacks
// dropped by a full dispatch queue are replayed on the same tick.
func (s *Service) runSweeps(ctx context.Context) {
	defer s.wg.Done()

	ticker := s.clock.Ticker(s.cfg.StaleSessionSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opCtx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
			if n := s.registry.SweepStaleSessions(opCtx); n > 0 {
				s.logger.Debug("stale session subscriptions removed", "count", n)
			}
			if n := s.registry.SweepPending(opCtx); n > 0 {
				s.logger.Debug("pending subscriptions resolved by sweep", "count", n)
			}
			s.registry.RecoverDropped(opCtx)
			cancel()
		}
	}
}

// runGC periodically drops update timestamp records of idle entities.
func (s *Service) runGC(ctx context.Context) {
	defer s.wg.Done()

	ticker := s.clock.Ticker(s.cfg.UpdatesInfoGCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.manager.GCStaleUpdateTimestamps(); n > 0 {
				s.logger.Debug("stale update timestamps collected", "count", n)
			}
		}
	}
}

// Stop shuts the service down in reverse start order.
//
// The heartbeat is deleted so other nodes see this node leave immediately.
// When ctx has no deadline, ShutdownTimeout applies.
//
// Returns:
//   - error: ErrNotStarted, or every component error combined
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return ErrNotStarted
	}
	s.stopped = true
	s.cancel()
	s.mu.Unlock()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
		defer cancel()
	}

	var err error
	if s.monitor != nil {
		if stopErr := s.monitor.Stop(); !errors.Is(stopErr, types.ErrMonitorNotStarted) {
			err = multierr.Append(err, stopErr)
		}
	}
	if s.heartbeat != nil && s.heartbeat.IsStarted() {
		err = multierr.Append(err, s.heartbeat.Stop(ctx))
	}
	if s.consumer != nil {
		err = multierr.Append(err, s.consumer.Close(ctx))
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		err = multierr.Append(err, fmt.Errorf("waiting for background loops: %w", ctx.Err()))
	}

	if s.registry != nil {
		err = multierr.Append(err, s.registry.Close(ctx))
	}

	if err != nil {
		s.logger.Error("fan-out service stopped with errors", "error", err)
		return err
	}
	s.logger.Info("fan-out service stopped", "node", s.cfg.NodeID)

	return nil
}

// IsStarted reports whether the service is running.
func (s *Service) IsStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.running && !s.stopped
}

// NodeID returns this node's identity.
func (s *Service) NodeID() string { return s.cfg.NodeID }

// Nodes returns the live nodes last reported by the node monitor.
func (s *Service) Nodes() []string {
	if !s.IsStarted() {
		return nil
	}

	return s.monitor.Nodes()
}

// NewSubscription creates a subscription owned by this node.
//
// OwnerNodeID is set to the node id and alarm status subscriptions get
// AlarmStatusCacheSize as cache limit unless the params carry one.
func (s *Service) NewSubscription(p SubscriptionParams) *Subscription {
	p.OwnerNodeID = s.cfg.NodeID
	if p.AlarmCacheLimit <= 0 {
		p.AlarmCacheLimit = s.cfg.AlarmStatusCacheSize
	}

	return types.NewSubscription(p)
}

// Subscribe registers a subscription. Its handler is invoked asynchronously
// with every matching update until the subscription is canceled.
//
// Returns:
//   - error: ErrNotStarted, ErrInvalidSubscription or ErrRateLimited
func (s *Service) Subscribe(ctx context.Context, sub *Subscription) error {
	if !s.IsStarted() {
		return ErrNotStarted
	}

	return s.registry.Subscribe(ctx, sub)
}

// Cancel removes one subscription.
//
// Returns:
//   - error: ErrNotStarted or ErrStaleReference when the subscription does not exist
func (s *Service) Cancel(ctx context.Context, tenantID, sessionID string, subscriptionID int) error {
	if !s.IsStarted() {
		return ErrNotStarted
	}

	return s.registry.Cancel(ctx, tenantID, sessionID, subscriptionID)
}

// CancelAllForSession removes every subscription of a session.
//
// Returns:
//   - int: Number of removed subscriptions
//   - error: ErrNotStarted
func (s *Service) CancelAllForSession(ctx context.Context, sessionID string) (int, error) {
	if !s.IsStarted() {
		return 0, ErrNotStarted
	}

	return s.registry.CancelAllForSession(ctx, sessionID), nil
}

// PublishTimeseries publishes new time-series values of an entity.
func (s *Service) PublishTimeseries(ctx context.Context, tenantID, entityID string, values []TsValue) error {
	return s.publish(ctx, Update{
		TenantID: tenantID,
		EntityID: entityID,
		Kind:     KindTimeseries,
		Values:   values,
	})
}

// PublishAttributes publishes new attribute values of an entity in scope.
func (s *Service) PublishAttributes(ctx context.Context, tenantID, entityID string, scope Scope, values []TsValue) error {
	return s.publish(ctx, Update{
		TenantID: tenantID,
		EntityID: entityID,
		Kind:     KindAttributes,
		Scope:    scope,
		Values:   values,
	})
}

// DeleteAttributes publishes the deletion of attribute keys of an entity in scope.
func (s *Service) DeleteAttributes(ctx context.Context, tenantID, entityID string, scope Scope, keys []string) error {
	values := make([]TsValue, len(keys))
	for i, key := range keys {
		values[i] = TsValue{Key: key, Ts: s.clock.Now().UnixMilli()}
	}

	return s.publish(ctx, Update{
		TenantID: tenantID,
		EntityID: entityID,
		Kind:     KindAttributes,
		Scope:    scope,
		Values:   values,
		Deleted:  true,
	})
}

// PublishAlarm publishes an alarm change. The alarm's originator is the entity.
func (s *Service) PublishAlarm(ctx context.Context, tenantID string, alarm Alarm) error {
	return s.publish(ctx, Update{
		TenantID: tenantID,
		EntityID: alarm.Originator,
		Kind:     KindAlarms,
		Alarm:    &alarm,
	})
}

// PublishNotification publishes a notification addressed to the entity
// recipientID (usually a user).
func (s *Service) PublishNotification(ctx context.Context, tenantID, recipientID string, notification Notification) error {
	return s.publish(ctx, Update{
		TenantID:     tenantID,
		EntityID:     recipientID,
		Kind:         KindNotifications,
		Notification: &notification,
	})
}

func (s *Service) publish(ctx context.Context, update Update) error {
	if !s.IsStarted() {
		return ErrNotStarted
	}
	if update.TenantID == "" || update.EntityID == "" {
		return fmt.Errorf("%w: update requires tenant and entity ids", ErrInvalidSubscription)
	}

	if err := s.router.PublishUpdate(ctx, update); err != nil {
		err = natsutil.WrapConnectivity(err)
		if errors.Is(err, ErrConnectivity) {
			s.runHook("OnError", func(ctx context.Context) error {
				return s.hooks.OnError(ctx, err)
			})
		}

		return err
	}

	return nil
}

// Stats is a point-in-time view of one node.
type Stats struct {
	// Local registry.
	Sessions      int
	Subscriptions int
	LocalEntities int
	Pending       int

	// Subscription manager of owned partitions.
	OwnedEntities   int
	RemoteInterests int
	UpdateRecords   int

	OwnedPartitions int
	Nodes           int
}

// Stats returns counters describing the node. The zero value is returned
// before Start.
func (s *Service) Stats() Stats {
	if !s.IsStarted() {
		return Stats{}
	}

	rs := s.registry.Stats()
	ms := s.manager.Stats()

	return Stats{
		Sessions:        rs.Sessions,
		Subscriptions:   rs.Subscriptions,
		LocalEntities:   rs.Entities,
		Pending:         rs.Pending,
		OwnedEntities:   ms.Entities,
		RemoteInterests: ms.NodeEntries,
		UpdateRecords:   ms.UpdateRecords,
		OwnedPartitions: len(s.resolver.OwnedPartitions()),
		Nodes:           len(s.monitor.Nodes()),
	}
}

// OwnerOf returns the node owning the entity's partition.
func (s *Service) OwnerOf(tenantID, entityID string) (string, error) {
	if !s.IsStarted() {
		return "", ErrNotStarted
	}

	return s.resolver.ResolveOwner(tenantID, entityID)
}
