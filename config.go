package fanout

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/thingsboard/thingsboard-sub020/ratelimit"
	"github.com/thingsboard/thingsboard-sub020/transport"
)

// QueueConfig configures the JetStream stream and per-node durable consumer
// carrying inter-node messages.
type QueueConfig struct {
	// StreamName is the JetStream stream holding every node's queue.
	StreamName string `yaml:"streamName"`

	// SubjectPrefix prefixes queue subjects: <prefix>.<nodeID>.<entityID>.
	SubjectPrefix string `yaml:"subjectPrefix"`

	// ConsumerPrefix prefixes the durable consumer name: <prefix>-<nodeID>.
	ConsumerPrefix string `yaml:"consumerPrefix"`

	// AckWait is how long the broker waits for an acknowledgement before redelivery.
	AckWait time.Duration `yaml:"ackWait"`

	// MaxDeliver bounds delivery attempts of one message.
	MaxDeliver int `yaml:"maxDeliver"`

	// FetchTimeout is the maximum wait of one pull request.
	FetchTimeout time.Duration `yaml:"fetchTimeout"`

	// BatchSize is the number of messages fetched per pull request.
	BatchSize int `yaml:"batchSize"`

	// RetryBackoff is the base delay between consumer recovery attempts.
	RetryBackoff time.Duration `yaml:"retryBackoff"`

	// DuplicateWindow is the message-id deduplication window of the stream.
	DuplicateWindow time.Duration `yaml:"duplicateWindow"`

	// MaxAge bounds how long undelivered messages stay in the stream.
	MaxAge time.Duration `yaml:"maxAge"`

	// MemoryStorage keeps the stream in memory instead of on disk.
	MemoryStorage bool `yaml:"memoryStorage"`
}

// KVBucketConfig configures NATS JetStream KV bucket names.
type KVBucketConfig struct {
	// HeartbeatBucket is the bucket holding node heartbeats. Its TTL is HeartbeatTTL.
	HeartbeatBucket string `yaml:"heartbeatBucket"`
}

// RateLimitConfig holds subscription rate limit policies.
//
// A policy is a comma separated list of "capacity:seconds" pairs, e.g.
// "100:1,1000:60". An empty policy disables the limit.
type RateLimitConfig struct {
	TenantSubscriptions string `yaml:"tenantSubscriptions"`
	UserSubscriptions   string `yaml:"userSubscriptions"`
}

// Config is the configuration of a Service.
//
// All duration fields accept standard Go duration strings like "30s", "5m", "1h".
type Config struct {
	// NodeID identifies this node in the cluster. Must be unique and stable
	// across restarts so the durable queue consumer is resumed.
	NodeID string `yaml:"nodeId"`

	// PartitionCount is the number of entity partitions distributed over the nodes.
	PartitionCount int `yaml:"partitionCount"`

	// VirtualNodes is the number of virtual nodes per node on the hash ring.
	VirtualNodes int `yaml:"virtualNodes"`

	// DispatchWorkers is the number of goroutines running subscription callbacks.
	DispatchWorkers int `yaml:"dispatchWorkers"`

	// DispatchQueueSize bounds callbacks waiting for a worker. Overflowing
	// callbacks are dropped and counted.
	DispatchQueueSize int `yaml:"dispatchQueueSize"`

	// AlarmStatusCacheSize is the default number of active alarm ids an
	// alarm status subscription caches before a store refill is needed.
	AlarmStatusCacheSize int `yaml:"alarmStatusCacheSize"`

	// LockShards is the number of shards of the per-tenant and per-entity lock tables.
	LockShards int `yaml:"lockShards"`

	// ReconcileConcurrency bounds parallel store queries of one reconciliation.
	ReconcileConcurrency int `yaml:"reconcileConcurrency"`

	// PendingTimeout forces reconciliation of subscriptions whose delta was
	// never acknowledged by the partition owner. 0 disables the timeout.
	PendingTimeout time.Duration `yaml:"pendingTimeout"`

	// StaleSessionSweepInterval is how often subscriptions of disconnected
	// sessions and expired pending entries are swept.
	StaleSessionSweepInterval time.Duration `yaml:"staleSessionSweepInterval"`

	// UpdatesInfoGCInterval is how often stale update timestamp records are collected.
	UpdatesInfoGCInterval time.Duration `yaml:"updatesInfoGcInterval"`

	// UpdatesInfoTTL is how long an update timestamp record survives without updates.
	UpdatesInfoTTL time.Duration `yaml:"updatesInfoTtl"`

	// ErrorReportCooldown suppresses repeated identical session errors.
	ErrorReportCooldown time.Duration `yaml:"errorReportCooldown"`

	// ErrorReportCacheSize bounds the number of remembered session errors.
	ErrorReportCacheSize int `yaml:"errorReportCacheSize"`

	// RateLimiterCacheSize bounds the number of rate limited keys kept in memory.
	RateLimiterCacheSize int `yaml:"rateLimiterCacheSize"`

	// OperationTimeout bounds each background sweep and KV operation.
	OperationTimeout time.Duration `yaml:"operationTimeout"`

	// StartupTimeout bounds provisioning of the stream, buckets and consumer.
	StartupTimeout time.Duration `yaml:"startupTimeout"`

	// ShutdownTimeout bounds Stop when the caller's context has no deadline.
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`

	// HeartbeatInterval is how often the node publishes its heartbeat.
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`

	// HeartbeatTTL is how long a heartbeat stays valid. A node whose heartbeat
	// expires is considered shut down.
	HeartbeatTTL time.Duration `yaml:"heartbeatTtl"`

	// Queue controls the inter-node queue.
	Queue QueueConfig `yaml:"queue"`

	// KVBuckets controls NATS JetStream KV bucket configuration.
	KVBuckets KVBucketConfig `yaml:"kvBuckets"`

	// RateLimits controls subscription rate limiting.
	RateLimits RateLimitConfig `yaml:"rateLimits"`
}

// DefaultConfig returns a Config with sensible defaults. NodeID is left empty.
//
// Returns:
//   - Config: Configuration with default values
func DefaultConfig() Config {
	return Config{
		PartitionCount:            64,
		VirtualNodes:              150,
		DispatchWorkers:           8,
		DispatchQueueSize:         10000,
		AlarmStatusCacheSize:      10,
		LockShards:                256,
		ReconcileConcurrency:      8,
		PendingTimeout:            time.Minute,
		StaleSessionSweepInterval: time.Minute,
		UpdatesInfoGCInterval:     time.Hour,
		UpdatesInfoTTL:            time.Hour,
		ErrorReportCooldown:       time.Minute,
		ErrorReportCacheSize:      10000,
		RateLimiterCacheSize:      65536,
		OperationTimeout:          10 * time.Second,
		StartupTimeout:            30 * time.Second,
		ShutdownTimeout:           10 * time.Second,
		HeartbeatInterval:         2 * time.Second,
		HeartbeatTTL:              6 * time.Second,
		Queue: QueueConfig{
			StreamName:      transport.DefaultStreamName,
			SubjectPrefix:   transport.DefaultSubjectPrefix,
			ConsumerPrefix:  transport.DefaultConsumerPrefix,
			AckWait:         transport.DefaultAckWait,
			MaxDeliver:      transport.DefaultMaxDeliver,
			FetchTimeout:    transport.DefaultFetchTimeout,
			BatchSize:       transport.DefaultBatchSize,
			RetryBackoff:    transport.DefaultRetryBackoff,
			DuplicateWindow: transport.DefaultDuplicateWindow,
			MaxAge:          transport.DefaultMaxAge,
		},
		KVBuckets: KVBucketConfig{
			HeartbeatBucket: "fanout-heartbeat",
		},
	}
}

// SetDefaults fills in missing configuration values with production defaults.
//
// Parameters:
//   - cfg: Config to apply defaults to (modified in place)
func SetDefaults(cfg *Config) {
	defaults := DefaultConfig()

	setInt(&cfg.PartitionCount, defaults.PartitionCount)
	setInt(&cfg.VirtualNodes, defaults.VirtualNodes)
	setInt(&cfg.DispatchWorkers, defaults.DispatchWorkers)
	setInt(&cfg.DispatchQueueSize, defaults.DispatchQueueSize)
	setInt(&cfg.AlarmStatusCacheSize, defaults.AlarmStatusCacheSize)
	setInt(&cfg.LockShards, defaults.LockShards)
	setInt(&cfg.ReconcileConcurrency, defaults.ReconcileConcurrency)
	setInt(&cfg.ErrorReportCacheSize, defaults.ErrorReportCacheSize)
	setInt(&cfg.RateLimiterCacheSize, defaults.RateLimiterCacheSize)
	setInt(&cfg.Queue.MaxDeliver, defaults.Queue.MaxDeliver)
	setInt(&cfg.Queue.BatchSize, defaults.Queue.BatchSize)

	setDuration(&cfg.StaleSessionSweepInterval, defaults.StaleSessionSweepInterval)
	setDuration(&cfg.UpdatesInfoGCInterval, defaults.UpdatesInfoGCInterval)
	setDuration(&cfg.UpdatesInfoTTL, defaults.UpdatesInfoTTL)
	setDuration(&cfg.ErrorReportCooldown, defaults.ErrorReportCooldown)
	setDuration(&cfg.OperationTimeout, defaults.OperationTimeout)
	setDuration(&cfg.StartupTimeout, defaults.StartupTimeout)
	setDuration(&cfg.ShutdownTimeout, defaults.ShutdownTimeout)
	setDuration(&cfg.HeartbeatInterval, defaults.HeartbeatInterval)
	setDuration(&cfg.HeartbeatTTL, defaults.HeartbeatTTL)
	setDuration(&cfg.Queue.AckWait, defaults.Queue.AckWait)
	setDuration(&cfg.Queue.FetchTimeout, defaults.Queue.FetchTimeout)
	setDuration(&cfg.Queue.RetryBackoff, defaults.Queue.RetryBackoff)
	setDuration(&cfg.Queue.DuplicateWindow, defaults.Queue.DuplicateWindow)
	setDuration(&cfg.Queue.MaxAge, defaults.Queue.MaxAge)
	// PendingTimeout of 0 is valid (no timeout), so no default is applied.

	if cfg.Queue.StreamName == "" {
		cfg.Queue.StreamName = defaults.Queue.StreamName
	}
	if cfg.Queue.SubjectPrefix == "" {
		cfg.Queue.SubjectPrefix = defaults.Queue.SubjectPrefix
	}
	if cfg.Queue.ConsumerPrefix == "" {
		cfg.Queue.ConsumerPrefix = defaults.Queue.ConsumerPrefix
	}
	if cfg.KVBuckets.HeartbeatBucket == "" {
		cfg.KVBuckets.HeartbeatBucket = defaults.KVBuckets.HeartbeatBucket
	}
}

func setInt(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

func setDuration(v *time.Duration, def time.Duration) {
	if *v == 0 {
		*v = def
	}
}

// Validate checks configuration constraints and returns error for invalid values.
//
// Hard Validation Rules:
//   - NodeID is set
//   - PartitionCount, VirtualNodes, DispatchWorkers and DispatchQueueSize > 0
//   - HeartbeatTTL >= 2 * HeartbeatInterval (allow 1 missed heartbeat)
//   - UpdatesInfoGCInterval <= UpdatesInfoTTL (records are collected in time)
//   - rate limit policies parse
//
// Returns:
//   - error: Validation error wrapping ErrInvalidConfig, nil if valid
func (cfg *Config) Validate() error {
	if cfg.NodeID == "" {
		return fmt.Errorf("%w: NodeID is required", ErrInvalidConfig)
	}

	if cfg.PartitionCount <= 0 {
		return fmt.Errorf("%w: PartitionCount must be > 0, got %d", ErrInvalidConfig, cfg.PartitionCount)
	}

	if cfg.VirtualNodes <= 0 {
		return fmt.Errorf("%w: VirtualNodes must be > 0, got %d", ErrInvalidConfig, cfg.VirtualNodes)
	}

	if cfg.DispatchWorkers <= 0 || cfg.DispatchQueueSize <= 0 {
		return fmt.Errorf(
			"%w: DispatchWorkers (%d) and DispatchQueueSize (%d) must be > 0",
			ErrInvalidConfig, cfg.DispatchWorkers, cfg.DispatchQueueSize,
		)
	}

	if cfg.HeartbeatTTL < 2*cfg.HeartbeatInterval {
		return fmt.Errorf(
			"%w: HeartbeatTTL (%v) must be >= 2*HeartbeatInterval (%v) to allow one missed heartbeat",
			ErrInvalidConfig, cfg.HeartbeatTTL, cfg.HeartbeatInterval,
		)
	}

	if cfg.UpdatesInfoGCInterval > cfg.UpdatesInfoTTL {
		return fmt.Errorf(
			"%w: UpdatesInfoGCInterval (%v) must not exceed UpdatesInfoTTL (%v)",
			ErrInvalidConfig, cfg.UpdatesInfoGCInterval, cfg.UpdatesInfoTTL,
		)
	}

	if cfg.PendingTimeout < 0 {
		return fmt.Errorf("%w: PendingTimeout must be >= 0, got %v", ErrInvalidConfig, cfg.PendingTimeout)
	}

	for name, policy := range map[string]string{
		"TenantSubscriptions": cfg.RateLimits.TenantSubscriptions,
		"UserSubscriptions":   cfg.RateLimits.UserSubscriptions,
	} {
		if policy == "" {
			continue
		}
		if _, err := ratelimit.ParsePolicy(policy); err != nil {
			return fmt.Errorf("%w: RateLimits.%s: %w", ErrInvalidConfig, name, err)
		}
	}

	return nil
}

// ValidateWithWarnings logs warnings for valid but non-recommended values.
//
// This is called after Validate() in NewService() to provide operator guidance.
//
// Parameters:
//   - logger: Logger instance for warning output
func (cfg *Config) ValidateWithWarnings(logger Logger) {
	if cfg.HeartbeatTTL < 3*cfg.HeartbeatInterval {
		logger.Warn(
			"HeartbeatTTL is below recommended minimum",
			"heartbeatTTL", cfg.HeartbeatTTL,
			"heartbeatInterval", cfg.HeartbeatInterval,
			"recommended", 3*cfg.HeartbeatInterval,
		)
	}

	if cfg.PendingTimeout > 0 && cfg.PendingTimeout < cfg.Queue.AckWait {
		logger.Warn(
			"PendingTimeout is shorter than the queue AckWait, redelivered deltas may race forced reconciliation",
			"pendingTimeout", cfg.PendingTimeout,
			"ackWait", cfg.Queue.AckWait,
		)
	}

	if cfg.PendingTimeout > 0 && cfg.StaleSessionSweepInterval > cfg.PendingTimeout {
		logger.Warn(
			"StaleSessionSweepInterval exceeds PendingTimeout, expired pending subscriptions are detected late",
			"sweepInterval", cfg.StaleSessionSweepInterval,
			"pendingTimeout", cfg.PendingTimeout,
		)
	}
}

// transportConfig maps the queue settings onto the transport configuration.
func (cfg *Config) transportConfig(logger Logger, metrics MetricsCollector) transport.Config {
	storage := jetstream.FileStorage
	if cfg.Queue.MemoryStorage {
		storage = jetstream.MemoryStorage
	}

	return transport.Config{
		StreamName:      cfg.Queue.StreamName,
		SubjectPrefix:   cfg.Queue.SubjectPrefix,
		ConsumerPrefix:  cfg.Queue.ConsumerPrefix,
		AckWait:         cfg.Queue.AckWait,
		MaxDeliver:      cfg.Queue.MaxDeliver,
		FetchTimeout:    cfg.Queue.FetchTimeout,
		BatchSize:       cfg.Queue.BatchSize,
		RetryBackoff:    cfg.Queue.RetryBackoff,
		DuplicateWindow: cfg.Queue.DuplicateWindow,
		MaxAge:          cfg.Queue.MaxAge,
		Storage:         storage,
		Logger:          logger,
		Metrics:         metrics,
	}
}

// TestConfig returns a configuration optimized for fast test execution.
//
// Use DefaultConfig() for production deployments.
//
// Returns:
//   - Config: Configuration with fast timings and in-memory queue storage
//
// Example:
//
//	cfg := fanout.TestConfig()
//	cfg.NodeID = "node-0"
//	svc, err := fanout.NewService(nc, cfg)
func TestConfig() Config {
	cfg := DefaultConfig()

	cfg.PartitionCount = 16
	cfg.VirtualNodes = 50
	cfg.DispatchWorkers = 2
	cfg.PendingTimeout = 2 * time.Second
	cfg.StaleSessionSweepInterval = 200 * time.Millisecond
	cfg.UpdatesInfoGCInterval = time.Second
	cfg.UpdatesInfoTTL = 5 * time.Second
	cfg.HeartbeatInterval = 200 * time.Millisecond
	cfg.HeartbeatTTL = 1 * time.Second
	cfg.Queue.FetchTimeout = 200 * time.Millisecond
	cfg.Queue.AckWait = 2 * time.Second
	cfg.Queue.MemoryStorage = true

	return cfg
}
