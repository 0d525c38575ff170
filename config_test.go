package fanout

import (
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/thingsboard/thingsboard-sub020/internal/logger"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	require.Empty(t, cfg.NodeID)
	require.Equal(t, 64, cfg.PartitionCount)
	require.Equal(t, 150, cfg.VirtualNodes)
	require.Equal(t, 8, cfg.DispatchWorkers)
	require.Equal(t, 10000, cfg.DispatchQueueSize)
	require.Equal(t, 10, cfg.AlarmStatusCacheSize)
	require.Equal(t, time.Minute, cfg.PendingTimeout)
	require.Equal(t, time.Hour, cfg.UpdatesInfoGCInterval)
	require.Equal(t, time.Hour, cfg.UpdatesInfoTTL)
	require.Equal(t, 2*time.Second, cfg.HeartbeatInterval)
	require.Equal(t, 6*time.Second, cfg.HeartbeatTTL)
	require.Equal(t, "fanout-queue", cfg.Queue.StreamName)
	require.Equal(t, "fanout.node", cfg.Queue.SubjectPrefix)
	require.Equal(t, "fanout-heartbeat", cfg.KVBuckets.HeartbeatBucket)
	require.Empty(t, cfg.RateLimits.TenantSubscriptions)
}

func TestSetDefaults(t *testing.T) {
	t.Run("applies defaults to empty config", func(t *testing.T) {
		cfg := Config{}
		SetDefaults(&cfg)

		require.Equal(t, 64, cfg.PartitionCount)
		require.Equal(t, 256, cfg.LockShards)
		require.Equal(t, time.Minute, cfg.StaleSessionSweepInterval)
		require.Equal(t, 5, cfg.Queue.MaxDeliver)
		require.Equal(t, "fanout", cfg.Queue.ConsumerPrefix)
		require.Zero(t, cfg.PendingTimeout, "zero pending timeout means disabled")
	})

	t.Run("preserves custom values", func(t *testing.T) {
		cfg := Config{
			NodeID:            "node-7",
			PartitionCount:    12,
			VirtualNodes:      20,
			DispatchWorkers:   3,
			HeartbeatInterval: 5 * time.Second,
			HeartbeatTTL:      15 * time.Second,
			UpdatesInfoTTL:    2 * time.Hour,
			Queue: QueueConfig{
				StreamName: "custom-queue",
				MaxDeliver: 9,
			},
			KVBuckets:  KVBucketConfig{HeartbeatBucket: "custom-hb"},
			RateLimits: RateLimitConfig{TenantSubscriptions: "10:1"},
		}
		SetDefaults(&cfg)

		require.Equal(t, "node-7", cfg.NodeID)
		require.Equal(t, 12, cfg.PartitionCount)
		require.Equal(t, 20, cfg.VirtualNodes)
		require.Equal(t, 3, cfg.DispatchWorkers)
		require.Equal(t, 5*time.Second, cfg.HeartbeatInterval)
		require.Equal(t, 15*time.Second, cfg.HeartbeatTTL)
		require.Equal(t, 2*time.Hour, cfg.UpdatesInfoTTL)
		require.Equal(t, "custom-queue", cfg.Queue.StreamName)
		require.Equal(t, 9, cfg.Queue.MaxDeliver)
		require.Equal(t, "custom-hb", cfg.KVBuckets.HeartbeatBucket)
		require.Equal(t, "10:1", cfg.RateLimits.TenantSubscriptions)
	})
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		cfg := DefaultConfig()
		cfg.NodeID = "node-0"

		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "missing node id", mutate: func(c *Config) { c.NodeID = "" }, errMsg: "NodeID"},
		{name: "zero partitions", mutate: func(c *Config) { c.PartitionCount = 0 }, errMsg: "PartitionCount"},
		{name: "zero dispatch workers", mutate: func(c *Config) { c.DispatchWorkers = 0 }, errMsg: "DispatchWorkers"},
		{
			name:   "heartbeat ttl too short",
			mutate: func(c *Config) { c.HeartbeatTTL = c.HeartbeatInterval },
			errMsg: "HeartbeatTTL",
		},
		{
			name:   "gc interval beyond ttl",
			mutate: func(c *Config) { c.UpdatesInfoGCInterval = 2 * c.UpdatesInfoTTL },
			errMsg: "UpdatesInfoGCInterval",
		},
		{
			name:   "negative pending timeout",
			mutate: func(c *Config) { c.PendingTimeout = -time.Second },
			errMsg: "PendingTimeout",
		},
		{
			name:   "bad rate limit policy",
			mutate: func(c *Config) { c.RateLimits.UserSubscriptions = "ten:per-second" },
			errMsg: "UserSubscriptions",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.errMsg == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrInvalidConfig)
			require.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestConfig_ValidateWithWarnings(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NodeID = "node-0"
	cfg.HeartbeatTTL = 2 * cfg.HeartbeatInterval
	cfg.PendingTimeout = time.Second

	require.NoError(t, cfg.Validate())
	require.NotPanics(t, func() { cfg.ValidateWithWarnings(logger.NewTest(t)) })
}

func TestTestConfig(t *testing.T) {
	cfg := TestConfig()
	cfg.NodeID = "node-0"

	require.NoError(t, cfg.Validate())
	require.True(t, cfg.Queue.MemoryStorage)
	require.Less(t, cfg.HeartbeatInterval, DefaultConfig().HeartbeatInterval)
}

// TestConfig_YAML demonstrates that time.Duration works directly with YAML unmarshaling
func TestConfig_YAML(t *testing.T) {
	yamlConfig := `
nodeId: "node-3"
partitionCount: 32
dispatchWorkers: 4
pendingTimeout: 30s
updatesInfoTtl: 2h
updatesInfoGcInterval: 30m
heartbeatInterval: 3s
heartbeatTtl: 9s
queue:
  streamName: "tb-queue"
  ackWait: 45s
  memoryStorage: true
kvBuckets:
  heartbeatBucket: "tb-heartbeat"
rateLimits:
  tenantSubscriptions: "100:1,1000:60"
  userSubscriptions: "10:1"
`

	var cfg Config
	err := yaml.Unmarshal([]byte(yamlConfig), &cfg)
	require.NoError(t, err)

	require.Equal(t, "node-3", cfg.NodeID)
	require.Equal(t, 32, cfg.PartitionCount)
	require.Equal(t, 4, cfg.DispatchWorkers)
	require.Equal(t, 30*time.Second, cfg.PendingTimeout)
	require.Equal(t, 2*time.Hour, cfg.UpdatesInfoTTL)
	require.Equal(t, 30*time.Minute, cfg.UpdatesInfoGCInterval)
	require.Equal(t, 3*time.Second, cfg.HeartbeatInterval)
	require.Equal(t, 9*time.Second, cfg.HeartbeatTTL)
	require.Equal(t, "tb-queue", cfg.Queue.StreamName)
	require.Equal(t, 45*time.Second, cfg.Queue.AckWait)
	require.True(t, cfg.Queue.MemoryStorage)
	require.Equal(t, "tb-heartbeat", cfg.KVBuckets.HeartbeatBucket)
	require.Equal(t, "100:1,1000:60", cfg.RateLimits.TenantSubscriptions)

	SetDefaults(&cfg)
	require.NoError(t, cfg.Validate())
}

// TestConfig_DefaultsWithPartialYAML demonstrates using SetDefaults with partial config
func TestConfig_DefaultsWithPartialYAML(t *testing.T) {
	yamlConfig := `
nodeId: "node-1"
heartbeatInterval: 1s
`

	var cfg Config
	err := yaml.Unmarshal([]byte(yamlConfig), &cfg)
	require.NoError(t, err)

	SetDefaults(&cfg)

	require.Equal(t, "node-1", cfg.NodeID)
	require.Equal(t, time.Second, cfg.HeartbeatInterval)
	require.Equal(t, 6*time.Second, cfg.HeartbeatTTL)
	require.Equal(t, 64, cfg.PartitionCount)
	require.Equal(t, "fanout-queue", cfg.Queue.StreamName)
	require.NoError(t, cfg.Validate())
}

func TestConfig_TransportConfig(t *testing.T) {
	cfg := TestConfig()
	tcfg := cfg.transportConfig(logger.NewNop(), nil)

	require.Equal(t, cfg.Queue.StreamName, tcfg.StreamName)
	require.Equal(t, cfg.Queue.AckWait, tcfg.AckWait)
	require.Equal(t, jetstream.MemoryStorage, tcfg.Storage)
}
