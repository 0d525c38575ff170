package transport

import (
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/thingsboard/thingsboard-sub020/internal/logger"
	"github.com/thingsboard/thingsboard-sub020/internal/metrics"
	"github.com/thingsboard/thingsboard-sub020/types"
)

// Default configuration values for the queue transport.
const (
	// DefaultStreamName is the JetStream stream carrying inter-node messages.
	DefaultStreamName = "fanout-queue"

	// DefaultSubjectPrefix prefixes every queue subject: <prefix>.<nodeID>.<entityID>.
	DefaultSubjectPrefix = "fanout.node"

	// DefaultConsumerPrefix prefixes the per-node durable consumer name.
	DefaultConsumerPrefix = "fanout"

	// DefaultBatchSize is the default number of messages to fetch per pull request.
	DefaultBatchSize = 64

	// DefaultMaxWaiting is the default maximum number of outstanding pull requests.
	DefaultMaxWaiting = 512

	// DefaultFetchTimeout is the default maximum duration to wait for messages.
	DefaultFetchTimeout = 5 * time.Second

	// DefaultMaxRetries is the default number of consumer creation retries.
	DefaultMaxRetries = 3

	// DefaultRetryBackoff is the base delay between consumer retries.
	DefaultRetryBackoff = 100 * time.Millisecond

	// DefaultRetryBackoffMax caps the delay between consumer retries.
	DefaultRetryBackoffMax = 2 * time.Second

	// DefaultRetryMultiplier is the growth factor of the retry delay.
	DefaultRetryMultiplier = 1.6

	// DefaultAckWait is the default duration to wait for acknowledgment.
	DefaultAckWait = 30 * time.Second

	// DefaultMaxDeliver is the default maximum delivery attempts.
	DefaultMaxDeliver = 5

	// DefaultInactiveThreshold is the default inactive consumer cleanup threshold.
	DefaultInactiveThreshold = 24 * time.Hour

	// DefaultDuplicateWindow is the stream's message-id deduplication window.
	DefaultDuplicateWindow = 2 * time.Minute

	// DefaultMaxAge bounds how long undelivered messages stay in the stream.
	DefaultMaxAge = time.Hour

	// DefaultPublishTimeout bounds the wait for a publish acknowledgement.
	DefaultPublishTimeout = 5 * time.Second
)

// Config configures the JetStream producer, stream and node consumer.
//
// Zero values are replaced by defaults via ApplyDefaults.
type Config struct {
	StreamName     string
	SubjectPrefix  string
	ConsumerPrefix string

	AckWait           time.Duration
	MaxDeliver        int
	InactiveThreshold time.Duration
	DuplicateWindow   time.Duration
	MaxAge            time.Duration
	Storage           jetstream.StorageType
	Replicas          int

	BatchSize    int
	MaxWaiting   int
	FetchTimeout time.Duration

	MaxRetries      int
	RetryBackoff    time.Duration
	RetryBackoffMax time.Duration
	RetryMultiplier float64
	// RetrySeed makes retry jitter deterministic when non-zero.
	RetrySeed int64

	PublishTimeout time.Duration

	Logger  types.Logger
	Metrics types.TransportMetrics
}

// ApplyDefaults fills unset fields with defaults.
func (cfg *Config) ApplyDefaults() {
	if cfg.StreamName == "" {
		cfg.StreamName = DefaultStreamName
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = DefaultSubjectPrefix
	}
	if cfg.ConsumerPrefix == "" {
		cfg.ConsumerPrefix = DefaultConsumerPrefix
	}
	if cfg.AckWait == 0 {
		cfg.AckWait = DefaultAckWait
	}
	if cfg.MaxDeliver == 0 {
		cfg.MaxDeliver = DefaultMaxDeliver
	}
	if cfg.InactiveThreshold == 0 {
		cfg.InactiveThreshold = DefaultInactiveThreshold
	}
	if cfg.DuplicateWindow == 0 {
		cfg.DuplicateWindow = DefaultDuplicateWindow
	}
	if cfg.MaxAge == 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if cfg.Replicas == 0 {
		cfg.Replicas = 1
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.MaxWaiting == 0 {
		cfg.MaxWaiting = DefaultMaxWaiting
	}
	if cfg.FetchTimeout == 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	if cfg.RetryBackoffMax == 0 {
		cfg.RetryBackoffMax = DefaultRetryBackoffMax
	}
	if cfg.RetryMultiplier == 0 {
		cfg.RetryMultiplier = DefaultRetryMultiplier
	}
	if cfg.PublishTimeout == 0 {
		cfg.PublishTimeout = DefaultPublishTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewNop()
	}
}
