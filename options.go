package fanout

import (
	"log/slog"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/thingsboard/thingsboard-sub020/internal/logging"
	"github.com/thingsboard/thingsboard-sub020/internal/metrics"
)

// Option configures a Service with optional dependencies.
type Option func(*serviceOptions)

// serviceOptions holds optional Service configuration.
type serviceOptions struct {
	logger   Logger
	metrics  MetricsCollector
	clock    clock.Clock
	stores   Stores
	session  SessionTransport
	resolver PartitionResolver
	limiter  RateLimiter
	hooks    *Hooks
}

// WithLogger sets a logger.
//
// Parameters:
//   - logger: Logger implementation (compatible with zap.SugaredLogger)
//
// Returns:
//   - Option: Functional option for NewService
//
// Example:
//
//	svc, err := fanout.NewService(nc, cfg, fanout.WithLogger(fanout.NewSlogLogger(slog.Default())))
func WithLogger(logger Logger) Option {
	return func(o *serviceOptions) {
		o.logger = logger
	}
}

// WithMetrics sets a metrics collector.
//
// Parameters:
//   - metrics: MetricsCollector implementation
//
// Returns:
//   - Option: Functional option for NewService
//
// Example:
//
//	collector := fanout.NewPrometheusMetrics(prometheus.DefaultRegisterer, "fanout")
//	svc, err := fanout.NewService(nc, cfg, fanout.WithMetrics(collector))
func WithMetrics(metrics MetricsCollector) Option {
	return func(o *serviceOptions) {
		o.metrics = metrics
	}
}

// WithClock sets the clock used for timestamps, rate limits and error cooldowns.
func WithClock(c clock.Clock) Option {
	return func(o *serviceOptions) {
		o.clock = c
	}
}

// WithStores sets the stores used for missed-update reconciliation and alarm
// status refills. Without stores reconciliation is skipped.
//
// Parameters:
//   - stores: Store bundle; any field may be nil
//
// Returns:
//   - Option: Functional option for NewService
func WithStores(stores Stores) Option {
	return func(o *serviceOptions) {
		o.stores = stores
	}
}

// WithSessionTransport sets the client session layer.
//
// The session transport receives rate limit errors and tells the stale
// session sweep which sessions are gone. Without it neither happens.
func WithSessionTransport(session SessionTransport) Option {
	return func(o *serviceOptions) {
		o.session = session
	}
}

// WithPartitionResolver replaces the built-in consistent hash resolver.
//
// A custom resolver owns the partition layout: node monitor changes no
// longer rebuild a ring, they only trigger republishing.
func WithPartitionResolver(resolver PartitionResolver) Option {
	return func(o *serviceOptions) {
		o.resolver = resolver
	}
}

// WithRateLimiter replaces the built-in token bucket limiter.
func WithRateLimiter(limiter RateLimiter) Option {
	return func(o *serviceOptions) {
		o.limiter = limiter
	}
}

// WithHooks sets lifecycle callbacks.
//
// Parameters:
//   - hooks: Hooks with optional callbacks; nil callbacks are skipped
//
// Returns:
//   - Option: Functional option for NewService
func WithHooks(hooks *Hooks) Option {
	return func(o *serviceOptions) {
		o.hooks = hooks
	}
}

// NewSlogLogger adapts a *slog.Logger to the Logger interface.
//
// Parameters:
//   - logger: The slog logger (slog.Default() when nil)
//
// Returns:
//   - Logger: Structured logger for WithLogger
func NewSlogLogger(logger *slog.Logger) Logger {
	return logging.NewSlog(logger)
}

// NewPrometheusMetrics creates a collector registering its metrics on reg
// under namespace.
func NewPrometheusMetrics(reg prometheus.Registerer, namespace string) MetricsCollector {
	return metrics.NewPrometheus(reg, namespace)
}
