package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/thingsboard/thingsboard-sub020/types"
)

// PrometheusCollector implements types.MetricsCollector backed by Prometheus.
//
// Collectors are created and registered lazily on first use so that a
// collector which is never exercised does not pollute the registry.
type PrometheusCollector struct {
	*NopMetrics

	reg       prometheus.Registerer
	namespace string
	once      sync.Once

	subsAdded       *prometheus.CounterVec
	subsRemoved     prometheus.Counter
	rateLimited     *prometheus.CounterVec
	deltasSent      *prometheus.CounterVec
	reconciliations *prometheus.CounterVec
	localEntities   prometheus.Gauge

	deltasReceived   *prometheus.CounterVec
	foreignPartition *prometheus.CounterVec
	updatesForwarded *prometheus.CounterVec
	remoteEntities   prometheus.Gauge
	updatesInfoGC    prometheus.Counter

	queueSends       *prometheus.CounterVec
	queueReceives    *prometheus.CounterVec
	consumerRetries  *prometheus.CounterVec
	iteratorRestarts *prometheus.CounterVec
	dispatchDropped  prometheus.Counter
	dispatchQueue    prometheus.Gauge
	heartbeats       *prometheus.CounterVec
	nodeChanges      *prometheus.CounterVec
	activeNodes      prometheus.Gauge
}

// Compile-time assertion that PrometheusCollector implements MetricsCollector.
var _ types.MetricsCollector = (*PrometheusCollector)(nil)

// NewPrometheus creates a new Prometheus-backed metrics collector.
//
// Parameters:
//   - reg: Prometheus registerer interface (uses prometheus.DefaultRegisterer if nil)
//   - namespace: Prometheus metrics namespace (defaults to "fanout" if empty)
//
// Returns:
//   - *PrometheusCollector: A MetricsCollector implementation using Prometheus
func NewPrometheus(reg prometheus.Registerer, namespace string) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "fanout"
	}

	return &PrometheusCollector{NopMetrics: NewNop(), reg: reg, namespace: namespace}
}

func (p *PrometheusCollector) counterVec(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: p.namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labels)
	p.reg.MustRegister(c)

	return c
}

func (p *PrometheusCollector) counter(subsystem, name, help string) prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: p.namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	})
	p.reg.MustRegister(c)

	return c
}

func (p *PrometheusCollector) gauge(subsystem, name, help string) prometheus.Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: p.namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	})
	p.reg.MustRegister(g)

	return g
}

func (p *PrometheusCollector) ensureRegistered() {
	p.once.Do(func() {
		p.subsAdded = p.counterVec("registry", "subscriptions_added_total", "Total accepted subscriptions by kind.", "kind")
		p.subsRemoved = p.counter("registry", "subscriptions_removed_total", "Total cancelled subscriptions.")
		p.rateLimited = p.counterVec("registry", "rate_limited_total", "Total subscriptions rejected by rate limiting by scope.", "scope")
		p.deltasSent = p.counterVec("registry", "deltas_sent_total", "Total delta events emitted by lifecycle.", "lifecycle")
		p.reconciliations = p.counterVec("registry", "reconciliations_total", "Missed-update reconciliations by kind and result.", "kind", "result")
		p.localEntities = p.gauge("registry", "entities", "Entities with at least one local subscription.")

		p.deltasReceived = p.counterVec("manager", "deltas_received_total", "Total delta events merged by lifecycle.", "lifecycle")
		p.foreignPartition = p.counterVec("manager", "foreign_partition_total", "Deltas and updates rejected for foreign partitions.", "op")
		p.updatesForwarded = p.counterVec("manager", "updates_forwarded_total", "Updates forwarded to interested nodes by target.", "target")
		p.remoteEntities = p.gauge("manager", "entities", "Entities with cluster-wide interest owned by this node.")
		p.updatesInfoGC = p.counter("manager", "updates_info_gc_total", "Update timestamp records dropped by GC.")

		p.queueSends = p.counterVec("transport", "sends_total", "Queue publishes by message type and result.", "type", "result")
		p.queueReceives = p.counterVec("transport", "receives_total", "Consumed queue messages by type and outcome.", "type", "outcome")
		p.consumerRetries = p.counterVec("transport", "consumer_retries_total", "Node consumer control-plane retries by operation.", "op")
		p.iteratorRestarts = p.counterVec("transport", "iterator_restarts_total", "Node consumer iterator restarts by reason.", "reason")

		p.dispatchDropped = p.counter("dispatch", "dropped_total", "Callbacks dropped because the dispatch queue was full.")
		p.dispatchQueue = p.gauge("dispatch", "queue_depth", "Callbacks waiting in the dispatch queue.")

		p.heartbeats = p.counterVec("membership", "heartbeats_total", "Heartbeat publishes by result.", "result")
		p.nodeChanges = p.counterVec("membership", "node_changes_total", "Node topology changes by kind (added/removed).", "kind")
		p.activeNodes = p.gauge("membership", "active_nodes", "Current number of live nodes.")
	})
}

func result(success bool) string {
	if success {
		return "success"
	}

	return "failure"
}

// RegistryMetrics implementation

// RecordSubscriptionAdded increments accepted subscriptions for kind.
func (p *PrometheusCollector) RecordSubscriptionAdded(kind string) {
	p.ensureRegistered()
	p.subsAdded.WithLabelValues(kind).Inc()
}

// RecordSubscriptionsRemoved adds count cancelled subscriptions.
func (p *PrometheusCollector) RecordSubscriptionsRemoved(count int) {
	if count <= 0 {
		return
	}
	p.ensureRegistered()
	p.subsRemoved.Add(float64(count))
}

// RecordRateLimited increments rejected subscriptions for scope.
func (p *PrometheusCollector) RecordRateLimited(scope string) {
	p.ensureRegistered()
	p.rateLimited.WithLabelValues(scope).Inc()
}

// RecordDeltaSent increments emitted deltas for lifecycle.
func (p *PrometheusCollector) RecordDeltaSent(lifecycle string) {
	p.ensureRegistered()
	p.deltasSent.WithLabelValues(lifecycle).Inc()
}

// RecordReconciliation increments reconciliations for kind and result.
func (p *PrometheusCollector) RecordReconciliation(kind string, success bool) {
	p.ensureRegistered()
	p.reconciliations.WithLabelValues(kind, result(success)).Inc()
}

// RecordLocalEntities sets the local entities gauge.
func (p *PrometheusCollector) RecordLocalEntities(count int) {
	p.ensureRegistered()
	p.localEntities.Set(float64(count))
}

// ManagerMetrics implementation

// RecordDeltaReceived increments merged deltas for lifecycle.
func (p *PrometheusCollector) RecordDeltaReceived(lifecycle string) {
	p.ensureRegistered()
	p.deltasReceived.WithLabelValues(lifecycle).Inc()
}

// RecordForeignPartition increments foreign partition rejections for op.
func (p *PrometheusCollector) RecordForeignPartition(op string) {
	p.ensureRegistered()
	p.foreignPartition.WithLabelValues(op).Inc()
}

// RecordUpdateForwarded increments forwarded updates for target.
func (p *PrometheusCollector) RecordUpdateForwarded(target string) {
	p.ensureRegistered()
	p.updatesForwarded.WithLabelValues(target).Inc()
}

// RecordRemoteEntities sets the remote entities gauge.
func (p *PrometheusCollector) RecordRemoteEntities(count int) {
	p.ensureRegistered()
	p.remoteEntities.Set(float64(count))
}

// RecordUpdatesInfoGC adds removed update timestamp records.
func (p *PrometheusCollector) RecordUpdatesInfoGC(removed int) {
	if removed <= 0 {
		return
	}
	p.ensureRegistered()
	p.updatesInfoGC.Add(float64(removed))
}

// TransportMetrics implementation

// RecordQueueSend increments queue publishes by type and result.
func (p *PrometheusCollector) RecordQueueSend(msgType string, success bool) {
	p.ensureRegistered()
	p.queueSends.WithLabelValues(msgType, result(success)).Inc()
}

// RecordQueueReceive increments consumed messages by type and outcome.
func (p *PrometheusCollector) RecordQueueReceive(msgType string, outcome string) {
	p.ensureRegistered()
	p.queueReceives.WithLabelValues(msgType, outcome).Inc()
}

// IncrementConsumerRetry increments consumer retries for op.
func (p *PrometheusCollector) IncrementConsumerRetry(op string) {
	p.ensureRegistered()
	p.consumerRetries.WithLabelValues(op).Inc()
}

// IncrementConsumerIteratorRestart increments iterator restarts for reason.
func (p *PrometheusCollector) IncrementConsumerIteratorRestart(reason string) {
	p.ensureRegistered()
	p.iteratorRestarts.WithLabelValues(reason).Inc()
}

// DispatchMetrics implementation

// RecordDispatchDropped increments dropped callbacks.
func (p *PrometheusCollector) RecordDispatchDropped() {
	p.ensureRegistered()
	p.dispatchDropped.Inc()
}

// RecordDispatchQueueDepth sets the dispatch queue gauge.
func (p *PrometheusCollector) RecordDispatchQueueDepth(depth int) {
	p.ensureRegistered()
	p.dispatchQueue.Set(float64(depth))
}

// MembershipMetrics implementation

// RecordHeartbeat increments heartbeat publishes by result.
func (p *PrometheusCollector) RecordHeartbeat(_ /* nodeID */ string, success bool) {
	p.ensureRegistered()
	p.heartbeats.WithLabelValues(result(success)).Inc()
}

// RecordNodeChange adds node topology changes.
func (p *PrometheusCollector) RecordNodeChange(added, removed int) {
	p.ensureRegistered()
	if added > 0 {
		p.nodeChanges.WithLabelValues("added").Add(float64(added))
	}
	if removed > 0 {
		p.nodeChanges.WithLabelValues("removed").Add(float64(removed))
	}
}

// RecordActiveNodes sets the active nodes gauge.
func (p *PrometheusCollector) RecordActiveNodes(count int) {
	p.ensureRegistered()
	p.activeNodes.Set(float64(count))
}
