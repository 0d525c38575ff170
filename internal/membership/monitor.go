package membership

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/thingsboard/thingsboard-sub020/internal/logger"
	"github.com/thingsboard/thingsboard-sub020/internal/metrics"
	"github.com/thingsboard/thingsboard-sub020/types"
)

// Change describes a membership transition.
type Change struct {
	// Nodes is the full live node set after the change, sorted.
	Nodes []string
	// Added and Removed are sorted node ids.
	Added   []string
	Removed []string
}

// IsEmpty reports whether nothing joined or left.
func (c Change) IsEmpty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0
}

// ChangeHandler reacts to a membership change.
type ChangeHandler func(ctx context.Context, change Change)

// NodeMonitor tracks live nodes through the heartbeat bucket.
//
// A KV watcher triggers Check when a node key appears or goes away, and
// periodic polling catches keys that expired silently. Check diffs the live
// set against the last known one and calls the handler when it changed.
type NodeMonitor struct {
	kv           jetstream.KeyValue
	prefix       string
	pollInterval time.Duration
	handler      ChangeHandler
	clock        clock.Clock
	logger       types.Logger
	metrics      types.MembershipMetrics

	checkMu sync.Mutex
	known   []string

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

// MonitorOption configures a NodeMonitor.
type MonitorOption func(*NodeMonitor)

// WithMonitorLogger sets the monitor logger.
func WithMonitorLogger(l types.Logger) MonitorOption {
	return func(m *NodeMonitor) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMonitorMetrics sets the metrics sink for membership changes.
func WithMonitorMetrics(mc types.MembershipMetrics) MonitorOption {
	return func(m *NodeMonitor) {
		if mc != nil {
			m.metrics = mc
		}
	}
}

// WithMonitorClock sets the clock driving polling.
func WithMonitorClock(c clock.Clock) MonitorOption {
	return func(m *NodeMonitor) {
		if c != nil {
			m.clock = c
		}
	}
}

// NewNodeMonitor creates a node monitor.
//
// Parameters:
//   - kv: Heartbeat KV bucket
//   - prefix: Heartbeat key prefix
//   - pollInterval: Fallback polling interval (typically half the heartbeat TTL)
//   - handler: Called with every non-empty change
//
// Returns:
//   - *NodeMonitor: Unstarted monitor
func NewNodeMonitor(kv jetstream.KeyValue, prefix string, pollInterval time.Duration, handler ChangeHandler, opts ...MonitorOption) *NodeMonitor {
	m := &NodeMonitor{
		kv:           kv,
		prefix:       prefix,
		pollInterval: pollInterval,
		handler:      handler,
		clock:        clock.New(),
		logger:       logger.NewNop(),
		metrics:      metrics.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Start runs an initial check and then monitors the bucket in the background.
//
// Returns:
//   - error: types.ErrMonitorAlreadyStarted, or the initial check error
func (m *NodeMonitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil || m.stopped {
		return types.ErrMonitorAlreadyStarted
	}
	if _, err := m.Check(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(runCtx)

	return nil
}

// Stop stops monitoring and waits for the background goroutine. Calling it
// again is a no-op.
//
// Returns:
//   - error: types.ErrMonitorNotStarted when Start was never called
func (m *NodeMonitor) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel == nil {
		if m.stopped {
			return nil
		}

		return types.ErrMonitorNotStarted
	}
	m.cancel()
	<-m.done
	m.cancel = nil
	m.stopped = true

	return nil
}

// Nodes returns the last known live node set, sorted.
func (m *NodeMonitor) Nodes() []string {
	m.checkMu.Lock()
	defer m.checkMu.Unlock()

	return slices.Clone(m.known)
}

// ActiveNodes lists the nodes that currently have a heartbeat key.
//
// Returns:
//   - []string: Sorted node ids (empty when the bucket has no keys)
//   - error: KV access error
func (m *NodeMonitor) ActiveNodes(ctx context.Context) ([]string, error) {
	keys, err := m.kv.Keys(ctx)
	if err != nil {
		if types.IsNoKeysFoundError(err) {
			return []string{}, nil
		}

		return nil, fmt.Errorf("failed to list heartbeat keys: %w", err)
	}

	nodes := make([]string, 0, len(keys))
	for _, key := range keys {
		nodeID, ok := strings.CutPrefix(key, m.prefix+".")
		if !ok || nodeID == "" {
			continue
		}
		nodes = append(nodes, nodeID)
	}
	slices.Sort(nodes)

	return slices.Compact(nodes), nil
}

// Check diffs the live node set against the last known one and calls the
// handler when it changed.
//
// Returns:
//   - Change: The detected change (empty when nothing changed)
//   - error: KV access error
func (m *NodeMonitor) Check(ctx context.Context) (Change, error) {
	m.checkMu.Lock()
	defer m.checkMu.Unlock()

	nodes, err := m.ActiveNodes(ctx)
	if err != nil {
		return Change{}, err
	}

	change := diff(m.known, nodes)
	if change.IsEmpty() {
		return change, nil
	}
	m.known = nodes

	m.metrics.RecordNodeChange(len(change.Added), len(change.Removed))
	m.metrics.RecordActiveNodes(len(nodes))
	m.logger.Info("node membership changed", "nodes", nodes, "added", change.Added, "removed", change.Removed)

	if m.handler != nil {
		m.handler(ctx, change)
	}

	return change, nil
}

func (m *NodeMonitor) run(ctx context.Context) {
	defer close(m.done)

	var updates <-chan jetstream.KeyValueEntry
	watcher, err := m.kv.Watch(ctx, m.prefix+".*")
	if err != nil {
		m.logger.Warn("failed to start heartbeat watcher, polling only",
			"error", fmt.Errorf("%w: %w", types.ErrWatcherFailed, err))
	} else {
		defer func() {
			if err := watcher.Stop(); err != nil {
				m.logger.Debug("failed to stop heartbeat watcher", "error", err)
			}
		}()
		updates = watcher.Updates()
	}

	ticker := m.clock.Ticker(m.pollInterval)
	defer ticker.Stop()

	check := func(source string) {
		if _, err := m.Check(ctx); err != nil {
			m.logger.Error("membership check failed", "source", source, "error", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check("poll")
		case entry, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			// nil marks the end of the initial replay
			if entry != nil && m.changesMembership(entry) {
				check("watch")
			}
		}
	}
}

// changesMembership reports whether entry adds or removes a node. Refreshes
// of a known node's heartbeat are ignored.
func (m *NodeMonitor) changesMembership(entry jetstream.KeyValueEntry) bool {
	if entry.Operation() != jetstream.KeyValuePut {
		return true
	}
	nodeID := strings.TrimPrefix(entry.Key(), m.prefix+".")
	_, known := slices.BinarySearch(m.Nodes(), nodeID)

	return !known
}

func diff(before, after []string) Change {
	change := Change{Nodes: slices.Clone(after)}
	for _, n := range after {
		if _, found := slices.BinarySearch(before, n); !found {
			change.Added = append(change.Added, n)
		}
	}
	for _, n := range before {
		if _, found := slices.BinarySearch(after, n); !found {
			change.Removed = append(change.Removed, n)
		}
	}

	return change
}
