package membership

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fxamacker/cbor/v2"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/thingsboard/thingsboard-sub020/internal/logger"
	"github.com/thingsboard/thingsboard-sub020/internal/metrics"
	"github.com/thingsboard/thingsboard-sub020/types"
)

// ErrNoNodeID is returned by Start when the publisher has no node id.
var ErrNoNodeID = errors.New("node ID not set")

// Heartbeat is the record a node keeps refreshed in the heartbeat bucket.
type Heartbeat struct {
	NodeID    string `json:"nodeId"`
	StartedAt int64  `json:"startedAt"`
	Ts        int64  `json:"ts"`
}

// Publisher periodically refreshes this node's heartbeat key.
type Publisher struct {
	kv       jetstream.KeyValue
	prefix   string
	nodeID   string
	interval time.Duration
	clock    clock.Clock
	logger   types.Logger
	metrics  types.MembershipMetrics

	mu        sync.Mutex
	started   bool
	startedAt int64
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithPublisherLogger sets the publisher logger.
func WithPublisherLogger(l types.Logger) PublisherOption {
	return func(p *Publisher) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithPublisherMetrics sets the metrics sink for heartbeat outcomes.
func WithPublisherMetrics(m types.MembershipMetrics) PublisherOption {
	return func(p *Publisher) {
		if m != nil {
			p.metrics = m
		}
	}
}

// WithPublisherClock sets the clock driving the heartbeat ticker.
func WithPublisherClock(c clock.Clock) PublisherOption {
	return func(p *Publisher) {
		if c != nil {
			p.clock = c
		}
	}
}

// NewPublisher creates a heartbeat publisher.
//
// The bucket should carry a TTL of about three intervals so a crashed node
// disappears after three missed heartbeats.
//
// Parameters:
//   - kv: Heartbeat KV bucket
//   - prefix: Key prefix (e.g. "node")
//   - nodeID: This node's id
//   - interval: Heartbeat interval
//
// Returns:
//   - *Publisher: Unstarted publisher
func NewPublisher(kv jetstream.KeyValue, prefix, nodeID string, interval time.Duration, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		kv:       kv,
		prefix:   prefix,
		nodeID:   nodeID,
		interval: interval,
		clock:    clock.New(),
		logger:   logger.NewNop(),
		metrics:  metrics.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Start publishes the first heartbeat synchronously and keeps refreshing it
// in the background until Stop.
//
// Returns:
//   - error: types.ErrAlreadyStarted, ErrNoNodeID or the initial publish error
func (p *Publisher) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return types.ErrAlreadyStarted
	}
	if p.nodeID == "" {
		return ErrNoNodeID
	}

	p.startedAt = p.clock.Now().UnixMilli()
	if err := p.publish(ctx); err != nil {
		return fmt.Errorf("failed to publish initial heartbeat: %w", err)
	}

	p.started = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	go p.loop(p.clock.Ticker(p.interval), p.stopCh, p.doneCh)

	return nil
}

// Stop ends publishing and deletes the heartbeat key so peers notice the
// departure without waiting for the TTL.
//
// Returns:
//   - error: types.ErrNotStarted, or the key deletion error
func (p *Publisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return types.ErrNotStarted
	}
	p.started = false
	close(p.stopCh)
	doneCh := p.doneCh
	p.mu.Unlock()

	<-doneCh

	if err := p.kv.Delete(ctx, p.key()); err != nil {
		return fmt.Errorf("stopped but failed to delete heartbeat: %w", err)
	}

	return nil
}

// IsStarted reports whether the publisher is running.
func (p *Publisher) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.started
}

// NodeID returns the published node id.
func (p *Publisher) NodeID() string { return p.nodeID }

func (p *Publisher) loop(ticker *clock.Ticker, stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), p.interval)
			err := p.publish(ctx)
			cancel()

			p.metrics.RecordHeartbeat(p.nodeID, err == nil)
			if err != nil {
				p.logger.Warn("heartbeat publish failed", "node", p.nodeID, "error", err)
			}
		}
	}
}

func (p *Publisher) publish(ctx context.Context) error {
	value, err := cbor.Marshal(Heartbeat{
		NodeID:    p.nodeID,
		StartedAt: p.startedAt,
		Ts:        p.clock.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("encode heartbeat: %w", err)
	}

	if _, err := p.kv.Put(ctx, p.key(), value); err != nil {
		return fmt.Errorf("failed to publish heartbeat for %s: %w", p.nodeID, err)
	}

	return nil
}

func (p *Publisher) key() string {
	return HeartbeatKey(p.prefix, p.nodeID)
}

// HeartbeatKey returns the KV key holding nodeID's heartbeat.
func HeartbeatKey(prefix, nodeID string) string {
	return prefix + "." + nodeID
}

// DecodeHeartbeat parses a heartbeat value read from the bucket.
func DecodeHeartbeat(data []byte) (Heartbeat, error) {
	var hb Heartbeat
	if err := cbor.Unmarshal(data, &hb); err != nil {
		return Heartbeat{}, fmt.Errorf("decode heartbeat: %w", err)
	}

	return hb, nil
}
