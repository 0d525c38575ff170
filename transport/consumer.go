package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/thingsboard/thingsboard-sub020/internal/kvutil"
	"github.com/thingsboard/thingsboard-sub020/types"
)

// MessageHandler processes one decoded queue message.
//
// Returning nil acknowledges the message. ErrForeignPartition and
// ErrStaleReference terminate it (redelivery would fail the same way); any
// other error negatively acknowledges it for redelivery.
type MessageHandler func(ctx context.Context, msg types.QueueMessage) error

// NodeConsumer is the single durable pull consumer of one node.
//
// The durable is named <ConsumerPrefix>-<nodeID> and filters
// <SubjectPrefix>.<nodeID>.>, so it receives exactly the messages other nodes
// addressed to this node. A restarted node with the same id resumes from the
// durable's ack floor.
type NodeConsumer struct {
	js      jetstream.JetStream
	nodeID  string
	cfg     Config
	handler MessageHandler
	logger  types.Logger
	metrics types.TransportMetrics

	mu       sync.RWMutex
	consumer jetstream.Consumer
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewNodeConsumer creates the consumer of nodeID. Call Start to begin pulling.
//
// Parameters:
//   - js: JetStream context (must be non-nil)
//   - nodeID: This node's identity
//   - cfg: Transport configuration; zero fields take defaults
//   - handler: Invoked sequentially for each decoded message
//
// Returns:
//   - *NodeConsumer: Unstarted consumer
//   - error: Validation error
func NewNodeConsumer(js jetstream.JetStream, nodeID string, cfg Config, handler MessageHandler) (*NodeConsumer, error) {
	if js == nil {
		return nil, errors.New("JetStream context is required")
	}
	if nodeID == "" {
		return nil, errors.New("node ID is required")
	}
	if handler == nil {
		return nil, errors.New("message handler is required")
	}
	cfg.ApplyDefaults()

	return &NodeConsumer{
		js:      js,
		nodeID:  nodeID,
		cfg:     cfg,
		handler: handler,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}, nil
}

// DurableName returns the sanitized durable consumer name.
func (c *NodeConsumer) DurableName() string {
	return sanitizeToken(c.cfg.ConsumerPrefix + "-" + c.nodeID)
}

// Start creates or updates the durable consumer and starts the pull loop.
//
// Consumer creation is attempted up to MaxRetries+1 times. The pull loop runs
// until Close; it is detached from ctx, which only bounds the creation attempts.
//
// Returns:
//   - error: types.ErrAlreadyStarted, context error, or the last JetStream error
func (c *NodeConsumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		return types.ErrAlreadyStarted
	}

	durable := c.DurableName()
	cons, err := kvutil.EnsureConsumerWithRetry(ctx, c.js, c.cfg.StreamName, jetstream.ConsumerConfig{
		Name:              durable,
		Durable:           durable,
		FilterSubject:     NodeFilter(c.cfg.SubjectPrefix, c.nodeID),
		AckPolicy:         jetstream.AckExplicitPolicy,
		AckWait:           c.cfg.AckWait,
		MaxDeliver:        c.cfg.MaxDeliver,
		InactiveThreshold: c.cfg.InactiveThreshold,
		MaxWaiting:        c.cfg.MaxWaiting,
	}, c.cfg.MaxRetries+1, func(attempt int, err error) {
		c.metrics.IncrementConsumerRetry("create_consumer")
		c.logger.Warn("node consumer creation failed, retrying", "durable", durable, "attempt", attempt, "error", err)
	})
	if err != nil {
		return err
	}

	pullCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.consumer = cons
	c.cancel = cancel
	c.done = done

	go func() {
		defer close(done)
		c.runPullLoop(pullCtx, cons)
	}()

	c.logger.Info("node consumer started", "durable", durable)

	return nil
}

// Info returns the JetStream consumer info of the durable.
func (c *NodeConsumer) Info(ctx context.Context) (*jetstream.ConsumerInfo, error) {
	c.mu.RLock()
	cons := c.consumer
	c.mu.RUnlock()
	if cons == nil {
		return nil, types.ErrNotStarted
	}

	info, err := cons.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get node consumer info: %w", err)
	}

	return info, nil
}

// Close stops the pull loop and waits for it to exit or for ctx to end.
//
// The durable is not deleted; JetStream removes it after InactiveThreshold.
func (c *NodeConsumer) Close(ctx context.Context) error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.done = nil
	c.consumer = nil
	c.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		c.logger.Info("node consumer closed", "durable", c.DurableName())
		return nil
	case <-ctx.Done():
		c.logger.Warn("node consumer close timed out", "durable", c.DurableName())
		return ctx.Err()
	}
}

// runPullLoop consumes messages until ctx is cancelled, recreating the
// iterator after heartbeat loss or transient errors.
func (c *NodeConsumer) runPullLoop(ctx context.Context, cons jetstream.Consumer) {
	expiry := c.cfg.FetchTimeout
	rng := newRetryRNG(c.cfg.RetrySeed)
	var delay time.Duration

	for {
		if ctx.Err() != nil {
			return
		}

		iter, err := cons.Messages(
			jetstream.PullMaxMessages(c.cfg.BatchSize),
			jetstream.PullExpiry(expiry),
			jetstream.PullHeartbeat(expiry/2),
		)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			delay = retryDelay(delay, c.cfg.RetryBackoff, c.cfg.RetryMultiplier, c.cfg.RetryBackoffMax, rng)
			c.logger.Error("failed to create node message iterator", "error", err, "delay", delay)
			if !sleepCtx(ctx, delay) {
				return
			}

			continue
		}
		delay = 0

		stop := context.AfterFunc(ctx, iter.Stop)
		restart := c.drain(ctx, iter)
		stop()
		iter.Stop()

		if !restart {
			return
		}
	}
}

// drain handles messages from iter until it fails.
//
// Returns:
//   - bool: true if the iterator should be recreated
func (c *NodeConsumer) drain(ctx context.Context, iter jetstream.MessagesContext) bool {
	for {
		msg, err := iter.Next()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, jetstream.ErrMsgIteratorClosed) ||
				errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return false
			}
			if errors.Is(err, jetstream.ErrNoHeartbeat) {
				c.metrics.IncrementConsumerIteratorRestart("heartbeat")
				c.logger.Error("node pull loop: no heartbeat", "error", err)

				return true
			}

			c.metrics.IncrementConsumerIteratorRestart("transient")
			c.logger.Warn("node pull loop: iterator error, retrying", "error", err)

			return sleepCtx(ctx, c.cfg.RetryBackoff)
		}

		c.handle(ctx, msg)
	}
}

// handle decodes and dispatches one message and settles it.
func (c *NodeConsumer) handle(ctx context.Context, msg jetstream.Msg) {
	decoded, err := DecodeMessage(msg.Data())
	if err != nil {
		c.logger.Error("dropping undecodable queue message", "subject", msg.Subject(), "error", err)
		c.settle(msg.Term, "UNKNOWN", "term")

		return
	}
	msgType := decoded.Type.String()

	err = c.handler(ctx, decoded)
	switch {
	case err == nil:
		c.settle(msg.Ack, msgType, "ack")
	case errors.Is(err, types.ErrForeignPartition), errors.Is(err, types.ErrStaleReference):
		c.logger.Warn("queue message rejected", "type", msgType, "from", decoded.FromNodeID, "entity", decoded.EntityID(), "error", err)
		c.settle(msg.Term, msgType, "term")
	default:
		c.logger.Warn("queue message failed, requesting redelivery", "type", msgType, "from", decoded.FromNodeID, "entity", decoded.EntityID(), "error", err)
		c.settle(msg.Nak, msgType, "nak")
	}
}

func (c *NodeConsumer) settle(settleFn func() error, msgType, outcome string) {
	if err := settleFn(); err != nil {
		c.logger.Debug("failed to settle queue message", "outcome", outcome, "error", err)
	}
	c.metrics.RecordQueueReceive(msgType, outcome)
}

// sleepCtx waits for d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
