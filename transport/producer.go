package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/thingsboard/thingsboard-sub020/internal/kvutil"
	"github.com/thingsboard/thingsboard-sub020/types"
)

// HeaderMessageType carries the queue message type for observability tools.
const HeaderMessageType = "Fanout-Msg-Type"

// JetStreamProducer publishes queue messages to other nodes through a JetStream stream.
//
// Messages for one node share the subject prefix <SubjectPrefix>.<nodeID> and
// carry the entity id as the last token. Publishing is asynchronous and ordered
// per connection, which preserves per-entity ordering.
type JetStreamProducer struct {
	js     jetstream.JetStream
	nodeID string
	epoch  string // distinguishes sequence numbers across producer restarts
	cfg    Config
	logger types.Logger
}

var _ types.QueueProducer = (*JetStreamProducer)(nil)

// NewJetStreamProducer creates a producer for the node nodeID.
//
// Parameters:
//   - js: JetStream context (must be non-nil)
//   - nodeID: Identity stamped as FromNodeID on outgoing messages
//   - cfg: Transport configuration; zero fields take defaults
//
// Returns:
//   - *JetStreamProducer: Ready producer
//   - error: Validation error
func NewJetStreamProducer(js jetstream.JetStream, nodeID string, cfg Config) (*JetStreamProducer, error) {
	if js == nil {
		return nil, errors.New("JetStream context is required")
	}
	if nodeID == "" {
		return nil, errors.New("node ID is required")
	}
	cfg.ApplyDefaults()

	return &JetStreamProducer{
		js:     js,
		nodeID: nodeID,
		epoch:  uuid.NewString(),
		cfg:    cfg,
		logger: cfg.Logger,
	}, nil
}

// EnsureStream provisions the queue stream.
//
// The stream captures every node subject, keeps messages for MaxAge and
// deduplicates by message id within DuplicateWindow.
func EnsureStream(ctx context.Context, js jetstream.JetStream, cfg Config) (jetstream.Stream, error) {
	cfg.ApplyDefaults()

	return kvutil.EnsureStreamWithRetry(ctx, js, jetstream.StreamConfig{
		Name:        cfg.StreamName,
		Description: "subscription fan-out inter-node queue",
		Subjects:    []string{cfg.SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      cfg.MaxAge,
		Duplicates:  cfg.DuplicateWindow,
		Storage:     cfg.Storage,
		Replicas:    cfg.Replicas,
	}, cfg.MaxRetries)
}

// Send encodes msg and publishes it to targetNodeID without waiting for the
// broker acknowledgement. onResult, if non-nil, receives the outcome once.
func (p *JetStreamProducer) Send(ctx context.Context, targetNodeID, key string, msg types.QueueMessage, onResult func(error)) {
	if msg.FromNodeID == "" {
		msg.FromNodeID = p.nodeID
	}
	msgType := msg.Type.String()

	finish := func(err error) {
		p.cfg.Metrics.RecordQueueSend(msgType, err == nil)
		if err != nil {
			p.logger.Warn("queue send failed", "type", msgType, "target", targetNodeID, "key", key, "error", err)
		}
		if onResult != nil {
			onResult(err)
		}
	}

	if ctx.Err() != nil {
		finish(ctx.Err())
		return
	}

	data, err := EncodeMessage(msg)
	if err != nil {
		finish(err)
		return
	}

	out := nats.NewMsg(MessageSubject(p.cfg.SubjectPrefix, targetNodeID, key))
	out.Data = data
	out.Header.Set(HeaderMessageType, msgType)

	future, err := p.js.PublishMsgAsync(out, jetstream.WithMsgID(messageID(p.epoch, targetNodeID, msg)))
	if err != nil {
		finish(fmt.Errorf("failed to publish %s to %s: %w", msgType, targetNodeID, err))
		return
	}

	go func() {
		timer := time.NewTimer(p.cfg.PublishTimeout)
		defer timer.Stop()

		select {
		case <-future.Ok():
			finish(nil)
		case err := <-future.Err():
			finish(err)
		case <-timer.C:
			finish(fmt.Errorf("publish ack for %s to %s: %w", msgType, targetNodeID, context.DeadlineExceeded))
		}
	}()
}

// messageID returns the JetStream deduplication id for msg.
//
// Deltas and acknowledgements are identified by their sequence number, so a
// retried publish of the same event collapses within the duplicate window.
// Updates carry no sequence and always get a fresh id.
func messageID(epoch, targetNodeID string, msg types.QueueMessage) string {
	var seq int64
	switch {
	case msg.Delta != nil:
		seq = msg.Delta.SeqNumber
	case msg.Recorded != nil:
		seq = msg.Recorded.SeqNumber
	default:
		return uuid.NewString()
	}

	return fmt.Sprintf("%s:%s:%s:%s:%s:%d", epoch, msg.Type, msg.FromNodeID, targetNodeID, msg.EntityID(), seq)
}
