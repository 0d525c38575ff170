package testing

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/thingsboard/thingsboard-sub020/types"
)

// QueueHandler consumes messages delivered by a LoopbackQueue.
type QueueHandler func(ctx context.Context, msg types.QueueMessage) error

// SentMessage is one message that went through a LoopbackQueue.
type SentMessage struct {
	From string
	To   string
	Key  string
	Msg  types.QueueMessage
	Err  error
}

// LoopbackQueue connects simulated nodes in one process.
//
// Send delivers synchronously to the handler registered for the target node
// and reports the handler's error through onResult. Every message is recorded.
type LoopbackQueue struct {
	mu       sync.Mutex
	handlers map[string]QueueHandler
	sent     []SentMessage
	paused   bool
	held     []SentMessage
}

// NewLoopbackQueue creates an empty queue.
func NewLoopbackQueue() *LoopbackQueue {
	return &LoopbackQueue{handlers: make(map[string]QueueHandler)}
}

// Register sets the handler consuming messages for nodeID.
func (q *LoopbackQueue) Register(nodeID string, handler QueueHandler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[nodeID] = handler
}

// Producer returns the producer used by node fromNodeID.
func (q *LoopbackQueue) Producer(fromNodeID string) types.QueueProducer {
	return &loopbackProducer{queue: q, from: fromNodeID}
}

// Pause holds messages instead of delivering them until Resume.
func (q *LoopbackQueue) Pause() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = true
}

// Resume delivers held messages in order and resumes synchronous delivery.
func (q *LoopbackQueue) Resume(ctx context.Context) {
	q.mu.Lock()
	held := q.held
	q.held = nil
	q.paused = false
	q.mu.Unlock()

	for _, m := range held {
		q.deliver(ctx, m, nil)
	}
}

// Sent returns a copy of every message sent so far.
func (q *LoopbackQueue) Sent() []SentMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	return slices.Clone(q.sent)
}

// SentTo returns the messages of type msgType sent to nodeID.
func (q *LoopbackQueue) SentTo(nodeID string, msgType types.MessageType) []SentMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []SentMessage
	for _, m := range q.sent {
		if m.To == nodeID && m.Msg.Type == msgType {
			out = append(out, m)
		}
	}

	return out
}

// Reset forgets recorded messages.
func (q *LoopbackQueue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sent = nil
}

func (q *LoopbackQueue) deliver(ctx context.Context, m SentMessage, onResult func(error)) {
	q.mu.Lock()
	handler := q.handlers[m.To]
	q.mu.Unlock()

	var err error
	if handler == nil {
		err = fmt.Errorf("no consumer for node %s", m.To)
	} else {
		err = handler(ctx, m.Msg)
	}

	m.Err = err
	q.mu.Lock()
	q.sent = append(q.sent, m)
	q.mu.Unlock()

	if onResult != nil {
		onResult(err)
	}
}

type loopbackProducer struct {
	queue *LoopbackQueue
	from  string
}

func (p *loopbackProducer) Send(ctx context.Context, targetNodeID, key string, msg types.QueueMessage, onResult func(error)) {
	if msg.FromNodeID == "" {
		msg.FromNodeID = p.from
	}
	m := SentMessage{From: p.from, To: targetNodeID, Key: key, Msg: msg}

	p.queue.mu.Lock()
	if p.queue.paused {
		p.queue.held = append(p.queue.held, m)
		p.queue.mu.Unlock()
		if onResult != nil {
			onResult(nil)
		}

		return
	}
	p.queue.mu.Unlock()

	p.queue.deliver(ctx, m, onResult)
}
