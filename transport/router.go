package transport

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/thingsboard/thingsboard-sub020/internal/logger"
	"github.com/thingsboard/thingsboard-sub020/types"
)

// Router decides, for every protocol message, whether to call the local
// service in-process or to enqueue the message for another node.
//
// Deltas and source updates travel to the entity's partition owner.
// Recorded acknowledgements and filtered updates travel to the node named by
// the caller. Messages arriving from the queue are handed to HandleMessage.
type Router struct {
	nodeID   string
	resolver types.PartitionResolver
	producer types.QueueProducer
	logger   types.Logger

	local   atomic.Pointer[types.LocalSubscriptionService]
	manager atomic.Pointer[types.SubscriptionManagerService]
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithRouterLogger sets the router logger.
func WithRouterLogger(l types.Logger) RouterOption {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRouter creates a router for nodeID. Bind must be called before any message flows.
func NewRouter(nodeID string, resolver types.PartitionResolver, producer types.QueueProducer, opts ...RouterOption) *Router {
	r := &Router{
		nodeID:   nodeID,
		resolver: resolver,
		producer: producer,
		logger:   logger.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Bind attaches the node-local registry and the partition owner manager.
func (r *Router) Bind(local types.LocalSubscriptionService, manager types.SubscriptionManagerService) {
	r.local.Store(&local)
	r.manager.Store(&manager)
}

// NodeID returns this node's identity.
func (r *Router) NodeID() string { return r.nodeID }

// SendDelta delivers a delta event to the owner of its entity.
//
// A local owner is called synchronously and its error is returned. A remote
// owner gets the event through the queue; the publish outcome is only logged.
//
// Returns:
//   - error: owner resolution error (e.g. types.ErrTenantNotFound) or the local manager's error
func (r *Router) SendDelta(ctx context.Context, event types.DeltaEvent) error {
	owner, err := r.resolver.ResolveOwner(event.TenantID, event.EntityID)
	if err != nil {
		return fmt.Errorf("resolve owner of %s: %w", event.EntityID, err)
	}

	if owner == r.nodeID {
		return r.managerService().OnDelta(ctx, r.nodeID, event)
	}

	r.producer.Send(ctx, owner, event.EntityID, types.QueueMessage{
		Type:       types.MessageDelta,
		FromNodeID: r.nodeID,
		Delta:      &event,
	}, nil)

	return nil
}

// SendRecorded delivers a recorded acknowledgement to the node that emitted the delta.
func (r *Router) SendRecorded(ctx context.Context, toNodeID string, event types.RecordedEvent) {
	if toNodeID == r.nodeID {
		r.localService().OnRecorded(ctx, event)
		return
	}

	r.producer.Send(ctx, toNodeID, event.EntityID, types.QueueMessage{
		Type:       types.MessageRecorded,
		FromNodeID: r.nodeID,
		Recorded:   &event,
	}, nil)
}

// SendUpdate delivers an already filtered update to an interested node.
//
// Returns:
//   - bool: true when delivered in-process
func (r *Router) SendUpdate(ctx context.Context, toNodeID string, update types.Update) bool {
	if toNodeID == r.nodeID {
		r.localService().OnUpdate(ctx, update)
		return true
	}

	r.producer.Send(ctx, toNodeID, update.EntityID, types.QueueMessage{
		Type:       types.MessageUpdate,
		FromNodeID: r.nodeID,
		Update:     &update,
	}, nil)

	return false
}

// PublishUpdate hands an update from an update source to the manager owning its entity.
//
// Returns:
//   - error: owner resolution error or the local manager's error
func (r *Router) PublishUpdate(ctx context.Context, update types.Update) error {
	owner, err := r.resolver.ResolveOwner(update.TenantID, update.EntityID)
	if err != nil {
		return fmt.Errorf("resolve owner of %s: %w", update.EntityID, err)
	}

	if owner == r.nodeID {
		return r.managerService().OnUpdate(ctx, update)
	}

	r.producer.Send(ctx, owner, update.EntityID, types.QueueMessage{
		Type:       types.MessageSourceUpdate,
		FromNodeID: r.nodeID,
		Update:     &update,
	}, nil)

	return nil
}

// HandleMessage dispatches a message received from the queue. It is the
// MessageHandler of the node consumer.
func (r *Router) HandleMessage(ctx context.Context, msg types.QueueMessage) error {
	if err := validateMessage(msg); err != nil {
		return err
	}

	switch msg.Type {
	case types.MessageDelta:
		return r.managerService().OnDelta(ctx, msg.FromNodeID, *msg.Delta)
	case types.MessageSourceUpdate:
		return r.managerService().OnUpdate(ctx, *msg.Update)
	case types.MessageRecorded:
		r.localService().OnRecorded(ctx, *msg.Recorded)
	case types.MessageUpdate:
		r.localService().OnUpdate(ctx, *msg.Update)
	}

	return nil
}

func (r *Router) localService() types.LocalSubscriptionService {
	if p := r.local.Load(); p != nil && *p != nil {
		return *p
	}

	return nopLocal{}
}

func (r *Router) managerService() types.SubscriptionManagerService {
	if p := r.manager.Load(); p != nil && *p != nil {
		return *p
	}

	return nopManager{}
}

// nopLocal and nopManager stand in until Bind is called.
type nopLocal struct{}

func (nopLocal) OnUpdate(context.Context, types.Update)          {}
func (nopLocal) OnRecorded(context.Context, types.RecordedEvent) {}

type nopManager struct{}

func (nopManager) OnDelta(context.Context, string, types.DeltaEvent) error {
	return types.ErrNotStarted
}

func (nopManager) OnUpdate(context.Context, types.Update) error {
	return types.ErrNotStarted
}
