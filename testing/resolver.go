package testing

import (
	"sync"

	"github.com/thingsboard/thingsboard-sub020/types"
)

// StaticResolver is a types.PartitionResolver with explicitly assigned owners.
//
// Entities without an explicit owner belong to the default owner. Each
// simulated node gets its own view through For, sharing the same assignment.
type StaticResolver struct {
	state *resolverState
	self  string
}

type resolverState struct {
	mu            sync.RWMutex
	defaultOwner  string
	owners        map[string]string
	deletedTenant map[string]struct{}
}

var _ types.PartitionResolver = (*StaticResolver)(nil)

// NewStaticResolver creates a resolver seen from node self where every
// entity initially belongs to defaultOwner.
func NewStaticResolver(self, defaultOwner string) *StaticResolver {
	return &StaticResolver{
		self: self,
		state: &resolverState{
			defaultOwner:  defaultOwner,
			owners:        make(map[string]string),
			deletedTenant: make(map[string]struct{}),
		},
	}
}

// For returns the same assignment seen from another node.
func (r *StaticResolver) For(self string) *StaticResolver {
	return &StaticResolver{state: r.state, self: self}
}

// SetOwner assigns entityID to nodeID.
func (r *StaticResolver) SetOwner(entityID, nodeID string) {
	r.state.mu.Lock()
	defer r.state.mu.Unlock()
	r.state.owners[entityID] = nodeID
}

// SetDefaultOwner changes the owner of every entity without an explicit owner.
func (r *StaticResolver) SetDefaultOwner(nodeID string) {
	r.state.mu.Lock()
	defer r.state.mu.Unlock()
	r.state.defaultOwner = nodeID
}

// DeleteTenant makes ResolveOwner fail with ErrTenantNotFound for tenantID.
func (r *StaticResolver) DeleteTenant(tenantID string) {
	r.state.mu.Lock()
	defer r.state.mu.Unlock()
	r.state.deletedTenant[tenantID] = struct{}{}
}

// ResolveOwner implements types.PartitionResolver.
func (r *StaticResolver) ResolveOwner(tenantID, entityID string) (string, error) {
	r.state.mu.RLock()
	defer r.state.mu.RUnlock()

	if _, deleted := r.state.deletedTenant[tenantID]; deleted {
		return "", types.ErrTenantNotFound
	}

	return r.ownerLocked(entityID), nil
}

// IsMyPartition implements types.PartitionResolver.
func (r *StaticResolver) IsMyPartition(_ string, entityID string) bool {
	r.state.mu.RLock()
	defer r.state.mu.RUnlock()

	return r.ownerLocked(entityID) == r.self
}

// OwnedPartitions implements types.PartitionResolver. The static resolver has
// a single partition 0 owned by the default owner.
func (r *StaticResolver) OwnedPartitions() []int {
	r.state.mu.RLock()
	defer r.state.mu.RUnlock()

	if r.state.defaultOwner == r.self {
		return []int{0}
	}

	return nil
}

func (r *StaticResolver) ownerLocked(entityID string) string {
	if owner, ok := r.state.owners[entityID]; ok {
		return owner
	}

	return r.state.defaultOwner
}
