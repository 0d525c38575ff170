// Package partition maps entities to partitions and partitions to cluster nodes.
//
// An entity's partition is xxh3(entityID) modulo the partition count; the
// owner of a partition is found on a consistent hash ring built from the live
// node set. The ring is rebuilt whenever the node monitor reports a topology
// change.
package partition

import (
	"slices"
	"sync"

	"github.com/zeebo/xxh3"

	"github.com/thingsboard/thingsboard-sub020/internal/hash"
	"github.com/thingsboard/thingsboard-sub020/types"
)

// TenantChecker reports whether a tenant still exists.
type TenantChecker func(tenantID string) bool

// HashResolver implements types.PartitionResolver with a consistent hash ring.
type HashResolver struct {
	nodeID       string
	count        int
	virtualNodes int
	tenantExists TenantChecker

	mu    sync.RWMutex
	ring  *hash.Ring
	owned []int
}

// Compile-time assertion that HashResolver implements PartitionResolver.
var _ types.PartitionResolver = (*HashResolver)(nil)

// Option configures a HashResolver.
type Option func(*HashResolver)

// WithTenantChecker makes ResolveOwner fail with types.ErrTenantNotFound for
// tenants the checker rejects.
func WithTenantChecker(fn TenantChecker) Option {
	return func(r *HashResolver) {
		r.tenantExists = fn
	}
}

// NewHashResolver creates a resolver whose ring initially holds only nodeID.
//
// Parameters:
//   - nodeID: This node's ID
//   - partitionCount: Number of partitions (minimum 1)
//   - virtualNodes: Virtual nodes per node on the ring (minimum 1)
//   - opts: Optional settings
//
// Returns:
//   - *HashResolver: Resolver owning every partition until SetNodes is called
func NewHashResolver(nodeID string, partitionCount, virtualNodes int, opts ...Option) *HashResolver {
	r := &HashResolver{
		nodeID:       nodeID,
		count:        max(partitionCount, 1),
		virtualNodes: max(virtualNodes, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.SetNodes(nil)

	return r
}

// PartitionOf returns the partition of an entity.
func (r *HashResolver) PartitionOf(entityID string) int {
	return int(xxh3.HashString(entityID) % uint64(r.count)) //nolint:gosec
}

// ResolveOwner returns the node owning the entity's partition.
func (r *HashResolver) ResolveOwner(tenantID, entityID string) (string, error) {
	if r.tenantExists != nil && !r.tenantExists(tenantID) {
		return "", types.ErrTenantNotFound
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.ring.GetNodeForPartition(r.PartitionOf(entityID)), nil
}

// IsMyPartition reports whether this node owns the entity's partition.
func (r *HashResolver) IsMyPartition(_ /* tenantID */, entityID string) bool {
	p := r.PartitionOf(entityID)

	r.mu.RLock()
	defer r.mu.RUnlock()

	_, found := slices.BinarySearch(r.owned, p)

	return found
}

// OwnedPartitions returns the partitions owned by this node, sorted.
func (r *HashResolver) OwnedPartitions() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return slices.Clone(r.owned)
}

// Nodes returns the nodes currently on the ring.
func (r *HashResolver) Nodes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.ring.Nodes()
}

// SetNodes rebuilds the ring from the live node set. This node is always included.
//
// Returns:
//   - bool: true if the set of partitions owned by this node changed
func (r *HashResolver) SetNodes(nodes []string) bool {
	all := make([]string, 0, len(nodes)+1)
	all = append(all, r.nodeID)
	all = append(all, nodes...)
	slices.Sort(all)
	all = slices.Compact(all)

	ring := hash.NewRing(all, r.virtualNodes, 0)
	owned := make([]int, 0, r.count/len(all)+1)
	for p := range r.count {
		if ring.GetNodeForPartition(p) == r.nodeID {
			owned = append(owned, p)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	changed := r.ring == nil || !slices.Equal(r.owned, owned)
	r.ring = ring
	r.owned = owned

	return changed
}
