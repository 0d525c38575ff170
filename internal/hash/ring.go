package hash

import (
	"encoding/binary"
	"slices"

	"github.com/zeebo/xxh3"
)

// Ring implements a consistent hash ring with virtual nodes.
//
// The ring maps partitions to cluster nodes using consistent hashing, which
// keeps most partitions on the same node when nodes join or leave.
type Ring struct {
	// vnodes contains all virtual nodes on the ring, sorted by hash
	vnodes []virtualNode

	// nodes holds the unique list of nodes present on the ring
	nodes []string

	// seed for hash function (0 means no seed)
	seed uint64
}

// virtualNode represents a virtual node on the hash ring.
type virtualNode struct {
	hash   uint64 // Position on the ring
	nodeID string // Node owning this virtual node
}

// NewRing creates a new consistent hash ring.
//
// Parameters:
//   - nodes: List of node IDs to place on the ring
//   - virtualNodesPerNode: Number of virtual nodes per node (higher = better distribution)
//   - seed: Seed for hash function (0 for unseeded, non-zero for a distinct layout)
//
// Returns:
//   - *Ring: Initialized hash ring
//
// Example:
//
//	ring := hash.NewRing([]string{"node-0", "node-1"}, 150, 0)
//	owner := ring.GetNodeForPartition(7)
func NewRing(nodes []string, virtualNodesPerNode int, seed uint64) *Ring {
	ring := &Ring{
		vnodes: make([]virtualNode, 0, len(nodes)*virtualNodesPerNode),
		nodes:  make([]string, 0, len(nodes)),
		seed:   seed,
	}

	// Deduplicate nodes while preserving order
	seen := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		ring.nodes = append(ring.nodes, n)
	}

	for _, nodeID := range ring.nodes {
		ring.addNode(nodeID, virtualNodesPerNode)
	}

	slices.SortFunc(ring.vnodes, func(a, b virtualNode) int {
		switch {
		case a.hash < b.hash:
			return -1
		case a.hash > b.hash:
			return 1
		default:
			return 0
		}
	})

	return ring
}

// GetNode finds the node responsible for a string key.
//
// Returns an empty string when the ring has no nodes.
func (r *Ring) GetNode(key string) string {
	if len(r.vnodes) == 0 {
		return ""
	}

	return r.getNodeByHash(r.hash(key))
}

// GetNodeForPartition finds the node responsible for a numbered partition.
//
// Parameters:
//   - partition: Partition number
//
// Returns:
//   - string: Node ID owning this partition (empty when the ring has no nodes)
func (r *Ring) GetNodeForPartition(partition int) string {
	if len(r.vnodes) == 0 {
		return ""
	}

	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(partition)) //nolint:gosec

	return r.getNodeByHash(xxh3.HashSeed(b[:], r.seed))
}

// Nodes returns the list of unique nodes on the ring.
func (r *Ring) Nodes() []string {
	return append([]string(nil), r.nodes...)
}

// Size returns the total number of virtual nodes on the ring.
func (r *Ring) Size() int {
	return len(r.vnodes)
}

// addNode adds virtual nodes for a node to the ring.
func (r *Ring) addNode(nodeID string, virtualNodes int) {
	for i := range virtualNodes {
		// Fold nodeID, then the vnode index using the previous hash as seed.
		var h uint64
		if r.seed != 0 {
			h = xxh3.HashStringSeed(nodeID, r.seed)
		} else {
			h = xxh3.HashString(nodeID)
		}

		var ib [8]byte
		binary.LittleEndian.PutUint64(ib[:], uint64(i)) //nolint:gosec
		h = xxh3.HashSeed(ib[:], h)

		r.vnodes = append(r.vnodes, virtualNode{hash: h, nodeID: nodeID})
	}
}

// hash computes a 64-bit hash of the key using XXH3.
func (r *Ring) hash(key string) uint64 {
	if r.seed != 0 {
		return xxh3.HashStringSeed(key, r.seed)
	}

	return xxh3.HashString(key)
}

// getNodeByHash returns the node for a given hash value using binary search over the ring.
func (r *Ring) getNodeByHash(target uint64) string {
	idx, found := slices.BinarySearchFunc(r.vnodes, target, func(node virtualNode, t uint64) int {
		switch {
		case node.hash < t:
			return -1
		case node.hash > t:
			return 1
		default:
			return 0
		}
	})

	// Wrap around to the first node past the end of the ring
	if !found && idx >= len(r.vnodes) {
		idx = 0
	}

	return r.vnodes[idx].nodeID
}
