package hash

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	nodes := []string{"node-0", "node-1", "node-2"}
	ring := NewRing(nodes, 100, 0)

	require.NotNil(t, ring)
	require.Equal(t, 300, ring.Size()) // 3 nodes * 100 virtual nodes
	require.ElementsMatch(t, nodes, ring.Nodes())
}

func TestNew_DeduplicatesNodes(t *testing.T) {
	ring := NewRing([]string{"node-0", "node-0", "node-1"}, 10, 0)

	require.Equal(t, []string{"node-0", "node-1"}, ring.Nodes())
	require.Equal(t, 20, ring.Size())
}

func TestRing_GetNode(t *testing.T) {
	t.Run("assigns keys consistently", func(t *testing.T) {
		nodes := []string{"node-0", "node-1"}
		ring := NewRing(nodes, 150, 0)

		for _, key := range []string{"tenant/entity", "another-key", "xyz"} {
			first := ring.GetNode(key)
			require.Equal(t, first, ring.GetNode(key), "key %s not consistent", key)
			require.Contains(t, nodes, first)
		}
	})

	t.Run("distributes keys across nodes", func(t *testing.T) {
		nodes := []string{"node-0", "node-1", "node-2"}
		ring := NewRing(nodes, 150, 0)

		counts := make(map[string]int)
		for i := range 1000 {
			counts[ring.GetNode(fmt.Sprintf("partition-%d", i))]++
		}

		// Each node should get roughly 1/3 of keys (allow 20% variance)
		expectedPerNode := 1000 / len(nodes)
		tolerance := expectedPerNode * 20 / 100

		for _, node := range nodes {
			count := counts[node]
			require.GreaterOrEqual(t, count, expectedPerNode-tolerance, "node %s under-assigned", node)
			require.LessOrEqual(t, count, expectedPerNode+tolerance, "node %s over-assigned", node)
		}
	})

	t.Run("returns empty string for empty ring", func(t *testing.T) {
		ring := NewRing(nil, 150, 0)
		require.Empty(t, ring.GetNode("any-key"))
		require.Empty(t, ring.GetNodeForPartition(3))
	})
}

func TestRing_GetNodeForPartition(t *testing.T) {
	nodes := []string{"node-0", "node-1"}
	ring := NewRing(nodes, 150, 0)

	for p := range 64 {
		owner := ring.GetNodeForPartition(p)
		require.Contains(t, nodes, owner)
		require.Equal(t, owner, ring.GetNodeForPartition(p))
	}

	t.Run("single node owns everything", func(t *testing.T) {
		single := NewRing([]string{"node-0"}, 10, 0)
		for p := range 16 {
			require.Equal(t, "node-0", single.GetNodeForPartition(p))
		}
	})
}

func TestRing_Affinity(t *testing.T) {
	const partitions = 1000

	t.Run("maintains affinity when node added", func(t *testing.T) {
		ring1 := NewRing([]string{"node-0", "node-1"}, 150, 12345)
		ring2 := NewRing([]string{"node-0", "node-1", "node-2"}, 150, 12345)

		same := 0
		for p := range partitions {
			if ring1.GetNodeForPartition(p) == ring2.GetNodeForPartition(p) {
				same++
			}
		}

		// Theoretical affinity is 66.7%; allow for small-sample variance
		affinityPercent := same * 100 / partitions
		require.GreaterOrEqual(t, affinityPercent, 45)
		t.Logf("affinity when adding node: %d%%", affinityPercent)
	})

	t.Run("keeps surviving owners when node removed", func(t *testing.T) {
		ring1 := NewRing([]string{"node-0", "node-1", "node-2"}, 150, 12345)
		ring2 := NewRing([]string{"node-0", "node-1"}, 150, 12345)

		for p := range partitions {
			before := ring1.GetNodeForPartition(p)
			if before == "node-2" {
				continue
			}
			require.Equal(t, before, ring2.GetNodeForPartition(p), "partition %d moved", p)
		}
	})
}

func TestRing_DifferentSeeds(t *testing.T) {
	nodes := []string{"node-0", "node-1", "node-2"}

	ring1 := NewRing(nodes, 150, 0)
	ring2 := NewRing(nodes, 150, 12345)
	ring3 := NewRing(nodes, 150, 12345)

	different := 0
	for p := range 100 {
		owner2 := ring2.GetNodeForPartition(p)
		require.Equal(t, owner2, ring3.GetNodeForPartition(p), "same seed should produce same owner")

		if ring1.GetNodeForPartition(p) != owner2 {
			different++
		}
	}

	require.GreaterOrEqual(t, different, 30, "different seeds should produce different layouts")
}
