package fanout

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDiffPartitions(t *testing.T) {
	added, removed := diffPartitions(nil, []int{0, 1, 2})
	require.Equal(t, []int{0, 1, 2}, added)
	require.Empty(t, removed)

	added, removed = diffPartitions([]int{0, 1, 2, 5}, []int{1, 2, 3})
	require.Equal(t, []int{3}, added)
	require.Equal(t, []int{0, 5}, removed)

	added, removed = diffPartitions([]int{4}, []int{4})
	require.Empty(t, added)
	require.Empty(t, removed)
}
