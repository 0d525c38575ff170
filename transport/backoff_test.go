package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRetryDelay_StaysWithinBounds(t *testing.T) {
	base := 200 * time.Millisecond
	capDur := 500 * time.Millisecond
	rng := newRetryRNG(42)

	prev := time.Duration(0)
	for range 10 {
		next := retryDelay(prev, base, 1.6, capDur, rng)
		require.GreaterOrEqual(t, next, base)
		require.LessOrEqual(t, next, capDur)
		prev = next
	}
}

func TestRetryDelay_CapBelowBase(t *testing.T) {
	rng := newRetryRNG(1)

	require.Equal(t, 100*time.Millisecond, retryDelay(0, 200*time.Millisecond, 1.6, 100*time.Millisecond, rng))
	require.Equal(t, 100*time.Millisecond, retryDelay(time.Second, 200*time.Millisecond, 1.6, 100*time.Millisecond, rng))
}

func TestRetryDelay_SeedsDiverge(t *testing.T) {
	base := 200 * time.Millisecond
	capDur := 2 * time.Second

	seen := make(map[time.Duration]struct{})
	for seed := int64(1); seed <= 5; seed++ {
		rng := newRetryRNG(seed)
		prev := time.Duration(0)
		for range 12 {
			prev = retryDelay(prev, base, 1.6, capDur, rng)
		}
		seen[prev] = struct{}{}
	}

	require.Greater(t, len(seen), 1, "different seeds should not all converge to the same delay")
}

func TestNewRetryRNG_ZeroSeed(t *testing.T) {
	require.Nil(t, newRetryRNG(0))
	require.NotNil(t, newRetryRNG(7))
}
