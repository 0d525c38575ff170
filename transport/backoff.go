package transport

import (
	rand "math/rand/v2"
	"time"
)

// retryDelay computes the next delay of a capped, jittered exponential backoff.
//
// The next delay is drawn from [base, prev*mult) and clamped to capDur:
//   - prev <= 0 starts from base
//   - mult below 1.0 is treated as 1.0 (no growth)
//   - capDur below base always yields capDur
//
// A nil rng uses the package-level generator.
func retryDelay(prev, base time.Duration, mult float64, capDur time.Duration, rng *rand.Rand) time.Duration {
	if base <= 0 {
		base = 50 * time.Millisecond
	}
	if mult < 1.0 {
		mult = 1.0
	}
	if capDur > 0 && capDur < base {
		return capDur
	}
	if prev <= 0 {
		return base
	}

	spread := time.Duration(float64(prev)*mult) - base
	if spread <= 0 {
		spread = base
	}

	var jitter int64
	if rng != nil {
		jitter = rng.Int64N(int64(spread))
	} else {
		jitter = rand.Int64N(int64(spread)) //nolint:gosec // non-crypto backoff jitter
	}

	next := base + time.Duration(jitter)
	if capDur > 0 && next > capDur {
		return capDur
	}

	return next
}

// newRetryRNG returns a seeded generator, or nil for seed 0 so callers fall
// back to the package-level generator.
//
//nolint:gosec
func newRetryRNG(seed int64) *rand.Rand {
	if seed == 0 {
		return nil
	}
	s1 := uint64(seed)
	s2 := s1 ^ 0x9e3779b97f4a7c15

	return rand.New(rand.NewPCG(s1, s2))
}
