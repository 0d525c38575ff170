package ratelimit

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidPolicy is returned for policy strings that cannot be parsed.
var ErrInvalidPolicy = errors.New("invalid rate limit policy")

// Bandwidth is one capacity-per-period pair of a policy.
type Bandwidth struct {
	Capacity int
	Period   time.Duration
}

// ParsePolicy parses a "capacity:seconds[,capacity:seconds...]" policy.
//
// Returns:
//   - []Bandwidth: one entry per pair, in policy order (nil for an empty policy)
//   - error: ErrInvalidPolicy wrapped with the offending pair
func ParsePolicy(policy string) ([]Bandwidth, error) {
	policy = strings.TrimSpace(policy)
	if policy == "" {
		return nil, nil
	}

	parts := strings.Split(policy, ",")
	out := make([]Bandwidth, 0, len(parts))
	for _, part := range parts {
		capStr, secStr, ok := strings.Cut(strings.TrimSpace(part), ":")
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPolicy, part)
		}

		capacity, err := strconv.Atoi(strings.TrimSpace(capStr))
		if err != nil || capacity <= 0 {
			return nil, fmt.Errorf("%w: capacity in %q", ErrInvalidPolicy, part)
		}
		seconds, err := strconv.Atoi(strings.TrimSpace(secStr))
		if err != nil || seconds <= 0 {
			return nil, fmt.Errorf("%w: period in %q", ErrInvalidPolicy, part)
		}

		out = append(out, Bandwidth{Capacity: capacity, Period: time.Duration(seconds) * time.Second})
	}

	return out, nil
}
