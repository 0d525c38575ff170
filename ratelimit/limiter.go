package ratelimit

import (
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/thingsboard/thingsboard-sub020/internal/logger"
	"github.com/thingsboard/thingsboard-sub020/types"
)

// DefaultCacheSize bounds the number of (scope, key, policy) bucket sets kept in memory.
const DefaultCacheSize = 65536

// TokenBucketLimiter is a types.RateLimiter backed by golang.org/x/time/rate.
//
// Bucket sets are created lazily per (scope, key, policy) and kept in an LRU
// cache; an evicted key starts again with full buckets. Unparsable policies
// are logged once and fail open.
type TokenBucketLimiter struct {
	clock   clock.Clock
	logger  types.Logger
	buckets *lru.Cache[string, *bucketSet]

	mu      sync.Mutex
	invalid map[string]struct{}
}

var _ types.RateLimiter = (*TokenBucketLimiter)(nil)

// bucketSet holds one limiter per policy bandwidth. The mutex makes the
// reserve-all-or-nothing step atomic.
type bucketSet struct {
	mu       sync.Mutex
	limiters []*rate.Limiter
}

// Option configures a TokenBucketLimiter.
type Option func(*TokenBucketLimiter)

// WithClock sets the clock used to refill buckets.
func WithClock(c clock.Clock) Option {
	return func(l *TokenBucketLimiter) {
		if c != nil {
			l.clock = c
		}
	}
}

// WithLogger sets the limiter logger.
func WithLogger(lg types.Logger) Option {
	return func(l *TokenBucketLimiter) {
		if lg != nil {
			l.logger = lg
		}
	}
}

// NewTokenBucketLimiter creates a limiter caching up to cacheSize bucket sets
// (DefaultCacheSize when <= 0).
func NewTokenBucketLimiter(cacheSize int, opts ...Option) *TokenBucketLimiter {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}

	// lru.New only fails for a non-positive size.
	cache, _ := lru.New[string, *bucketSet](cacheSize)

	l := &TokenBucketLimiter{
		clock:   clock.New(),
		logger:  logger.NewNop(),
		buckets: cache,
		invalid: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}

	return l
}

// CheckLimit consumes one token from every bucket of (scope, key) under policy.
//
// An empty policy always allows. The call either consumes a token from every
// bucket or from none.
//
// Returns:
//   - bool: true if the action is allowed
func (l *TokenBucketLimiter) CheckLimit(scope, key, policy string) bool {
	if strings.TrimSpace(policy) == "" {
		return true
	}

	set, ok := l.bucketSet(scope, key, policy)
	if !ok {
		return true
	}

	now := l.clock.Now()

	set.mu.Lock()
	defer set.mu.Unlock()

	reservations := make([]*rate.Reservation, 0, len(set.limiters))
	for _, lim := range set.limiters {
		r := lim.ReserveN(now, 1)
		if !r.OK() || r.DelayFrom(now) > 0 {
			r.CancelAt(now)
			for _, prev := range reservations {
				prev.CancelAt(now)
			}

			return false
		}
		reservations = append(reservations, r)
	}

	return true
}

// Len returns the number of cached bucket sets.
func (l *TokenBucketLimiter) Len() int {
	return l.buckets.Len()
}

func (l *TokenBucketLimiter) bucketSet(scope, key, policy string) (*bucketSet, bool) {
	cacheKey := scope + "\x00" + key + "\x00" + policy
	if set, ok := l.buckets.Get(cacheKey); ok {
		return set, true
	}

	bandwidths, err := ParsePolicy(policy)
	if err != nil {
		l.warnInvalid(policy, err)
		return nil, false
	}

	set := &bucketSet{limiters: make([]*rate.Limiter, 0, len(bandwidths))}
	for _, bw := range bandwidths {
		perSecond := rate.Limit(float64(bw.Capacity) / bw.Period.Seconds())
		// A new limiter starts with a full bucket.
		set.limiters = append(set.limiters, rate.NewLimiter(perSecond, bw.Capacity))
	}

	// Another goroutine may have raced us; keep the first one.
	if prev, ok, _ := l.buckets.PeekOrAdd(cacheKey, set); ok {
		return prev, true
	}

	return set, true
}

func (l *TokenBucketLimiter) warnInvalid(policy string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, seen := l.invalid[policy]; seen {
		return
	}
	l.invalid[policy] = struct{}{}
	l.logger.Warn("ignoring invalid rate limit policy", "policy", policy, "error", err)
}
