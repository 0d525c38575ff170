// Package ratelimit implements the subscribe-time rate limiter and the
// deduplicated error reporting sent to client sessions.
//
// Policies are strings of comma separated "capacity:seconds" pairs, for
// example "100:1,3000:60" allows bursts of 100 per second and at most 3000
// per minute. Every pair becomes one token bucket; an action is allowed only
// when every bucket has a token.
package ratelimit
