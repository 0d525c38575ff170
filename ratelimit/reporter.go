package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/thingsboard/thingsboard-sub020/internal/logger"
	"github.com/thingsboard/thingsboard-sub020/types"
)

// Default error reporter settings.
const (
	DefaultErrorCooldown  = time.Minute
	DefaultErrorCacheSize = 10000
)

// ErrorReporter sends subscription errors to client sessions, suppressing
// repeats of the same message to the same session within a cooldown window.
type ErrorReporter struct {
	transport types.SessionTransport
	cooldown  time.Duration
	clock     clock.Clock
	logger    types.Logger
	// lastSent maps session+message to the time it was last sent.
	lastSent *lru.Cache[string, time.Time]
}

// ReporterOption configures an ErrorReporter.
type ReporterOption func(*ErrorReporter)

// WithReporterClock sets the clock used for the cooldown window.
func WithReporterClock(c clock.Clock) ReporterOption {
	return func(r *ErrorReporter) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithReporterLogger sets the reporter logger.
func WithReporterLogger(l types.Logger) ReporterOption {
	return func(r *ErrorReporter) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewErrorReporter creates a reporter sending through transport.
//
// Parameters:
//   - transport: Session transport (nil disables sending, errors are only logged)
//   - cooldown: Suppression window per session+message (DefaultErrorCooldown when <= 0)
//   - cacheSize: Remembered session+message pairs (DefaultErrorCacheSize when <= 0)
func NewErrorReporter(transport types.SessionTransport, cooldown time.Duration, cacheSize int, opts ...ReporterOption) *ErrorReporter {
	if cooldown <= 0 {
		cooldown = DefaultErrorCooldown
	}
	if cacheSize <= 0 {
		cacheSize = DefaultErrorCacheSize
	}
	cache, _ := lru.New[string, time.Time](cacheSize)

	r := &ErrorReporter{
		transport: transport,
		cooldown:  cooldown,
		clock:     clock.New(),
		logger:    logger.NewNop(),
		lastSent:  cache,
	}
	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Report sends msg with code for subscriptionID to sessionID unless the same
// message was sent to that session within the cooldown window.
//
// Returns:
//   - bool: true if the error was sent
func (r *ErrorReporter) Report(ctx context.Context, sessionID string, subscriptionID int, code types.ErrorCode, msg string) bool {
	key := sessionID + "\x00" + strconv.Itoa(int(code)) + "\x00" + msg
	now := r.clock.Now()

	if last, ok := r.lastSent.Get(key); ok && now.Sub(last) < r.cooldown {
		r.logger.Debug("suppressing repeated session error", "session", sessionID, "message", msg)
		return false
	}
	r.lastSent.Add(key, now)

	if r.transport == nil {
		r.logger.Warn("session error without transport", "session", sessionID, "subscription", subscriptionID, "message", msg)
		return false
	}

	if err := r.transport.SendError(ctx, sessionID, subscriptionID, code, msg); err != nil {
		r.logger.Warn("failed to send session error", "session", sessionID, "subscription", subscriptionID, "error", err)
		return false
	}

	return true
}
