// Package kvutil provisions the JetStream streams and KeyValue buckets the
// fan-out layer runs on.
//
// Several nodes usually start at the same time and race to create the same
// resources; every helper here treats "already exists" as success and retries
// transient failures with a short exponential backoff.
package kvutil

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// DefaultMaxRetries is used when callers pass a non-positive retry count.
const DefaultMaxRetries = 3

// EnsureKVBucketWithRetry creates or opens a KV bucket with retry logic.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - js: JetStream context
//   - config: KV bucket configuration
//   - maxRetries: Maximum number of attempts (DefaultMaxRetries when <= 0)
//
// Returns:
//   - jetstream.KeyValue: The KV bucket instance
//   - error: The last error once all attempts failed
//
// Example:
//
//	kv, err := kvutil.EnsureKVBucketWithRetry(ctx, js, jetstream.KeyValueConfig{
//	    Bucket: "fanout-heartbeats",
//	    TTL:    6 * time.Second,
//	}, 3)
func EnsureKVBucketWithRetry(
	ctx context.Context,
	js jetstream.JetStream,
	config jetstream.KeyValueConfig,
	maxRetries int,
) (jetstream.KeyValue, error) {
	var kv jetstream.KeyValue
	err := withRetry(ctx, maxRetries, func() error {
		var err error
		kv, err = js.CreateKeyValue(ctx, config)
		if err == nil {
			return nil
		}
		if !errors.Is(err, jetstream.ErrBucketExists) {
			return err
		}

		kv, err = js.KeyValue(ctx, config.Bucket)
		if err != nil {
			return fmt.Errorf("bucket exists but failed to open: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create/open KV bucket %s: %w", config.Bucket, err)
	}

	return kv, nil
}

// withRetry runs op until it succeeds, the context ends or the attempts run out.
// The delay doubles from 10ms between attempts.
func withRetry(ctx context.Context, maxRetries int, op func() error) error {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}

		if ctx.Err() != nil {
			return fmt.Errorf("context cancelled during provisioning: %w", ctx.Err())
		}

		if attempt < maxRetries-1 {
			backoff := time.Duration(1<<uint(attempt)) * 10 * time.Millisecond //nolint:gosec // attempt is bounded by maxRetries
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	return fmt.Errorf("gave up after %d attempts: %w", maxRetries, lastErr)
}
