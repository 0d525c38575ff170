package kvutil

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
)

// EnsureStreamWithRetry creates the stream or updates it to match config.
//
// CreateOrUpdateStream is idempotent, so concurrent callers with the same
// configuration all succeed; only transient API failures are retried.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - js: JetStream context
//   - config: Stream configuration
//   - maxRetries: Maximum number of attempts (DefaultMaxRetries when <= 0)
//
// Returns:
//   - jetstream.Stream: The stream handle
//   - error: The last error once all attempts failed
func EnsureStreamWithRetry(
	ctx context.Context,
	js jetstream.JetStream,
	config jetstream.StreamConfig,
	maxRetries int,
) (jetstream.Stream, error) {
	var stream jetstream.Stream
	err := withRetry(ctx, maxRetries, func() error {
		var err error
		stream, err = js.CreateOrUpdateStream(ctx, config)

		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create/update stream %s: %w", config.Name, err)
	}

	return stream, nil
}

// EnsureConsumerWithRetry creates the durable consumer on stream or updates it
// to match config.
//
// onRetry, if non-nil, is called before every attempt after the first with the
// attempt number and the previous error.
func EnsureConsumerWithRetry(
	ctx context.Context,
	js jetstream.JetStream,
	stream string,
	config jetstream.ConsumerConfig,
	maxRetries int,
	onRetry func(attempt int, err error),
) (jetstream.Consumer, error) {
	var (
		cons    jetstream.Consumer
		lastErr error
		attempt int
	)
	err := withRetry(ctx, maxRetries, func() error {
		if attempt > 0 && onRetry != nil {
			onRetry(attempt, lastErr)
		}
		attempt++
		cons, lastErr = js.CreateOrUpdateConsumer(ctx, stream, config)

		return lastErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create/update consumer %s: %w", config.Durable, err)
	}

	return cons, nil
}
