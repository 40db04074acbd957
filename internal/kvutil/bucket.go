// Package kvutil provides utilities for working with NATS JetStream KeyValue stores.
package kvutil

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/nats-io/nats.go/jetstream"
)

// EnsureKVBucketWithRetry creates or opens a KV bucket, retrying transient
// failures with exponential backoff.
//
// Concurrent creators of the same bucket are tolerated: ErrBucketExists makes
// the call open the existing bucket instead.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - js: JetStream context
//   - config: KV bucket configuration
//   - maxRetries: Maximum number of attempts (default: 3)
//
// Returns:
//   - jetstream.KeyValue: The KV bucket instance
//   - error: The last error once attempts are exhausted or ctx is done
//
// Example:
//
//	kv, err := kvutil.EnsureKVBucketWithRetry(ctx, js, jetstream.KeyValueConfig{
//	    Bucket:  "moly-topology",
//	    History: 1,
//	}, 3)
func EnsureKVBucketWithRetry(
	ctx context.Context,
	js jetstream.JetStream,
	config jetstream.KeyValueConfig,
	maxRetries int,
) (jetstream.KeyValue, error) {
	if maxRetries <= 0 {
		maxRetries = 3
	}

	open := func() (jetstream.KeyValue, error) {
		kv, err := js.CreateKeyValue(ctx, config)
		if err == nil {
			return kv, nil
		}
		if !errors.Is(err, jetstream.ErrBucketExists) {
			return nil, err
		}

		kv, err = js.KeyValue(ctx, config.Bucket)
		if err != nil {
			return nil, fmt.Errorf("bucket exists but failed to open: %w", err)
		}

		return kv, nil
	}

	kv, err := backoff.Retry(ctx, open,
		backoff.WithBackOff(&backoff.ExponentialBackOff{
			InitialInterval:     10 * time.Millisecond,
			RandomizationFactor: backoff.DefaultRandomizationFactor,
			Multiplier:          backoff.DefaultMultiplier,
			MaxInterval:         time.Second,
		}),
		backoff.WithMaxTries(uint(maxRetries)), //nolint:gosec // maxRetries is positive
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create/open KV bucket %s after %d attempts: %w",
			config.Bucket, maxRetries, err)
	}

	return kv, nil
}
