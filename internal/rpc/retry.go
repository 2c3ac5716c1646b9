package rpc

import (
	"context"
	"time"

	keelerr "github.com/keelwallet/keel/pkg/errors"
)

// Default retry settings. Backoff is deterministic (base delay doubled
// per attempt, no jitter) so elapsed retry time is exactly computable
// from the attempt count.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 300 * time.Millisecond
)

// RetryConfig configures the engine's attempt loop.
type RetryConfig struct {
	MaxAttempts int           // Total attempts, including the first
	BaseDelay   time.Duration // Delay after the first failure, doubled per attempt
}

// DefaultRetryConfig returns the default retry configuration:
// 3 attempts with delays 300ms, 600ms.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
	}
}

// BackoffDelay returns the delay after a failed attempt (0-based):
// baseDelay * 2^attempt.
func BackoffDelay(attempt int, baseDelay time.Duration) time.Duration {
	return baseDelay * (1 << attempt)
}

// IsRetryable reports whether a request failure should trigger another
// attempt: connection-level transport failures, HTTP status errors,
// malformed responses, RPC-level error objects, timeouts, and rate
// limiting all qualify. Infrastructural errors (client construction,
// unknown chain) do not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return keelerr.Is(err, keelerr.ErrRetryable) ||
		keelerr.Is(err, keelerr.ErrTimeout) ||
		keelerr.Is(err, keelerr.ErrRateLimited) ||
		keelerr.Is(err, keelerr.ErrHTTPStatus) ||
		keelerr.Is(err, keelerr.ErrInvalidResponse) ||
		keelerr.Is(err, keelerr.ErrRPC) ||
		keelerr.Is(err, context.DeadlineExceeded)
}

// sleeper waits for a backoff delay. Injectable for tests.
type sleeper func(ctx context.Context, d time.Duration) error

func defaultSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
