package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
)

// errTransient marks failures worth another attempt: timeouts, 5xx, 429 and
// connection errors. Leaf adapters mark with it alongside the taxonomy sentinel.
var errTransient = errors.New("transient failure")

func markTransient(err error) error {
	return errors.Mark(err, errTransient)
}

func isTransient(err error) bool {
	return errors.Is(err, errTransient)
}

// RetryPolicy bounds a retry loop with exponential backoff.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
}

// DefaultRetryPolicy is used for the completion service and the content store.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Second}

// withRetry runs fn until it succeeds, returns an error retryable rejects, or
// the attempts run out. The last error is returned with its marks intact.
func withRetry(ctx context.Context, logCtx *slog.Logger, op string, policy RetryPolicy, retryable func(error) bool, fn func(context.Context) error) error {
	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	backoff := policy.InitialBackoff
	var lastErr error

	for i := 0; i < maxAttempts; i++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable(err) {
			return err
		}
		if i == maxAttempts-1 {
			break
		}

		logCtx.Warn(
			"Call failed, will retry.",
			"operation", op,
			"attempt", i+1,
			"maxAttempts", maxAttempts,
			"backoff", backoff.String(),
			"error", err,
		)

		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			logCtx.Error("Context cancelled during backoff. Aborting retries.", "operation", op, "error", ctx.Err())
			return errors.Wrapf(lastErr, "%s aborted during backoff (%v)", op, ctx.Err())
		}
	}
	logCtx.Error("Call failed after all retries.", "operation", op, "attempts", maxAttempts, "error", lastErr)
	return errors.Wrapf(lastErr, "%s failed after %d attempts", op, maxAttempts)
}
