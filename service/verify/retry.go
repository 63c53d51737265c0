package verify

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/nimbuschat/paygate/service/metrics"
	"github.com/nimbuschat/paygate/service/solana"
)

// RetryConfig bounds the retry behavior around ledger I/O.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultRetryConfig matches the ledger's replication characteristics: most
// lookup failures are transient (replication lag, rate limits) and resolve
// within a few seconds.
var DefaultRetryConfig = RetryConfig{
	MaxAttempts: 5,
	BaseDelay:   2 * time.Second,
}

// isTransient reports whether a ledger error is worth retrying. Retries are
// scoped to transient I/O failures only; deterministic errors fail
// immediately so a bad request does not amplify latency.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	// The surrounding context expiring means the whole request is done.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	// A missing record may simply not be visible at this commitment yet.
	if errors.Is(err, solana.ErrTransactionNotFound) {
		return true
	}
	return isRateLimited(err) || isNetworkError(err)
}

// retryReason labels a transient error for the retry counter.
func retryReason(err error) string {
	switch {
	case errors.Is(err, solana.ErrTransactionNotFound):
		return "not_visible"
	case isRateLimited(err):
		return "rate_limit"
	case isNetworkError(err):
		return "network_error"
	default:
		return "transient_error"
	}
}

// retry runs op with bounded exponential backoff. Only transient errors are
// retried; the last error is returned on exhaustion. Backoff is
// base * 2^attempt plus up to 1s of jitter. m may be nil.
func retry[T any](ctx context.Context, cfg RetryConfig, m *metrics.Metrics, logger *slog.Logger, op func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !isTransient(err) {
			return zero, err
		}

		if attempt == cfg.MaxAttempts-1 {
			break
		}

		if m != nil {
			m.RecordRPCRetry("GetTransaction", retryReason(err))
		}

		backoff := cfg.BaseDelay<<uint(attempt) + time.Duration(rand.Int64N(int64(time.Second)))
		logger.DebugContext(ctx, "transient ledger error, backing off",
			"attempt", attempt+1,
			"max_attempts", cfg.MaxAttempts,
			"backoff", backoff,
			"error", err,
		)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}

	return zero, lastErr
}
