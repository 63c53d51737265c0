package verify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbuschat/paygate/service/metrics"
	"github.com/nimbuschat/paygate/service/solana"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// fastRetry keeps backoff negligible so tests don't sleep for real.
var fastRetry = RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond}

func TestRetrySucceedsFirstAttempt(t *testing.T) {
	calls := 0
	result, err := retry(context.Background(), fastRetry, nil, testLogger(), func(ctx context.Context) (string, error) {
		calls++
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 1, calls)
}

func TestRetryRecoversFromTransientError(t *testing.T) {
	calls := 0
	result, err := retry(context.Background(), fastRetry, nil, testLogger(), func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", solana.ErrTransactionNotFound
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 3, calls)
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	permanent := errors.New("invalid signature")
	calls := 0
	_, err := retry(context.Background(), fastRetry, nil, testLogger(), func(ctx context.Context) (string, error) {
		calls++
		return "", permanent
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls, "permanent errors must not be retried")
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	_, err := retry(context.Background(), fastRetry, nil, testLogger(), func(ctx context.Context) (string, error) {
		calls++
		return "", solana.ErrTransactionNotFound
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, solana.ErrTransactionNotFound)
	assert.Equal(t, fastRetry.MaxAttempts, calls)
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	slowRetry := RetryConfig{MaxAttempts: 5, BaseDelay: time.Minute}
	done := make(chan struct{})
	var retErr error
	go func() {
		defer close(done)
		_, retErr = retry(ctx, slowRetry, nil, testLogger(), func(ctx context.Context) (string, error) {
			calls++
			return "", solana.ErrTransactionNotFound
		})
	}()

	// Cancel while the retry loop is sleeping in its first backoff.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("retry did not return after context cancellation")
	}

	require.Error(t, retErr)
	assert.ErrorIs(t, retErr, context.Canceled)
	assert.Equal(t, 1, calls)
}

// counterTotal sums every series of a counter family in the registry.
func counterTotal(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	total := 0.0
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func TestRetryRecordsRetryAttempts(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)

	_, err := retry(context.Background(), fastRetry, m, testLogger(), func(ctx context.Context) (string, error) {
		return "", solana.ErrTransactionNotFound
	})
	require.Error(t, err)

	// MaxAttempts calls means MaxAttempts-1 backoffs, each counted.
	assert.Equal(t, float64(fastRetry.MaxAttempts-1), counterTotal(t, reg, "solana_rpc_retries_total"))
}

func TestRetryReasonLabels(t *testing.T) {
	assert.Equal(t, "not_visible", retryReason(solana.ErrTransactionNotFound))
	assert.Equal(t, "rate_limit", retryReason(errors.New("429 Too Many Requests")))
	assert.Equal(t, "network_error", retryReason(errors.New("dial tcp: connection refused")))
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "nil error",
			err:  nil,
			want: false,
		},
		{
			name: "transaction not found",
			err:  solana.ErrTransactionNotFound,
			want: true,
		},
		{
			name: "rate limited",
			err:  errors.New("429 Too Many Requests"),
			want: true,
		},
		{
			name: "connection refused",
			err:  errors.New("dial tcp: connection refused"),
			want: true,
		},
		{
			name: "context canceled",
			err:  context.Canceled,
			want: false,
		},
		{
			name: "context deadline exceeded",
			err:  context.DeadlineExceeded,
			want: false,
		},
		{
			name: "arbitrary error",
			err:  errors.New("something broke"),
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isTransient(tt.err))
		})
	}
}
