package verify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nimbuschat/paygate/service/solana"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Category
	}{
		{
			name: "deadline exceeded",
			err:  context.DeadlineExceeded,
			want: CategoryTimeout,
		},
		{
			name: "canceled",
			err:  context.Canceled,
			want: CategoryTimeout,
		},
		{
			name: "wrapped deadline exceeded",
			err:  fmt.Errorf("fetching transaction: %w", context.DeadlineExceeded),
			want: CategoryTimeout,
		},
		{
			name: "transaction not found",
			err:  solana.ErrTransactionNotFound,
			want: CategoryNotFound,
		},
		{
			name: "rate limited by status code",
			err:  errors.New("server responded with 429"),
			want: CategoryRateLimited,
		},
		{
			name: "rate limited by message",
			err:  errors.New("rate limit exceeded for endpoint"),
			want: CategoryRateLimited,
		},
		{
			name: "connection refused",
			err:  errors.New("dial tcp 127.0.0.1:8899: connection refused"),
			want: CategoryNetworkError,
		},
		{
			name: "dns failure",
			err:  errors.New("lookup rpc.example.com: no such host"),
			want: CategoryNetworkError,
		},
		{
			name: "unknown error",
			err:  errors.New("unexpected response shape"),
			want: CategoryInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyError(tt.err))
		})
	}
}

func TestCategoryClassification(t *testing.T) {
	tests := []struct {
		category  Category
		status    int
		retryable bool
	}{
		{CategoryInvalidInput, http.StatusBadRequest, false},
		{CategoryNotFound, http.StatusBadRequest, false},
		{CategoryNotFinalized, http.StatusBadRequest, true},
		{CategoryTransactionFailed, http.StatusBadRequest, false},
		{CategoryRecipientMismatch, http.StatusBadRequest, false},
		{CategorySenderMismatch, http.StatusBadRequest, false},
		{CategoryAmountMismatch, http.StatusBadRequest, false},
		{CategoryExpired, http.StatusBadRequest, false},
		{CategoryUnconfigured, http.StatusInternalServerError, false},
		{CategoryTimeout, http.StatusGatewayTimeout, true},
		{CategoryNetworkError, http.StatusBadGateway, true},
		{CategoryRateLimited, http.StatusTooManyRequests, true},
		{CategoryInternal, http.StatusInternalServerError, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.category), func(t *testing.T) {
			assert.Equal(t, tt.status, tt.category.HTTPStatus())
			assert.Equal(t, tt.retryable, tt.category.CallerRetryable())
			assert.NotEmpty(t, tt.category.DefaultMessage())
		})
	}
}

func TestUnknownCategoryDefaults(t *testing.T) {
	unknown := Category("mystery")
	assert.Equal(t, http.StatusInternalServerError, unknown.HTTPStatus())
	assert.False(t, unknown.CallerRetryable())
	assert.Equal(t, "internal error", unknown.DefaultMessage())
}
