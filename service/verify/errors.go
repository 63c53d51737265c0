package verify

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/nimbuschat/paygate/service/solana"
)

// Category is the closed taxonomy of verification outcomes. Every failure a
// caller can see maps to exactly one category; raw provider errors never
// leave this package.
type Category string

const (
	CategoryInvalidInput      Category = "invalid_input"
	CategoryNotFound          Category = "not_found"
	CategoryNotFinalized      Category = "not_finalized"
	CategoryTransactionFailed Category = "transaction_failed"
	CategoryRecipientMismatch Category = "recipient_mismatch"
	CategorySenderMismatch    Category = "sender_mismatch"
	CategoryAmountMismatch    Category = "amount_mismatch"
	CategoryExpired           Category = "expired"
	CategoryUnconfigured      Category = "unconfigured"
	CategoryTimeout           Category = "timeout"
	CategoryNetworkError      Category = "network_error"
	CategoryRateLimited       Category = "rate_limited"
	CategoryInternal          Category = "internal"
)

// classification carries the policy for one category: whether the caller may
// usefully retry the whole request, the HTTP status to return, and a
// sanitized fallback message for when the verifier did not produce a more
// specific one.
type classification struct {
	callerRetryable bool
	status          int
	message         string
}

var classifications = map[Category]classification{
	CategoryInvalidInput:      {false, http.StatusBadRequest, "invalid request"},
	CategoryNotFound:          {false, http.StatusBadRequest, "transaction not found on chain; check the signature"},
	CategoryNotFinalized:      {true, http.StatusBadRequest, "transaction is not yet finalized; retry shortly"},
	CategoryTransactionFailed: {false, http.StatusBadRequest, "transaction failed on chain"},
	CategoryRecipientMismatch: {false, http.StatusBadRequest, "transaction did not pay the expected recipient"},
	CategorySenderMismatch:    {false, http.StatusBadRequest, "transaction was not sent from the declared wallet"},
	CategoryAmountMismatch:    {false, http.StatusBadRequest, "transaction amount does not match the expected payment"},
	CategoryExpired:           {false, http.StatusBadRequest, "transaction is too old to credit; payments must be recent"},
	CategoryUnconfigured:      {false, http.StatusInternalServerError, "payment verification is not configured; contact support"},
	CategoryTimeout:           {true, http.StatusGatewayTimeout, "verification timed out; please retry"},
	CategoryNetworkError:      {true, http.StatusBadGateway, "temporary network error talking to the ledger; please retry"},
	CategoryRateLimited:       {true, http.StatusTooManyRequests, "ledger rate limit reached; please retry shortly"},
	CategoryInternal:          {false, http.StatusInternalServerError, "internal error"},
}

// HTTPStatus returns the response status code for the category.
func (c Category) HTTPStatus() int {
	if cl, ok := classifications[c]; ok {
		return cl.status
	}
	return http.StatusInternalServerError
}

// CallerRetryable reports whether a caller may usefully retry the whole
// request later. Every category is terminal for the current call; this only
// signals the self-correction hint to the caller.
func (c Category) CallerRetryable() bool {
	if cl, ok := classifications[c]; ok {
		return cl.callerRetryable
	}
	return false
}

// DefaultMessage returns the sanitized fallback user-facing message.
func (c Category) DefaultMessage() string {
	if cl, ok := classifications[c]; ok {
		return cl.message
	}
	return "internal error"
}

// ClassifyError maps an unexpected error from the ledger layer to a category.
// Expected verification failures never pass through here; they are assigned
// categories directly by the verifier.
func ClassifyError(err error) Category {
	switch {
	case err == nil:
		return CategoryInternal
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return CategoryTimeout
	case errors.Is(err, solana.ErrTransactionNotFound):
		return CategoryNotFound
	case isRateLimited(err):
		return CategoryRateLimited
	case isNetworkError(err):
		return CategoryNetworkError
	default:
		return CategoryInternal
	}
}

func isRateLimited(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests")
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "unavailable")
}
