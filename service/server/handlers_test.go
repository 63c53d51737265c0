package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbuschat/paygate/service/config"
	"github.com/nimbuschat/paygate/service/db"
	"github.com/nimbuschat/paygate/service/nats"
	"github.com/nimbuschat/paygate/service/verify"
)

const (
	testSignature = "5j7s6NiJS3JAkvgkoc18WVAsiSaci2pxB2A6ueCJP4tprA2TFg9wSyTLeYouxPBJEMzJinENTkpA52YStRW5Dia7"
	testWallet    = "DYw8jCTfwHNRJhhmFcbXvVDTqWMEVFBX6ZKUmG5CNSKK"
	testRecipient = "CebN5WGQ4jvEPvsVU4EoHEpgzq1VV7AbicfhtW4xC9iM"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	return &config.Config{
		ServerAddr:      ":8080",
		RecipientWallet: testRecipient,
		Network:         "mainnet",
		Pricing:         config.Pricing{ProLamports: 50_000_000, ProPlusLamports: 100_000_000},
		VerifyTimeout:   5 * time.Second,
	}
}

// fakeVerifier implements PaymentVerifier with a canned result.
type fakeVerifier struct {
	mu         sync.Mutex
	result     *verify.Result
	delay      time.Duration
	calls      int
	lastParams verify.VerifyParams
}

func (f *fakeVerifier) Verify(ctx context.Context, params verify.VerifyParams) *verify.Result {
	f.mu.Lock()
	f.calls++
	f.lastParams = params
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return &verify.Result{Success: false, Category: verify.CategoryTimeout}
		}
	}
	return f.result
}

func (f *fakeVerifier) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeStore implements PaymentStore in memory.
type fakeStore struct {
	mu           sync.Mutex
	payment      *db.Payment
	processErr   error
	processCalls int
	lastParams   db.ProcessVerifiedPaymentParams

	payments map[string]*db.Payment
	sub      *db.Subscription
	subErr   error
	listErr  error
}

func (f *fakeStore) ProcessVerifiedPayment(ctx context.Context, params db.ProcessVerifiedPaymentParams) (*db.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processCalls++
	f.lastParams = params
	if f.processErr != nil {
		return nil, f.processErr
	}
	return f.payment, nil
}

func (f *fakeStore) GetPayment(ctx context.Context, signature string) (*db.Payment, error) {
	if p, ok := f.payments[signature]; ok {
		return p, nil
	}
	return nil, errors.New("no rows in result set")
}

func (f *fakeStore) ListPaymentsByWallet(ctx context.Context, params db.ListPaymentsByWalletParams) ([]*db.Payment, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]*db.Payment, 0)
	for _, p := range f.payments {
		if p.WalletAddress == params.WalletAddress {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeStore) GetSubscription(ctx context.Context, walletAddress string) (*db.Subscription, error) {
	if f.subErr != nil {
		return nil, f.subErr
	}
	return f.sub, nil
}

func successfulVerification() *verify.Result {
	return &verify.Result{
		Success: true,
		Details: &verify.TransactionDetails{
			Signature:          testSignature,
			Recipient:          testRecipient,
			Sender:             testWallet,
			AmountLamports:     50_000_000,
			TimestampMs:        time.Now().Add(-time.Minute).UnixMilli(),
			Slot:               250_000_000,
			ConfirmationStatus: "finalized",
		},
	}
}

func creditedPayment() *db.Payment {
	return &db.Payment{
		PaymentID:      "2f0c44a3-4f4f-4f6e-b6ff-6f3e8f1f9d01",
		Signature:      testSignature,
		Tier:           config.TierPro,
		AmountLamports: 50_000_000,
		WalletAddress:  testWallet,
		Recipient:      testRecipient,
		Sender:         testWallet,
		Slot:           250_000_000,
		BlockTime:      time.Now().Add(-time.Minute),
		CreatedAt:      time.Now(),
	}
}

func verifyRequestBody() map[string]interface{} {
	return map[string]interface{}{
		"transactionSignature": testSignature,
		"expectedAmount":       0.05,
		"tier":                 config.TierPro,
		"walletAddress":        testWallet,
	}
}

func postVerify(t *testing.T, handler http.Handler, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	req := httptest.NewRequest("POST", "/api/v1/payments/verify", &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestVerifyPayment_Success(t *testing.T) {
	verifier := &fakeVerifier{result: successfulVerification()}
	store := &fakeStore{payment: creditedPayment()}
	events := nats.NewMockPublisher()

	handler := handleVerifyPayment(testConfig(), verifier, store, events, nil, testLogger())
	rec := postVerify(t, handler, verifyRequestBody())

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Success            bool                       `json:"success"`
		PaymentID          string                     `json:"paymentId"`
		TransactionDetails transactionDetailsResponse `json:"transactionDetails"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "2f0c44a3-4f4f-4f6e-b6ff-6f3e8f1f9d01", resp.PaymentID)
	assert.Equal(t, testSignature, resp.TransactionDetails.Signature)
	assert.InDelta(t, 0.05, resp.TransactionDetails.Amount, 1e-12)
	assert.Equal(t, "finalized", resp.TransactionDetails.ConfirmationStatus)

	// The verifier saw the configured recipient and the integer amount.
	assert.Equal(t, testRecipient, verifier.lastParams.ExpectedRecipient)
	assert.Equal(t, int64(50_000_000), verifier.lastParams.ExpectedLamports)

	// Credited exactly once, keyed by the verified signature.
	assert.Equal(t, 1, store.processCalls)
	assert.Equal(t, testSignature, store.lastParams.Signature)

	// Lifecycle events: completed, then verified.
	assert.Len(t, events.GetEventsByType(nats.EventVerificationCompleted), 1)
	assert.Len(t, events.GetEventsByType(nats.EventPaymentVerified), 1)
	assert.Empty(t, events.GetEventsByType(nats.EventVerificationFailed))
}

func TestVerifyPayment_InvalidJSON(t *testing.T) {
	verifier := &fakeVerifier{result: successfulVerification()}
	store := &fakeStore{}

	handler := handleVerifyPayment(testConfig(), verifier, store, nats.NewMockPublisher(), nil, testLogger())

	req := httptest.NewRequest("POST", "/api/v1/payments/verify", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0, verifier.callCount())
	assert.Equal(t, 0, store.processCalls)
}

func TestVerifyPayment_ValidationFailureCostsNoVerification(t *testing.T) {
	verifier := &fakeVerifier{result: successfulVerification()}
	store := &fakeStore{}

	handler := handleVerifyPayment(testConfig(), verifier, store, nats.NewMockPublisher(), nil, testLogger())

	body := verifyRequestBody()
	body["expectedAmount"] = 0.2 // does not match pro pricing
	rec := postVerify(t, handler, body)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "doesn't match tier pricing")
	assert.Equal(t, 0, verifier.callCount())
	assert.Equal(t, 0, store.processCalls)
}

func TestVerifyPayment_Unconfigured(t *testing.T) {
	cfg := testConfig()
	cfg.RecipientWallet = ""
	verifier := &fakeVerifier{result: successfulVerification()}

	handler := handleVerifyPayment(cfg, verifier, &fakeStore{}, nats.NewMockPublisher(), nil, testLogger())
	rec := postVerify(t, handler, verifyRequestBody())

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "not configured")
	assert.Equal(t, 0, verifier.callCount())
}

func TestVerifyPayment_VerificationFailure(t *testing.T) {
	verifier := &fakeVerifier{result: &verify.Result{
		Success:  false,
		Category: verify.CategoryAmountMismatch,
		Message:  "amount mismatch: expected 0.050000000 SOL, got 0.048000000 SOL",
	}}
	store := &fakeStore{}
	events := nats.NewMockPublisher()

	handler := handleVerifyPayment(testConfig(), verifier, store, events, nil, testLogger())
	rec := postVerify(t, handler, verifyRequestBody())

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "amount mismatch")
	assert.Equal(t, 0, store.processCalls, "failed verifications must not be credited")

	failed := events.GetEventsByType(nats.EventVerificationFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, string(verify.CategoryAmountMismatch), failed[0].Category)
	assert.Equal(t, testSignature, failed[0].Signature)
}

func TestVerifyPayment_RetryableFailureStatusCodes(t *testing.T) {
	tests := []struct {
		category verify.Category
		status   int
	}{
		{verify.CategoryRateLimited, http.StatusTooManyRequests},
		{verify.CategoryNetworkError, http.StatusBadGateway},
		{verify.CategoryTimeout, http.StatusGatewayTimeout},
		{verify.CategoryNotFinalized, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(string(tt.category), func(t *testing.T) {
			verifier := &fakeVerifier{result: &verify.Result{Success: false, Category: tt.category}}
			handler := handleVerifyPayment(testConfig(), verifier, &fakeStore{}, nats.NewMockPublisher(), nil, testLogger())
			rec := postVerify(t, handler, verifyRequestBody())
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestVerifyPayment_DeadlineWinsRace(t *testing.T) {
	cfg := testConfig()
	cfg.VerifyTimeout = 50 * time.Millisecond

	verifier := &fakeVerifier{result: successfulVerification(), delay: 5 * time.Second}
	store := &fakeStore{payment: creditedPayment()}
	events := nats.NewMockPublisher()

	handler := handleVerifyPayment(cfg, verifier, store, events, nil, testLogger())

	start := time.Now()
	rec := postVerify(t, handler, verifyRequestBody())

	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Contains(t, rec.Body.String(), "timed out")
	assert.Less(t, time.Since(start), 2*time.Second, "deadline must bound the response time")
	// The losing verification must not produce a credit.
	assert.Equal(t, 0, store.processCalls)

	failed := events.GetEventsByType(nats.EventVerificationFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, string(verify.CategoryTimeout), failed[0].Category)
}

func TestVerifyPayment_AlreadyProcessed(t *testing.T) {
	verifier := &fakeVerifier{result: successfulVerification()}
	store := &fakeStore{processErr: db.ErrAlreadyProcessed}
	events := nats.NewMockPublisher()

	handler := handleVerifyPayment(testConfig(), verifier, store, events, nil, testLogger())
	rec := postVerify(t, handler, verifyRequestBody())

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "already processed")
	assert.Equal(t, 1, store.processCalls)

	failed := events.GetEventsByType(nats.EventPaymentFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "already_processed", failed[0].Category)
}

func TestVerifyPayment_UserNotFound(t *testing.T) {
	verifier := &fakeVerifier{result: successfulVerification()}
	store := &fakeStore{processErr: db.ErrUserNotFound}

	handler := handleVerifyPayment(testConfig(), verifier, store, nats.NewMockPublisher(), nil, testLogger())
	rec := postVerify(t, handler, verifyRequestBody())

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "no account exists")
}

func TestVerifyPayment_EventSinkFailureDoesNotAbort(t *testing.T) {
	verifier := &fakeVerifier{result: successfulVerification()}
	store := &fakeStore{payment: creditedPayment()}
	events := nats.NewMockPublisher()
	events.SetPublishError(errors.New("nats: connection closed"))

	handler := handleVerifyPayment(testConfig(), verifier, store, events, nil, testLogger())
	rec := postVerify(t, handler, verifyRequestBody())

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, store.processCalls)
}

func TestVerifyPayment_NilPublisher(t *testing.T) {
	verifier := &fakeVerifier{result: successfulVerification()}
	store := &fakeStore{payment: creditedPayment()}

	handler := handleVerifyPayment(testConfig(), verifier, store, nil, nil, testLogger())
	rec := postVerify(t, handler, verifyRequestBody())

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGetPayment(t *testing.T) {
	store := &fakeStore{payments: map[string]*db.Payment{
		testSignature: creditedPayment(),
	}}

	mux := http.NewServeMux()
	mux.Handle("GET /api/v1/payments/{signature}", handleGetPayment(store, testLogger()))

	t.Run("found", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/v1/payments/"+testSignature, nil)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		var resp paymentResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, testSignature, resp.Signature)
		assert.InDelta(t, 0.05, resp.Amount, 1e-12)
	})

	t.Run("invalid signature", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/v1/payments/abc", nil)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("not found", func(t *testing.T) {
		other := "2TgM4N8qCMqLvfR8dxqTQgKygPNzT5KQkN5b5sT7eZPEkdxyLTXGnNQB3j7KG4DPFg5Qez5yNJBQRQ5r7DDnFfjG"
		req := httptest.NewRequest("GET", "/api/v1/payments/"+other, nil)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestListPayments(t *testing.T) {
	store := &fakeStore{payments: map[string]*db.Payment{
		testSignature: creditedPayment(),
	}}

	handler := handleListPayments(store, testLogger())

	t.Run("missing wallet", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/v1/payments", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("invalid limit", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/v1/payments?wallet_address="+testWallet+"&limit=5000", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("lists wallet payments", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/v1/payments?wallet_address="+testWallet, nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		var resp struct {
			Payments []paymentResponse `json:"payments"`
			Count    int               `json:"count"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, 1, resp.Count)
		require.Len(t, resp.Payments, 1)
		assert.Equal(t, testWallet, resp.Payments[0].WalletAddress)
	})
}

func TestGetSubscription(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		store := &fakeStore{sub: &db.Subscription{
			WalletAddress: testWallet,
			Tier:          config.TierPro,
			UpdatedAt:     time.Now(),
		}}
		mux := http.NewServeMux()
		mux.Handle("GET /api/v1/subscriptions/{wallet}", handleGetSubscription(store, testLogger()))

		req := httptest.NewRequest("GET", "/api/v1/subscriptions/"+testWallet, nil)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), config.TierPro)
	})

	t.Run("not found", func(t *testing.T) {
		store := &fakeStore{subErr: db.ErrUserNotFound}
		mux := http.NewServeMux()
		mux.Handle("GET /api/v1/subscriptions/{wallet}", handleGetSubscription(store, testLogger()))

		req := httptest.NewRequest("GET", "/api/v1/subscriptions/"+testWallet, nil)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}
