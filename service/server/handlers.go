package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nimbuschat/paygate/service/config"
	"github.com/nimbuschat/paygate/service/db"
	"github.com/nimbuschat/paygate/service/metrics"
	"github.com/nimbuschat/paygate/service/nats"
	"github.com/nimbuschat/paygate/service/verify"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB - plenty for a verification request
)

// PaymentVerifier is the verification dependency of the HTTP layer,
// satisfied by verify.Verifier and by test doubles.
type PaymentVerifier interface {
	Verify(ctx context.Context, params verify.VerifyParams) *verify.Result
}

// PaymentStore is the persistence collaborator. ProcessVerifiedPayment must
// be idempotent on the transaction signature; the handler calls it at most
// once per request and never auto-retries it.
type PaymentStore interface {
	ProcessVerifiedPayment(ctx context.Context, params db.ProcessVerifiedPaymentParams) (*db.Payment, error)
	GetPayment(ctx context.Context, signature string) (*db.Payment, error)
	ListPaymentsByWallet(ctx context.Context, params db.ListPaymentsByWalletParams) ([]*db.Payment, error)
	GetSubscription(ctx context.Context, walletAddress string) (*db.Subscription, error)
}

// verifyPaymentRequest is the inbound JSON payload. Field names match the
// frontend's payment flow.
type verifyPaymentRequest struct {
	TransactionSignature string  `json:"transactionSignature"`
	ExpectedAmount       float64 `json:"expectedAmount"` // SOL
	Tier                 string  `json:"tier"`
	WalletAddress        string  `json:"walletAddress"`
	IsProrated           bool    `json:"isProrated"`
	IsUpgrade            bool    `json:"isUpgrade"`
	PreviousTier         string  `json:"previousTier,omitempty"`
}

// transactionDetailsResponse is the response shape for a verified transfer.
type transactionDetailsResponse struct {
	Signature          string  `json:"signature"`
	Recipient          string  `json:"recipient"`
	Sender             string  `json:"sender"`
	Amount             float64 `json:"amount"` // SOL
	TimestampMs        int64   `json:"timestampMs"`
	Slot               uint64  `json:"slot"`
	ConfirmationStatus string  `json:"confirmationStatus"`
}

func detailsToResponse(d *verify.TransactionDetails) transactionDetailsResponse {
	return transactionDetailsResponse{
		Signature:          d.Signature,
		Recipient:          d.Recipient,
		Sender:             d.Sender,
		Amount:             d.AmountSOL(),
		TimestampMs:        d.TimestampMs,
		Slot:               d.Slot,
		ConfirmationStatus: d.ConfirmationStatus,
	}
}

// handleVerifyPayment returns the handler for the core verification flow.
// POST /api/v1/payments/verify
//
// Phases: parse, validate (zero ledger cost on failure), config check, verify
// raced against the wall-clock deadline, then the single persistence call.
// Each phase emits a structured event to the sink; sink failures never abort
// the flow.
func handleVerifyPayment(cfg *config.Config, verifier PaymentVerifier, store PaymentStore, events nats.Publisher, m *metrics.Metrics, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Limit request body size to prevent memory exhaustion
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var req verifyPaymentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logger.Debug("failed to decode verify request", "error", err)
			if strings.Contains(err.Error(), "http: request body too large") {
				writeError(w, "request body too large: maximum size is 1MB", http.StatusBadRequest)
				return
			}
			writeError(w, "invalid request body: must be valid JSON", http.StatusBadRequest)
			return
		}

		vreq := &verify.Request{
			TransactionSignature: req.TransactionSignature,
			ExpectedLamports:     config.LamportsFromSOL(req.ExpectedAmount),
			Tier:                 req.Tier,
			WalletAddress:        req.WalletAddress,
			IsProrated:           req.IsProrated,
			IsUpgrade:            req.IsUpgrade,
			PreviousTier:         req.PreviousTier,
		}

		// Fail fast: structural and pricing validation is network-free, so a
		// malformed request costs zero ledger calls.
		if err := verify.ValidateRequest(vreq, cfg.Pricing); err != nil {
			logger.Debug("verify request failed validation",
				"signature", req.TransactionSignature,
				"error", err,
			)
			if m != nil {
				m.RecordVerification(req.Tier, string(verify.CategoryInvalidInput))
			}
			writeError(w, err.Error(), verify.CategoryInvalidInput.HTTPStatus())
			return
		}

		// The recipient wallet is deploy-time configuration; without it no
		// payment can be verified and retrying won't help.
		if cfg.RecipientWallet == "" {
			logger.Error("payment recipient wallet is not configured")
			writeError(w, verify.CategoryUnconfigured.DefaultMessage(), verify.CategoryUnconfigured.HTTPStatus())
			return
		}

		// Race the verifier against the hard wall-clock deadline. The result
		// channel is buffered so the losing branch can't block or
		// double-resolve, and cancel releases its in-flight RPC.
		vctx, cancel := context.WithTimeout(r.Context(), cfg.VerifyTimeout)
		defer cancel()

		resultCh := make(chan *verify.Result, 1)
		go func() {
			resultCh <- verifier.Verify(vctx, verify.VerifyParams{
				Signature:         vreq.TransactionSignature,
				ExpectedRecipient: cfg.RecipientWallet,
				ExpectedLamports:  vreq.ExpectedLamports,
				SenderAddress:     vreq.WalletAddress,
			})
		}()

		var result *verify.Result
		select {
		case result = <-resultCh:
		case <-vctx.Done():
			if m != nil {
				m.RecordVerificationTimeout()
			}
			result = &verify.Result{
				Success:  false,
				Category: verify.CategoryTimeout,
				Message:  verify.CategoryTimeout.DefaultMessage(),
			}
		}

		elapsed := time.Since(start)

		if !result.Success {
			logger.Info("payment verification failed",
				"signature", vreq.TransactionSignature,
				"category", result.Category,
				"tier", vreq.Tier,
				"wallet", vreq.WalletAddress,
				"elapsed_ms", elapsed.Milliseconds(),
			)
			if m != nil {
				m.RecordVerification(vreq.Tier, string(result.Category))
				m.RecordVerificationDuration(vreq.Tier, "failure", elapsed.Seconds())
			}

			event := nats.NewEvent(nats.EventVerificationFailed, "warning")
			event.Signature = vreq.TransactionSignature
			event.Tier = vreq.Tier
			event.WalletAddress = vreq.WalletAddress
			event.AmountLamports = vreq.ExpectedLamports
			event.Category = string(result.Category)
			event.ElapsedMs = elapsed.Milliseconds()
			publishEvent(r.Context(), events, logger, event)

			writeError(w, sanitizedMessage(result), result.Category.HTTPStatus())
			return
		}

		if m != nil {
			m.RecordVerification(vreq.Tier, "success")
			m.RecordVerificationDuration(vreq.Tier, "success", elapsed.Seconds())
		}

		completed := nats.NewEvent(nats.EventVerificationCompleted, "info")
		completed.Signature = vreq.TransactionSignature
		completed.Tier = vreq.Tier
		completed.WalletAddress = vreq.WalletAddress
		completed.AmountLamports = result.Details.AmountLamports
		completed.ElapsedMs = elapsed.Milliseconds()
		publishEvent(r.Context(), events, logger, completed)

		// Credit the subscription. This runs at most once per request and is
		// never auto-retried here: idempotency lives in the store, keyed by
		// the transaction signature.
		payment, err := store.ProcessVerifiedPayment(r.Context(), db.ProcessVerifiedPaymentParams{
			Tier:           vreq.Tier,
			Signature:      result.Details.Signature,
			AmountLamports: result.Details.AmountLamports,
			WalletAddress:  vreq.WalletAddress,
			IsProrated:     vreq.IsProrated,
			Recipient:      result.Details.Recipient,
			Sender:         result.Details.Sender,
			Slot:           int64(result.Details.Slot),
			BlockTime:      time.UnixMilli(result.Details.TimestampMs),
		})
		if err != nil {
			message, status, reason := classifyPaymentError(err)
			logger.Error("failed to process verified payment",
				"signature", vreq.TransactionSignature,
				"tier", vreq.Tier,
				"wallet", vreq.WalletAddress,
				"reason", reason,
				"error", err,
			)
			if m != nil {
				m.RecordPaymentCreditFailure(vreq.Tier, reason)
			}

			failed := nats.NewEvent(nats.EventPaymentFailed, "error")
			failed.Signature = vreq.TransactionSignature
			failed.Tier = vreq.Tier
			failed.WalletAddress = vreq.WalletAddress
			failed.Category = reason
			failed.ElapsedMs = time.Since(start).Milliseconds()
			publishEvent(r.Context(), events, logger, failed)

			writeError(w, message, status)
			return
		}

		logger.Info("payment verified and credited",
			"signature", payment.Signature,
			"payment_id", payment.PaymentID,
			"tier", payment.Tier,
			"wallet", payment.WalletAddress,
			"amount_lamports", payment.AmountLamports,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		if m != nil {
			m.RecordPaymentCredited(vreq.Tier)
		}

		verified := nats.NewEvent(nats.EventPaymentVerified, "info")
		verified.Signature = payment.Signature
		verified.PaymentID = payment.PaymentID
		verified.Tier = payment.Tier
		verified.WalletAddress = payment.WalletAddress
		verified.AmountLamports = payment.AmountLamports
		verified.ElapsedMs = time.Since(start).Milliseconds()
		publishEvent(r.Context(), events, logger, verified)

		writeJSON(w, map[string]interface{}{
			"success":            true,
			"paymentId":          payment.PaymentID,
			"transactionDetails": detailsToResponse(result.Details),
		}, http.StatusOK)
	})
}

// sanitizedMessage picks the user-facing message for a failed result,
// falling back to the category's default. Raw provider errors never appear
// here; the verifier only ever puts category-scoped text in Message.
func sanitizedMessage(result *verify.Result) string {
	if result.Message != "" {
		return result.Message
	}
	return result.Category.DefaultMessage()
}

// classifyPaymentError maps persistence-layer errors to user-facing messages.
func classifyPaymentError(err error) (message string, status int, reason string) {
	switch {
	case errors.Is(err, db.ErrAlreadyProcessed):
		return "payment already processed: this transaction has already been credited", http.StatusConflict, "already_processed"
	case errors.Is(err, db.ErrUserNotFound):
		return "no account exists for this wallet; sign in before purchasing", http.StatusNotFound, "user_not_found"
	default:
		return "failed to record payment; contact support if you were charged", http.StatusInternalServerError, "internal"
	}
}

// publishEvent publishes to the event sink best-effort. The sink must never
// abort the payment flow, so failures are logged and swallowed. Publishing
// uses a detached context: the response may already be on its way out.
func publishEvent(ctx context.Context, events nats.Publisher, logger *slog.Logger, event *nats.PaymentEvent) {
	if events == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := events.PublishEvent(pctx, event); err != nil {
		logger.Warn("failed to publish payment event",
			"event_type", event.EventType,
			"signature", event.Signature,
			"error", err,
		)
	}
}

// handleGetPayment returns a handler that retrieves a payment by signature.
// GET /api/v1/payments/{signature}
func handleGetPayment(store PaymentStore, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		signature := r.PathValue("signature")

		if err := verify.ValidateSignature(signature); err != nil {
			logger.Debug("invalid signature", "signature", signature, "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		payment, err := store.GetPayment(r.Context(), signature)
		if err != nil {
			logger.Debug("payment not found", "signature", signature, "error", err)
			writeError(w, "payment not found", http.StatusNotFound)
			return
		}

		writeJSON(w, paymentToResponse(payment), http.StatusOK)
	})
}

// handleListPayments returns a handler that lists payments for a wallet.
// GET /api/v1/payments?wallet_address=ADDRESS&limit=N&offset=N
func handleListPayments(store PaymentStore, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		walletAddress := query.Get("wallet_address")

		if walletAddress == "" {
			writeError(w, "wallet_address query parameter is required", http.StatusBadRequest)
			return
		}

		if err := verify.ValidateAddress(walletAddress); err != nil {
			logger.Debug("invalid address", "address", walletAddress, "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		// Parse limit (default 100, max 1000)
		limit := int32(100)
		if limitStr := query.Get("limit"); limitStr != "" {
			var parsedLimit int
			if _, err := fmt.Sscanf(limitStr, "%d", &parsedLimit); err != nil {
				writeError(w, "invalid limit parameter: must be an integer", http.StatusBadRequest)
				return
			}
			if parsedLimit < 1 {
				writeError(w, "limit must be at least 1", http.StatusBadRequest)
				return
			}
			if parsedLimit > 1000 {
				writeError(w, "limit cannot exceed 1000", http.StatusBadRequest)
				return
			}
			limit = int32(parsedLimit)
		}

		// Parse offset (default 0)
		offset := int32(0)
		if offsetStr := query.Get("offset"); offsetStr != "" {
			var parsedOffset int
			if _, err := fmt.Sscanf(offsetStr, "%d", &parsedOffset); err != nil {
				writeError(w, "invalid offset parameter: must be an integer", http.StatusBadRequest)
				return
			}
			if parsedOffset < 0 {
				writeError(w, "offset cannot be negative", http.StatusBadRequest)
				return
			}
			offset = int32(parsedOffset)
		}

		payments, err := store.ListPaymentsByWallet(r.Context(), db.ListPaymentsByWalletParams{
			WalletAddress: walletAddress,
			Limit:         limit,
			Offset:        offset,
		})
		if err != nil {
			logger.Error("failed to list payments", "wallet", walletAddress, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		resp := make([]paymentResponse, len(payments))
		for i := range payments {
			resp[i] = paymentToResponse(payments[i])
		}

		writeJSON(w, map[string]interface{}{
			"payments": resp,
			"count":    len(resp),
			"limit":    limit,
			"offset":   offset,
		}, http.StatusOK)
	})
}

// handleGetSubscription returns a handler that retrieves a wallet's tier.
// GET /api/v1/subscriptions/{wallet}
func handleGetSubscription(store PaymentStore, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		walletAddress := r.PathValue("wallet")

		if err := verify.ValidateAddress(walletAddress); err != nil {
			logger.Debug("invalid address", "address", walletAddress, "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		sub, err := store.GetSubscription(r.Context(), walletAddress)
		if err != nil {
			if errors.Is(err, db.ErrUserNotFound) {
				writeError(w, "subscription not found", http.StatusNotFound)
				return
			}
			logger.Error("failed to get subscription", "wallet", walletAddress, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		writeJSON(w, map[string]interface{}{
			"wallet_address": sub.WalletAddress,
			"tier":           sub.Tier,
			"updated_at":     sub.UpdatedAt,
		}, http.StatusOK)
	})
}

// paymentResponse is the JSON response format for a payment record.
type paymentResponse struct {
	PaymentID     string    `json:"payment_id"`
	Signature     string    `json:"signature"`
	Tier          string    `json:"tier"`
	Amount        float64   `json:"amount"` // SOL
	WalletAddress string    `json:"wallet_address"`
	Recipient     string    `json:"recipient"`
	Sender        string    `json:"sender"`
	Slot          int64     `json:"slot"`
	BlockTime     time.Time `json:"block_time"`
	IsProrated    bool      `json:"is_prorated"`
	CreatedAt     time.Time `json:"created_at"`
}

// paymentToResponse converts a domain Payment to a response format.
func paymentToResponse(p *db.Payment) paymentResponse {
	return paymentResponse{
		PaymentID:     p.PaymentID,
		Signature:     p.Signature,
		Tier:          p.Tier,
		Amount:        config.SOLFromLamports(p.AmountLamports),
		WalletAddress: p.WalletAddress,
		Recipient:     p.Recipient,
		Sender:        p.Sender,
		Slot:          p.Slot,
		BlockTime:     p.BlockTime,
		IsProrated:    p.IsProrated,
		CreatedAt:     p.CreatedAt,
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   message,
	})
}
