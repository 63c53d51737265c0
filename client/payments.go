// Package client provides an HTTP client for the paygate payment service.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// VerifyRequest is a payment verification request.
type VerifyRequest struct {
	TransactionSignature string  `json:"transactionSignature"`
	ExpectedAmount       float64 `json:"expectedAmount"` // SOL
	Tier                 string  `json:"tier"`
	WalletAddress        string  `json:"walletAddress"`
	IsProrated           bool    `json:"isProrated"`
	IsUpgrade            bool    `json:"isUpgrade"`
	PreviousTier         string  `json:"previousTier,omitempty"`
}

// TransactionDetails describes the verified on-chain transfer.
type TransactionDetails struct {
	Signature          string  `json:"signature"`
	Recipient          string  `json:"recipient"`
	Sender             string  `json:"sender"`
	Amount             float64 `json:"amount"` // SOL
	TimestampMs        int64   `json:"timestampMs"`
	Slot               uint64  `json:"slot"`
	ConfirmationStatus string  `json:"confirmationStatus"`
}

// VerifyResult is the outcome of a successful verification call.
type VerifyResult struct {
	Success            bool               `json:"success"`
	PaymentID          string             `json:"paymentId"`
	TransactionDetails TransactionDetails `json:"transactionDetails"`
}

// Payment is a recorded, credited payment.
type Payment struct {
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

// Subscription is a wallet's current tier.
type Subscription struct {
	WalletAddress string    `json:"wallet_address"`
	Tier          string    `json:"tier"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// CheckoutInvoice is a payment prompt for a tier.
type CheckoutInvoice struct {
	InvoiceID      string  `json:"invoice_id"`
	Tier           string  `json:"tier"`
	Amount         float64 `json:"amount"` // SOL
	AmountLamports int64   `json:"amount_lamports"`
	Recipient      string  `json:"recipient"`
	Network        string  `json:"network"`
	PaymentURL     string  `json:"payment_url"`
	QRCodePNG      string  `json:"qr_code_png"`
}

// APIError is a non-2xx response from the payment service. Callers can use
// the status code to decide whether a retry makes sense (429, 502, 504).
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Retryable reports whether the caller may retry the same request.
func (e *APIError) Retryable() bool {
	switch e.StatusCode {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// Client is the HTTP client for the paygate payment service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new payment service client.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		// The server races verification against its own 30s deadline;
		// give the round trip headroom beyond that.
		httpClient = &http.Client{Timeout: 45 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
	}
}

// VerifyPayment submits a transaction signature for verification and crediting.
func (c *Client) VerifyPayment(ctx context.Context, req VerifyRequest) (*VerifyResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/v1/payments/verify", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	var result VerifyResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	c.logger.Debug("payment verified",
		"signature", req.TransactionSignature,
		"payment_id", result.PaymentID,
	)
	return &result, nil
}

// GetCheckout requests a checkout invoice for a paid tier.
func (c *Client) GetCheckout(ctx context.Context, tier string, prorated bool) (*CheckoutInvoice, error) {
	u := fmt.Sprintf("%s/api/v1/checkout/%s", c.baseURL, url.PathEscape(tier))
	if prorated {
		u += "?prorated=true"
	}
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	var invoice CheckoutInvoice
	if err := json.NewDecoder(resp.Body).Decode(&invoice); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &invoice, nil
}

// GetPayment retrieves a recorded payment by transaction signature.
func (c *Client) GetPayment(ctx context.Context, signature string) (*Payment, error) {
	u := fmt.Sprintf("%s/api/v1/payments/%s", c.baseURL, url.PathEscape(signature))
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	var payment Payment
	if err := json.NewDecoder(resp.Body).Decode(&payment); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &payment, nil
}

// ListPayments retrieves payments for a wallet, newest first.
func (c *Client) ListPayments(ctx context.Context, walletAddress string, limit, offset int) ([]*Payment, error) {
	params := url.Values{}
	params.Set("wallet_address", walletAddress)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		params.Set("offset", strconv.Itoa(offset))
	}

	u := fmt.Sprintf("%s/api/v1/payments?%s", c.baseURL, params.Encode())
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	var response struct {
		Payments []*Payment `json:"payments"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return response.Payments, nil
}

// GetSubscription retrieves a wallet's current subscription tier.
func (c *Client) GetSubscription(ctx context.Context, walletAddress string) (*Subscription, error) {
	u := fmt.Sprintf("%s/api/v1/subscriptions/%s", c.baseURL, url.PathEscape(walletAddress))
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	var sub Subscription
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &sub, nil
}

// Health checks whether the service is up.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseErrorResponse(resp)
	}
	return nil
}

// parseErrorResponse attempts to parse an error response from the server.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
	}

	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return &APIError{StatusCode: resp.StatusCode, Message: string(body)}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error}
}
