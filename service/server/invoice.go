package server

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/google/uuid"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/nimbuschat/paygate/service/config"
	"github.com/nimbuschat/paygate/service/verify"
)

// checkoutInvoice is what the frontend needs to render a payment prompt: the
// amount for the requested tier, the recipient wallet, and a Solana Pay URL
// the wallet app can consume directly, plus that URL as a QR code.
type checkoutInvoice struct {
	InvoiceID      string  `json:"invoice_id"`
	Tier           string  `json:"tier"`
	Amount         float64 `json:"amount"` // SOL
	AmountLamports int64   `json:"amount_lamports"`
	Recipient      string  `json:"recipient"`
	Network        string  `json:"network"`
	PaymentURL     string  `json:"payment_url"`
	QRCodePNG      string  `json:"qr_code_png"` // base64-encoded PNG
}

// solanaPayURL builds a Solana Pay transfer request URL per the spec at
// https://docs.solanapay.com/spec. Amount is in SOL as a decimal string.
func solanaPayURL(recipient string, amountSOL float64, label, message, reference string) string {
	params := url.Values{}
	params.Set("amount", strconv.FormatFloat(amountSOL, 'f', -1, 64))
	if label != "" {
		params.Set("label", label)
	}
	if message != "" {
		params.Set("message", message)
	}
	if reference != "" {
		params.Set("reference", reference)
	}
	return fmt.Sprintf("solana:%s?%s", recipient, params.Encode())
}

// handleCheckout returns a handler that issues a checkout invoice for a paid
// tier. GET /api/v1/checkout/{tier}?prorated=true
func handleCheckout(cfg *config.Config, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tier := r.PathValue("tier")

		if err := verify.ValidateTier(tier); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		if cfg.RecipientWallet == "" {
			logger.Error("payment recipient wallet is not configured")
			writeError(w, verify.CategoryUnconfigured.DefaultMessage(), verify.CategoryUnconfigured.HTTPStatus())
			return
		}

		prorated := r.URL.Query().Get("prorated") == "true"
		lamports, err := verify.ExpectedTierLamports(tier, prorated, cfg.Pricing)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		invoiceID := uuid.New().String()
		amountSOL := config.SOLFromLamports(lamports)
		payURL := solanaPayURL(
			cfg.RecipientWallet,
			amountSOL,
			"NimbusChat",
			fmt.Sprintf("NimbusChat %s subscription", tier),
			invoiceID,
		)

		png, err := qrcode.Encode(payURL, qrcode.Medium, 256)
		if err != nil {
			logger.Error("failed to generate invoice QR code", "tier", tier, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		logger.Debug("issued checkout invoice",
			"invoice_id", invoiceID,
			"tier", tier,
			"amount_lamports", lamports,
			"prorated", prorated,
		)

		writeJSON(w, checkoutInvoice{
			InvoiceID:      invoiceID,
			Tier:           tier,
			Amount:         amountSOL,
			AmountLamports: lamports,
			Recipient:      cfg.RecipientWallet,
			Network:        cfg.Network,
			PaymentURL:     payURL,
			QRCodePNG:      base64.StdEncoding.EncodeToString(png),
		}, http.StatusOK)
	})
}
