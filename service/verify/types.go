package verify

import (
	"fmt"

	"github.com/nimbuschat/paygate/service/config"
)

// Request is one payment verification request after parsing. Amounts are in
// integer lamports; the HTTP layer converts from SOL decimals at the boundary.
type Request struct {
	TransactionSignature string
	ExpectedLamports     int64
	Tier                 string
	WalletAddress        string
	IsProrated           bool
	IsUpgrade            bool
	PreviousTier         string
}

// TransactionDetails describes a verified on-chain payment. The signature is
// the idempotency key for crediting and must be propagated unchanged to the
// persistence layer.
type TransactionDetails struct {
	Signature          string
	Recipient          string
	Sender             string
	AmountLamports     int64
	TimestampMs        int64
	Slot               uint64
	ConfirmationStatus string
}

// AmountSOL returns the verified amount in SOL for response payloads.
func (d *TransactionDetails) AmountSOL() float64 {
	return config.SOLFromLamports(d.AmountLamports)
}

// Result is the outcome of a verification attempt. Expected failures are
// reported through Category and Message, never as errors.
type Result struct {
	Success  bool
	Details  *TransactionDetails
	Category Category
	Message  string
}

func successResult(details *TransactionDetails) *Result {
	return &Result{Success: true, Details: details}
}

func failureResult(category Category, format string, args ...any) *Result {
	msg := fmt.Sprintf(format, args...)
	if msg == "" {
		msg = category.DefaultMessage()
	}
	return &Result{Success: false, Category: category, Message: msg}
}
