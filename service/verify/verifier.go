package verify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/nimbuschat/paygate/service/config"
	"github.com/nimbuschat/paygate/service/metrics"
	"github.com/nimbuschat/paygate/service/solana"
)

// LedgerClient is the read-only ledger access the verifier needs. It is
// satisfied by solana.Client and by test doubles without touching network
// code.
type LedgerClient interface {
	GetTransaction(ctx context.Context, signature string, commitment rpc.CommitmentType) (*solana.TransactionRecord, error)
}

// Verifier confirms that a claimed on-chain transfer actually paid the
// expected recipient the expected amount from the declared sender, finalized
// and within the freshness window.
//
// Verify never returns an error for expected failure modes; those become
// categorized Results. No outcome is ever cached: every call re-queries the
// ledger, because a money-moving decision is never trusted to a stale cache.
type Verifier struct {
	ledger     LedgerClient
	retry      RetryConfig
	commitment rpc.CommitmentType
	maxAge     time.Duration
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewVerifier creates a Verifier. commitment is the level a payment must
// reach to be accepted (finalized in production), maxAge is the freshness
// window for accepted payments (24h in production). m may be nil.
func NewVerifier(ledger LedgerClient, retryCfg RetryConfig, commitment rpc.CommitmentType, maxAge time.Duration, m *metrics.Metrics, logger *slog.Logger) *Verifier {
	if commitment == "" {
		commitment = rpc.CommitmentFinalized
	}
	return &Verifier{
		ledger:     ledger,
		retry:      retryCfg,
		commitment: commitment,
		maxAge:     maxAge,
		metrics:    m,
		logger:     logger,
	}
}

// VerifyParams identifies the transfer to check.
type VerifyParams struct {
	Signature         string
	ExpectedRecipient string
	ExpectedLamports  int64
	SenderAddress     string
}

// Verify runs the full check sequence against the ledger.
func (v *Verifier) Verify(ctx context.Context, params VerifyParams) *Result {
	// Defense in depth: the handler validates too, but the verifier must be
	// safe to call directly.
	if err := ValidateAddress(params.ExpectedRecipient); err != nil {
		return failureResult(CategoryInvalidInput, "invalid recipient: %v", err)
	}
	if err := ValidateAddress(params.SenderAddress); err != nil {
		return failureResult(CategoryInvalidInput, "invalid sender: %v", err)
	}
	if err := ValidateSignature(params.Signature); err != nil {
		return failureResult(CategoryInvalidInput, "%v", err)
	}

	// Fetch at the acceptance commitment; transient failures (not yet
	// visible, rate limits, network blips) are retried with backoff.
	record, err := retry(ctx, v.retry, v.metrics, v.logger, func(ctx context.Context) (*solana.TransactionRecord, error) {
		return v.ledger.GetTransaction(ctx, params.Signature, v.commitment)
	})
	if err != nil {
		if errors.Is(err, solana.ErrTransactionNotFound) {
			return v.resolveMissing(ctx, params.Signature)
		}
		category := ClassifyError(err)
		v.logger.WarnContext(ctx, "ledger lookup failed",
			"signature", params.Signature,
			"category", category,
			"error", err,
		)
		return failureResult(category, "")
	}

	// The chain executed it but the transaction itself failed; surface the
	// ledger's own error for diagnostics.
	if record.Err != nil {
		return failureResult(CategoryTransactionFailed, "transaction failed on chain: %s", *record.Err)
	}

	if record.Slot == 0 {
		return failureResult(CategoryNotFinalized, "transaction is not yet finalized; retry shortly")
	}

	if len(record.AccountKeys) == 0 {
		return failureResult(CategoryInternal, "ledger returned incomplete transaction data")
	}

	recipientKey, _ := solanago.PublicKeyFromBase58(params.ExpectedRecipient)
	idx := record.AccountIndex(recipientKey)
	if idx < 0 {
		return failureResult(CategoryRecipientMismatch, "transaction did not pay the expected recipient")
	}

	if idx >= len(record.PreBalances) || idx >= len(record.PostBalances) ||
		len(record.PreBalances) != len(record.PostBalances) {
		return failureResult(CategoryInternal, "ledger returned incomplete balance data")
	}

	// Balance delta in integer lamports; no floating point in the comparison.
	delta := int64(record.PostBalances[idx]) - int64(record.PreBalances[idx])
	diff := delta - params.ExpectedLamports
	if diff < -ToleranceLamports || diff > ToleranceLamports {
		return failureResult(CategoryAmountMismatch,
			"amount mismatch: expected %.9f SOL, got %.9f SOL",
			config.SOLFromLamports(params.ExpectedLamports), config.SOLFromLamports(delta))
	}

	// The fee payer (first account key) is the sender for single-signer
	// transfers.
	sender, ok := record.FirstSigner()
	if !ok {
		return failureResult(CategoryInternal, "ledger returned incomplete transaction data")
	}
	if sender.String() != params.SenderAddress {
		return failureResult(CategorySenderMismatch, "transaction was not sent from the declared wallet")
	}

	// Freshness window defends against stale or replayed payment proofs.
	if record.BlockTime.IsZero() {
		return failureResult(CategoryInternal, "ledger did not report a block time")
	}
	age := time.Since(record.BlockTime)
	if age > v.maxAge {
		return failureResult(CategoryExpired,
			"transaction is too old: happened %s ago, payments must be within %s",
			age.Round(time.Second), v.maxAge)
	}

	v.logger.InfoContext(ctx, "payment verified",
		"signature", params.Signature,
		"recipient", params.ExpectedRecipient,
		"sender", params.SenderAddress,
		"amount_lamports", delta,
		"slot", record.Slot,
	)

	return successResult(&TransactionDetails{
		Signature:          params.Signature,
		Recipient:          params.ExpectedRecipient,
		Sender:             params.SenderAddress,
		AmountLamports:     delta,
		TimestampMs:        record.BlockTime.UnixMilli(),
		Slot:               record.Slot,
		ConfirmationStatus: string(v.commitment),
	})
}

// resolveMissing distinguishes a transaction that is still settling from one
// the ledger has never seen. A single probe at confirmed commitment is
// enough: present there means "found but not finalized yet". An infrastructure
// failure during the probe is reported as such, not as NotFound.
func (v *Verifier) resolveMissing(ctx context.Context, signature string) *Result {
	// At confirmed acceptance the primary fetch was already the weakest
	// commitment we trust; missing there is simply not found.
	if v.commitment != rpc.CommitmentFinalized {
		return failureResult(CategoryNotFound, "transaction not found on chain; check the signature")
	}

	record, err := v.ledger.GetTransaction(ctx, signature, rpc.CommitmentConfirmed)
	if err == nil && record != nil {
		return failureResult(CategoryNotFinalized, "transaction is not yet finalized; retry shortly")
	}
	if err != nil && !errors.Is(err, solana.ErrTransactionNotFound) {
		category := ClassifyError(err)
		v.logger.WarnContext(ctx, "confirmed commitment probe failed",
			"signature", signature,
			"category", category,
			"error", err,
		)
		return failureResult(category, "")
	}
	return failureResult(CategoryNotFound, "transaction not found on chain; check the signature")
}
