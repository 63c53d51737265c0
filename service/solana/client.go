package solana

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/nimbuschat/paygate/service/metrics"
)

// ErrTransactionNotFound is returned when the ledger has no record of the
// requested signature at the requested commitment level. Callers distinguish
// "not yet visible" from a genuinely unknown signature by probing a weaker
// commitment.
var ErrTransactionNotFound = errors.New("transaction not found")

// RPCClient is an interface for the Solana RPC operations we need.
// This allows us to mock the RPC layer in tests without hitting real Solana nodes.
type RPCClient interface {
	GetTransaction(
		ctx context.Context,
		signature solana.Signature,
		opts *rpc.GetTransactionOpts,
	) (*rpc.GetTransactionResult, error)
}

// Client fetches and normalizes individual transactions from the ledger.
// It wraps the RPC client with domain-specific record resolution.
type Client struct {
	rpc      RPCClient
	logger   *slog.Logger
	metrics  *metrics.Metrics
	endpoint string // RPC endpoint identifier for metrics (e.g., "mainnet", "devnet", rpc host)
}

// NewClient creates a new Solana ledger client.
// The endpoint parameter is used for metrics labeling (e.g., "mainnet", "devnet", or RPC hostname).
// If m is nil, no metrics will be recorded.
func NewClient(rpcClient RPCClient, endpoint string, m *metrics.Metrics, logger *slog.Logger) *Client {
	return &Client{
		rpc:      rpcClient,
		logger:   logger,
		metrics:  m,
		endpoint: endpoint,
	}
}

// GetTransaction fetches the transaction for a signature at the given
// commitment level and resolves it into a TransactionRecord.
// Returns ErrTransactionNotFound if the ledger has no record at that
// commitment.
func (c *Client) GetTransaction(ctx context.Context, signature string, commitment rpc.CommitmentType) (*TransactionRecord, error) {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return nil, fmt.Errorf("invalid signature %q: %w", signature, err)
	}

	maxVersion := uint64(0)
	opts := &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     commitment,
		MaxSupportedTransactionVersion: &maxVersion,
	}

	start := time.Now()
	result, err := c.rpc.GetTransaction(ctx, sig, opts)
	duration := time.Since(start).Seconds()

	status := "success"
	if err != nil {
		status = "error"
	}
	if c.metrics != nil {
		c.metrics.RecordRPCCall("GetTransaction", status, c.endpoint, duration)
		if err != nil && isRateLimited(err) {
			c.metrics.RecordRateLimitHit(c.endpoint)
		}
	}

	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			c.logger.DebugContext(ctx, "transaction not found at commitment",
				"signature", signature,
				"commitment", commitment,
			)
			return nil, ErrTransactionNotFound
		}
		c.logger.WarnContext(ctx, "failed to get transaction",
			"signature", signature,
			"commitment", commitment,
			"error", err,
		)
		return nil, err
	}
	if result == nil {
		return nil, ErrTransactionNotFound
	}

	record, err := recordFromResult(signature, result)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve transaction %s: %w", signature, err)
	}

	c.logger.DebugContext(ctx, "fetched transaction",
		"signature", signature,
		"slot", record.Slot,
		"accounts", len(record.AccountKeys),
		"commitment", commitment,
	)

	return record, nil
}

// isRateLimited reports whether an RPC error is a 429 from the provider.
func isRateLimited(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests")
}

// recordFromResult normalizes an RPC result into a TransactionRecord.
// The account list is the static message keys followed by any
// lookup-table loaded addresses (writable, then read-only), which is the
// order the ledger aligns pre/post balance arrays to.
func recordFromResult(signature string, result *rpc.GetTransactionResult) (*TransactionRecord, error) {
	record := &TransactionRecord{
		Signature: signature,
		Slot:      result.Slot,
	}

	if result.BlockTime != nil {
		record.BlockTime = result.BlockTime.Time()
	}

	if result.Meta != nil {
		if result.Meta.Err != nil {
			errMsg := fmt.Sprintf("%v", result.Meta.Err)
			record.Err = &errMsg
		}
		record.PreBalances = result.Meta.PreBalances
		record.PostBalances = result.Meta.PostBalances
	}

	if result.Transaction != nil {
		tx, err := result.Transaction.GetTransaction()
		if err != nil {
			return nil, fmt.Errorf("failed to decode transaction: %w", err)
		}

		record.AccountKeys = append(record.AccountKeys, tx.Message.AccountKeys...)
	}

	// Lookup-table loaded accounts extend the static key list.
	if result.Meta != nil {
		record.AccountKeys = append(record.AccountKeys, result.Meta.LoadedAddresses.Writable...)
		record.AccountKeys = append(record.AccountKeys, result.Meta.LoadedAddresses.ReadOnly...)
	}

	return record, nil
}
