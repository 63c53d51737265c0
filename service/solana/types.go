package solana

import (
	"time"

	"github.com/gagliardetto/solana-go"
)

// TransactionRecord is the normalized view of an on-chain transaction that
// the verifier consumes. It is our domain model, independent of the RPC
// response format.
type TransactionRecord struct {
	Signature string
	Slot      uint64
	BlockTime time.Time // zero if the ledger did not report a block time
	Err       *string   // nil if the transaction executed successfully on chain

	// AccountKeys is the full ordered account list: the static message keys
	// followed by any lookup-table loaded addresses (writable, then
	// read-only), matching the order the ledger aligns balances to.
	AccountKeys []solana.PublicKey

	// PreBalances and PostBalances are lamport balances index-aligned to
	// AccountKeys.
	PreBalances  []uint64
	PostBalances []uint64
}

// FirstSigner returns the transaction's fee payer (first account key), or
// false if the account list is empty. For common single-signer transfers
// this is the wallet that funded the payment.
func (r *TransactionRecord) FirstSigner() (solana.PublicKey, bool) {
	if len(r.AccountKeys) == 0 {
		return solana.PublicKey{}, false
	}
	return r.AccountKeys[0], true
}

// AccountIndex returns the index of the given address in AccountKeys, or
// -1 if absent.
func (r *TransactionRecord) AccountIndex(address solana.PublicKey) int {
	for i, key := range r.AccountKeys {
		if key.Equals(address) {
			return i
		}
	}
	return -1
}
