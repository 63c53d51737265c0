package verify

import (
	"fmt"
	"regexp"
	"strings"

	solanago "github.com/gagliardetto/solana-go"

	"github.com/nimbuschat/paygate/service/config"
)

const (
	// Solana transaction signatures are 64 bytes, base58-encoded to 64-88 chars.
	minSignatureLength = 64
	maxSignatureLength = 88

	// MaxAmountLamports is a sanity ceiling on declared payment amounts
	// (1000 SOL). Anything above it is a misconfigured caller, not a
	// plausible subscription payment.
	MaxAmountLamports = 1000 * 1_000_000_000

	// ToleranceLamports absorbs rounding between the declared SOL decimal
	// and the on-chain lamport delta (0.001 SOL).
	ToleranceLamports = 1_000_000
)

// Valid base58 characters (no 0, O, I, l).
var base58Regex = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]+$`)

// ValidationError is a structural validation failure; it always maps to the
// InvalidInput category and its message is safe to show to callers.
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string {
	return e.msg
}

func validationErrorf(format string, args ...any) error {
	return &ValidationError{msg: strings.TrimSpace(fmt.Sprintf(format, args...))}
}

// ValidateSignature checks the structural shape of a transaction signature
// without touching the network.
func ValidateSignature(signature string) error {
	if signature == "" {
		return validationErrorf("transaction signature is required")
	}
	if len(signature) < minSignatureLength || len(signature) > maxSignatureLength {
		return validationErrorf("invalid transaction signature: length must be %d-%d characters",
			minSignatureLength, maxSignatureLength)
	}
	if !base58Regex.MatchString(signature) {
		return validationErrorf("invalid transaction signature: must contain only valid base58 characters")
	}
	return nil
}

// ValidateAddress checks that a string is a well-formed Solana address.
func ValidateAddress(address string) error {
	if address == "" {
		return validationErrorf("address is required")
	}
	if !base58Regex.MatchString(address) {
		return validationErrorf("invalid address format: must contain only valid base58 characters")
	}
	if _, err := solanago.PublicKeyFromBase58(address); err != nil {
		return validationErrorf("invalid address: not a valid Solana public key")
	}
	return nil
}

// ValidateTier checks that a tier name is one of the purchasable tiers.
func ValidateTier(tier string) error {
	if tier != config.TierPro && tier != config.TierProPlus {
		return validationErrorf("invalid tier: must be %q or %q", config.TierPro, config.TierProPlus)
	}
	return nil
}

// ExpectedTierLamports computes what the caller should have paid for a tier.
// A prorated pro_plus upgrade costs the difference between the two tiers;
// everything else costs the tier's full price.
func ExpectedTierLamports(tier string, prorated bool, pricing config.Pricing) (int64, error) {
	price, err := pricing.TierLamports(tier)
	if err != nil {
		return 0, validationErrorf("invalid tier: must be %q or %q", config.TierPro, config.TierProPlus)
	}
	if prorated && tier == config.TierProPlus {
		return pricing.ProPlusLamports - pricing.ProLamports, nil
	}
	return price, nil
}

// ValidateRequest performs all structural and pricing validation for a
// verification request. It is network-free; a request that fails here must
// cost zero ledger calls.
func ValidateRequest(req *Request, pricing config.Pricing) error {
	if err := ValidateSignature(req.TransactionSignature); err != nil {
		return err
	}

	if err := ValidateAddress(req.WalletAddress); err != nil {
		return validationErrorf("invalid wallet_address: %v", err)
	}

	if req.ExpectedLamports <= 0 {
		return validationErrorf("expected_amount must be positive")
	}
	if req.ExpectedLamports > MaxAmountLamports {
		return validationErrorf("expected_amount exceeds the maximum allowed payment")
	}

	if err := ValidateTier(req.Tier); err != nil {
		return err
	}

	if req.PreviousTier != "" {
		if req.PreviousTier != config.TierFree && req.PreviousTier != config.TierPro && req.PreviousTier != config.TierProPlus {
			return validationErrorf("invalid previous_tier: must be %q, %q or %q",
				config.TierFree, config.TierPro, config.TierProPlus)
		}
	}

	expected, err := ExpectedTierLamports(req.Tier, req.IsProrated, pricing)
	if err != nil {
		return err
	}

	diff := req.ExpectedLamports - expected
	if diff < -ToleranceLamports || diff > ToleranceLamports {
		return validationErrorf("amount doesn't match tier pricing: expected %.9f SOL for tier %q, got %.9f SOL",
			config.SOLFromLamports(expected), req.Tier, config.SOLFromLamports(req.ExpectedLamports))
	}

	return nil
}
