package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setRequiredEnv sets the minimum environment for Load to succeed.
func setRequiredEnv(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/paygate")
	t.Setenv("SOLANA_RPC_URL", "https://api.mainnet-beta.solana.com")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ServerAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "mainnet", cfg.Network)
	assert.Equal(t, "finalized", cfg.Commitment)
	assert.Equal(t, "nats://localhost:4222", cfg.NATSURL)
	assert.Equal(t, 30*time.Second, cfg.VerifyTimeout)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.RetryBaseDelay)
	assert.Equal(t, 24*time.Hour, cfg.PaymentMaxAge)

	// Default prices: 0.05 SOL pro, 0.1 SOL pro_plus.
	assert.Equal(t, int64(50_000_000), cfg.Pricing.ProLamports)
	assert.Equal(t, int64(100_000_000), cfg.Pricing.ProPlusLamports)

	// Recipient wallet is allowed to be unset at load time; the handler
	// reports Unconfigured per request.
	assert.Empty(t, cfg.RecipientWallet)
}

func TestLoadMissingRequired(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("SOLANA_RPC_URL", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
	assert.Contains(t, err.Error(), "SOLANA_RPC_URL")
}

func TestLoadOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SERVER_ADDR", ":9090")
	t.Setenv("SOLANA_NETWORK", "devnet")
	t.Setenv("PAYMENT_RECIPIENT_WALLET", "DYw8jCTfwHNRJhhmFcbXvVDTqWMEVFBX6ZKUmG5CNSKK")
	t.Setenv("TIER_PRO_PRICE_SOL", "0.2")
	t.Setenv("TIER_PRO_PLUS_PRICE_SOL", "0.5")
	t.Setenv("VERIFY_TIMEOUT", "10s")
	t.Setenv("VERIFY_MAX_RETRIES", "3")
	t.Setenv("PAYMENT_MAX_AGE", "1h")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.ServerAddr)
	assert.Equal(t, "devnet", cfg.Network)
	assert.Equal(t, "DYw8jCTfwHNRJhhmFcbXvVDTqWMEVFBX6ZKUmG5CNSKK", cfg.RecipientWallet)
	assert.Equal(t, int64(200_000_000), cfg.Pricing.ProLamports)
	assert.Equal(t, int64(500_000_000), cfg.Pricing.ProPlusLamports)
	assert.Equal(t, 10*time.Second, cfg.VerifyTimeout)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, time.Hour, cfg.PaymentMaxAge)
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"bad network", "SOLANA_NETWORK", "testnet"},
		{"bad commitment", "SOLANA_COMMITMENT", "processed"},
		{"bad timeout", "VERIFY_TIMEOUT", "not-a-duration"},
		{"timeout too small", "VERIFY_TIMEOUT", "100ms"},
		{"bad retries", "VERIFY_MAX_RETRIES", "zero"},
		{"retries too small", "VERIFY_MAX_RETRIES", "0"},
		{"bad pro price", "TIER_PRO_PRICE_SOL", "free"},
		{"negative pro price", "TIER_PRO_PRICE_SOL", "-0.05"},
		{"pro_plus not above pro", "TIER_PRO_PLUS_PRICE_SOL", "0.01"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv(tt.key, tt.value)

			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestTierLamports(t *testing.T) {
	pricing := Pricing{ProLamports: 50_000_000, ProPlusLamports: 100_000_000}

	pro, err := pricing.TierLamports(TierPro)
	require.NoError(t, err)
	assert.Equal(t, int64(50_000_000), pro)

	proPlus, err := pricing.TierLamports(TierProPlus)
	require.NoError(t, err)
	assert.Equal(t, int64(100_000_000), proPlus)

	_, err = pricing.TierLamports(TierFree)
	assert.Error(t, err)
}

func TestLamportsConversion(t *testing.T) {
	assert.Equal(t, int64(50_000_000), LamportsFromSOL(0.05))
	assert.Equal(t, int64(1_000_000_000), LamportsFromSOL(1))
	assert.Equal(t, int64(1), LamportsFromSOL(0.000000001))
	// Rounds to the nearest lamport instead of truncating.
	assert.Equal(t, int64(100_000_000), LamportsFromSOL(0.1))

	assert.InDelta(t, 0.05, SOLFromLamports(50_000_000), 1e-12)
}

func TestValidate(t *testing.T) {
	valid := &Config{
		DatabaseURL:   "postgres://localhost:5432/paygate",
		SolanaRPCURL:  "https://api.mainnet-beta.solana.com",
		Network:       "mainnet",
		Pricing:       Pricing{ProLamports: 50_000_000, ProPlusLamports: 100_000_000},
		VerifyTimeout: 30 * time.Second,
		MaxRetries:    5,
	}
	assert.NoError(t, valid.Validate())

	invalid := *valid
	invalid.Pricing.ProPlusLamports = invalid.Pricing.ProLamports
	assert.Error(t, invalid.Validate())
}
