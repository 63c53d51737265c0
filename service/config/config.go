package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"time"
)

// Tier names accepted by the verification API.
const (
	TierFree    = "free"
	TierPro     = "pro"
	TierProPlus = "pro_plus"
)

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr string
	LogLevel   string

	// Database configuration
	DatabaseURL string

	// NATS configuration
	NATSURL string

	// Solana configuration
	SolanaRPCURL string
	Network      string // "mainnet" or "devnet"
	Commitment   string // "finalized" or "confirmed"

	// Payment configuration.
	// RecipientWallet may be empty at load time; the verification handler
	// reports Unconfigured per request rather than refusing to boot, so the
	// rest of the API (health, read paths) stays available.
	RecipientWallet string
	Pricing         Pricing

	// Verification configuration
	VerifyTimeout  time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
	PaymentMaxAge  time.Duration
}

// Pricing holds the per-tier subscription prices in lamports.
type Pricing struct {
	ProLamports     int64
	ProPlusLamports int64
}

// TierLamports returns the base price for a tier, or an error for unknown tiers.
func (p Pricing) TierLamports(tier string) (int64, error) {
	switch tier {
	case TierPro:
		return p.ProLamports, nil
	case TierProPlus:
		return p.ProPlusLamports, nil
	default:
		return 0, fmt.Errorf("unknown tier %q", tier)
	}
}

// Load reads configuration from environment variables and validates all required fields.
// Returns an error if any required configuration is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	// Server configuration
	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	// Database configuration
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DATABASE_URL is required"))
	}

	// NATS configuration
	cfg.NATSURL = getEnvOrDefault("NATS_URL", "nats://localhost:4222")

	// Solana configuration
	cfg.SolanaRPCURL = os.Getenv("SOLANA_RPC_URL")
	if cfg.SolanaRPCURL == "" {
		errs = append(errs, fmt.Errorf("SOLANA_RPC_URL is required"))
	}

	cfg.Network = getEnvOrDefault("SOLANA_NETWORK", "mainnet")
	if cfg.Network != "mainnet" && cfg.Network != "devnet" {
		errs = append(errs, fmt.Errorf("SOLANA_NETWORK must be 'mainnet' or 'devnet', got %q", cfg.Network))
	}

	cfg.Commitment = getEnvOrDefault("SOLANA_COMMITMENT", "finalized")
	if cfg.Commitment != "finalized" && cfg.Commitment != "confirmed" {
		errs = append(errs, fmt.Errorf("SOLANA_COMMITMENT must be 'finalized' or 'confirmed', got %q", cfg.Commitment))
	}

	// Payment configuration
	cfg.RecipientWallet = os.Getenv("PAYMENT_RECIPIENT_WALLET")

	proPrice, err := parseFloat("TIER_PRO_PRICE_SOL", 0.05)
	if err != nil {
		errs = append(errs, err)
	}
	proPlusPrice, err := parseFloat("TIER_PRO_PLUS_PRICE_SOL", 0.1)
	if err != nil {
		errs = append(errs, err)
	}
	if proPrice <= 0 {
		errs = append(errs, fmt.Errorf("TIER_PRO_PRICE_SOL must be positive, got %v", proPrice))
	}
	if proPlusPrice <= proPrice {
		errs = append(errs, fmt.Errorf("TIER_PRO_PLUS_PRICE_SOL (%v) must be greater than TIER_PRO_PRICE_SOL (%v)",
			proPlusPrice, proPrice))
	}
	cfg.Pricing = Pricing{
		ProLamports:     LamportsFromSOL(proPrice),
		ProPlusLamports: LamportsFromSOL(proPlusPrice),
	}

	// Verification configuration
	verifyTimeout, err := parseDuration("VERIFY_TIMEOUT", "30s")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.VerifyTimeout = verifyTimeout
	}

	maxRetries, err := parseInt("VERIFY_MAX_RETRIES", 5)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.MaxRetries = maxRetries
	}

	retryBaseDelay, err := parseDuration("VERIFY_RETRY_BASE_DELAY", "2s")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.RetryBaseDelay = retryBaseDelay
	}

	maxAge, err := parseDuration("PAYMENT_MAX_AGE", "24h")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.PaymentMaxAge = maxAge
	}

	if cfg.VerifyTimeout < time.Second {
		errs = append(errs, fmt.Errorf("VERIFY_TIMEOUT must be at least 1 second, got %v", cfg.VerifyTimeout))
	}
	if cfg.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("VERIFY_MAX_RETRIES must be at least 1, got %d", cfg.MaxRetries))
	}

	// Return all validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}

	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
// Useful for server initialization where misconfiguration should halt startup.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DatabaseURL is required"))
	}

	if c.SolanaRPCURL == "" {
		errs = append(errs, fmt.Errorf("SolanaRPCURL is required"))
	}

	if c.Network != "mainnet" && c.Network != "devnet" {
		errs = append(errs, fmt.Errorf("Network must be 'mainnet' or 'devnet'"))
	}

	if c.Pricing.ProLamports <= 0 {
		errs = append(errs, fmt.Errorf("Pricing.ProLamports must be positive"))
	}

	if c.Pricing.ProPlusLamports <= c.Pricing.ProLamports {
		errs = append(errs, fmt.Errorf("Pricing.ProPlusLamports must be greater than Pricing.ProLamports"))
	}

	if c.VerifyTimeout < time.Second {
		errs = append(errs, fmt.Errorf("VerifyTimeout must be at least 1 second"))
	}

	if c.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("MaxRetries must be at least 1"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

// LamportsFromSOL converts a SOL amount to lamports, rounding to the nearest
// lamport. Prices and amounts are compared in integer lamports everywhere;
// SOL decimals exist only at configuration and response boundaries.
func LamportsFromSOL(sol float64) int64 {
	return int64(math.Round(sol * 1e9))
}

// SOLFromLamports converts lamports to a SOL amount for display.
func SOLFromLamports(lamports int64) float64 {
	return float64(lamports) / 1e9
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseInt parses an integer from an environment variable or uses a default.
func parseInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}

// parseFloat parses a float from an environment variable or uses a default.
func parseFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid number %q: %w", key, value, err)
	}
	return result, nil
}
