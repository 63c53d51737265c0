package verify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbuschat/paygate/service/config"
)

const (
	testSignature = "5j7s6NiJS3JAkvgkoc18WVAsiSaci2pxB2A6ueCJP4tprA2TFg9wSyTLeYouxPBJEMzJinENTkpA52YStRW5Dia7"
	testWallet    = "DYw8jCTfwHNRJhhmFcbXvVDTqWMEVFBX6ZKUmG5CNSKK"
)

var testPricing = config.Pricing{
	ProLamports:     50_000_000,  // 0.05 SOL
	ProPlusLamports: 100_000_000, // 0.1 SOL
}

func TestValidateSignature(t *testing.T) {
	tests := []struct {
		name      string
		signature string
		wantErr   bool
	}{
		{
			name:      "valid signature",
			signature: testSignature,
			wantErr:   false,
		},
		{
			name:      "empty signature",
			signature: "",
			wantErr:   true,
		},
		{
			name:      "too short",
			signature: "abc123",
			wantErr:   true,
		},
		{
			name:      "too long",
			signature: testSignature + testSignature,
			wantErr:   true,
		},
		{
			name:      "invalid base58 characters",
			signature: "0OIl" + testSignature[4:],
			wantErr:   true,
		},
		{
			name:      "contains whitespace",
			signature: testSignature[:40] + " " + testSignature[41:],
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSignature(tt.signature)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateAddress(t *testing.T) {
	tests := []struct {
		name    string
		address string
		wantErr bool
	}{
		{
			name:    "valid address",
			address: testWallet,
			wantErr: false,
		},
		{
			name:    "system program address",
			address: "11111111111111111111111111111111",
			wantErr: false,
		},
		{
			name:    "empty address",
			address: "",
			wantErr: true,
		},
		{
			name:    "invalid base58 characters",
			address: "0x1234567890abcdef",
			wantErr: true,
		},
		{
			name:    "base58 but not a valid key length",
			address: "abc",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAddress(tt.address)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateTier(t *testing.T) {
	assert.NoError(t, ValidateTier(config.TierPro))
	assert.NoError(t, ValidateTier(config.TierProPlus))
	assert.Error(t, ValidateTier(config.TierFree))
	assert.Error(t, ValidateTier("enterprise"))
	assert.Error(t, ValidateTier(""))
}

func TestExpectedTierLamports(t *testing.T) {
	tests := []struct {
		name     string
		tier     string
		prorated bool
		want     int64
		wantErr  bool
	}{
		{
			name: "pro full price",
			tier: config.TierPro,
			want: 50_000_000,
		},
		{
			name: "pro_plus full price",
			tier: config.TierProPlus,
			want: 100_000_000,
		},
		{
			name:     "prorated pro_plus upgrade costs the difference",
			tier:     config.TierProPlus,
			prorated: true,
			want:     50_000_000,
		},
		{
			name:     "prorated flag on pro still costs full price",
			tier:     config.TierPro,
			prorated: true,
			want:     50_000_000,
		},
		{
			name:    "unknown tier",
			tier:    "enterprise",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExpectedTierLamports(tt.tier, tt.prorated, testPricing)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidateRequest(t *testing.T) {
	validRequest := func() *Request {
		return &Request{
			TransactionSignature: testSignature,
			ExpectedLamports:     50_000_000,
			Tier:                 config.TierPro,
			WalletAddress:        testWallet,
		}
	}

	tests := []struct {
		name    string
		modify  func(*Request)
		wantErr string
	}{
		{
			name:   "valid pro request",
			modify: func(r *Request) {},
		},
		{
			name: "amount within tolerance of tier price",
			modify: func(r *Request) {
				r.ExpectedLamports = 50_000_000 + ToleranceLamports
			},
		},
		{
			name: "prorated pro_plus upgrade",
			modify: func(r *Request) {
				r.Tier = config.TierProPlus
				r.IsProrated = true
				r.IsUpgrade = true
				r.PreviousTier = config.TierPro
				r.ExpectedLamports = 50_000_000
			},
		},
		{
			name: "missing signature",
			modify: func(r *Request) {
				r.TransactionSignature = ""
			},
			wantErr: "signature is required",
		},
		{
			name: "invalid wallet address",
			modify: func(r *Request) {
				r.WalletAddress = "not-an-address"
			},
			wantErr: "wallet_address",
		},
		{
			name: "zero amount",
			modify: func(r *Request) {
				r.ExpectedLamports = 0
			},
			wantErr: "must be positive",
		},
		{
			name: "negative amount",
			modify: func(r *Request) {
				r.ExpectedLamports = -1
			},
			wantErr: "must be positive",
		},
		{
			name: "amount above ceiling",
			modify: func(r *Request) {
				r.ExpectedLamports = MaxAmountLamports + 1
			},
			wantErr: "maximum allowed",
		},
		{
			name: "free tier is not purchasable",
			modify: func(r *Request) {
				r.Tier = config.TierFree
			},
			wantErr: "invalid tier",
		},
		{
			name: "amount outside tolerance of tier price",
			modify: func(r *Request) {
				r.ExpectedLamports = 50_000_000 + ToleranceLamports + 1
			},
			wantErr: "doesn't match tier pricing",
		},
		{
			name: "full pro_plus price on a prorated upgrade",
			modify: func(r *Request) {
				r.Tier = config.TierProPlus
				r.IsProrated = true
				r.ExpectedLamports = 100_000_000
			},
			wantErr: "doesn't match tier pricing",
		},
		{
			name: "invalid previous tier",
			modify: func(r *Request) {
				r.PreviousTier = "legacy"
			},
			wantErr: "previous_tier",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.modify(req)
			err := ValidateRequest(req, testPricing)
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}
