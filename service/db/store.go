package db

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nimbuschat/paygate/service/metrics"
)

// Domain errors the payment handler maps to specific user-facing messages.
var (
	// ErrUserNotFound means the paying wallet has no account to credit.
	ErrUserNotFound = errors.New("user not found")

	// ErrAlreadyProcessed means a payment with this transaction signature
	// was already credited. The signature is the idempotency key: the same
	// transfer can never be credited twice.
	ErrAlreadyProcessed = errors.New("payment already processed")
)

// Store provides database operations for the service.
type Store struct {
	pool    *pgxpool.Pool
	metrics *metrics.Metrics
}

// NewStore creates a new Store with the given database connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// WithMetrics attaches a query recorder to the store. Without one, queries
// run unrecorded (the CLI path).
func (s *Store) WithMetrics(m *metrics.Metrics) *Store {
	s.metrics = m
	return s
}

// observe records one query's duration and status. Deferred from each store
// method with a pointer to its named error return.
func (s *Store) observe(operation, table string, start time.Time, err *error) {
	if s.metrics != nil {
		s.metrics.RecordDBQuery(operation, table, time.Since(start).Seconds(), *err)
	}
}

// Payment is one credited subscription payment.
type Payment struct {
	PaymentID      string
	Signature      string
	Tier           string
	AmountLamports int64
	WalletAddress  string
	Recipient      string
	Sender         string
	Slot           int64
	BlockTime      time.Time
	IsProrated     bool
	CreatedAt      time.Time
}

// Subscription is a wallet's current tier.
type Subscription struct {
	WalletAddress string
	Tier          string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ProcessVerifiedPaymentParams carries everything needed to credit a
// verified payment. Signature must be the ledger signature the verifier
// checked, propagated unchanged.
type ProcessVerifiedPaymentParams struct {
	Tier           string
	Signature      string
	AmountLamports int64
	WalletAddress  string
	IsProrated     bool
	Recipient      string
	Sender         string
	Slot           int64
	BlockTime      time.Time
}

// ProcessVerifiedPayment credits a subscription upgrade for a verified
// payment. It is idempotent on the transaction signature: the payment row
// insert and the tier update happen in one transaction, and a duplicate
// signature returns ErrAlreadyProcessed without touching the subscription.
//
// Callers must not auto-retry this on failure; a retried request re-enters
// through verification and lands here again with the same signature.
func (s *Store) ProcessVerifiedPayment(ctx context.Context, params ProcessVerifiedPaymentParams) (_ *Payment, err error) {
	defer s.observe("process_verified_payment", "payments", time.Now(), &err)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	// The paying wallet must already have an account.
	var exists bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM subscriptions WHERE wallet_address = $1)`,
		params.WalletAddress,
	).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrUserNotFound
	}

	paymentID := uuid.New().String()
	var payment Payment
	err = tx.QueryRow(ctx,
		`INSERT INTO payments (
			payment_id, signature, tier, amount_lamports, wallet_address,
			recipient, sender, slot, block_time, is_prorated
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (signature) DO NOTHING
		RETURNING payment_id, signature, tier, amount_lamports, wallet_address,
			recipient, sender, slot, block_time, is_prorated, created_at`,
		paymentID, params.Signature, params.Tier, params.AmountLamports,
		params.WalletAddress, params.Recipient, params.Sender, params.Slot,
		params.BlockTime, params.IsProrated,
	).Scan(
		&payment.PaymentID, &payment.Signature, &payment.Tier,
		&payment.AmountLamports, &payment.WalletAddress, &payment.Recipient,
		&payment.Sender, &payment.Slot, &payment.BlockTime,
		&payment.IsProrated, &payment.CreatedAt,
	)
	if err != nil {
		// ON CONFLICT DO NOTHING yields no row for a duplicate signature.
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAlreadyProcessed
		}
		return nil, err
	}

	_, err = tx.Exec(ctx,
		`UPDATE subscriptions SET tier = $1, updated_at = now() WHERE wallet_address = $2`,
		params.Tier, params.WalletAddress,
	)
	if err != nil {
		return nil, err
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, err
	}

	return &payment, nil
}

// GetPayment retrieves a payment by its transaction signature.
func (s *Store) GetPayment(ctx context.Context, signature string) (_ *Payment, err error) {
	defer s.observe("get_payment", "payments", time.Now(), &err)

	var payment Payment
	err = s.pool.QueryRow(ctx,
		`SELECT payment_id, signature, tier, amount_lamports, wallet_address,
			recipient, sender, slot, block_time, is_prorated, created_at
		FROM payments WHERE signature = $1`,
		signature,
	).Scan(
		&payment.PaymentID, &payment.Signature, &payment.Tier,
		&payment.AmountLamports, &payment.WalletAddress, &payment.Recipient,
		&payment.Sender, &payment.Slot, &payment.BlockTime,
		&payment.IsProrated, &payment.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// ListPaymentsByWalletParams contains pagination parameters.
type ListPaymentsByWalletParams struct {
	WalletAddress string
	Limit         int32
	Offset        int32
}

// ListPaymentsByWallet retrieves payments for a wallet with pagination,
// newest first.
func (s *Store) ListPaymentsByWallet(ctx context.Context, params ListPaymentsByWalletParams) (_ []*Payment, err error) {
	defer s.observe("list_payments_by_wallet", "payments", time.Now(), &err)

	rows, err := s.pool.Query(ctx,
		`SELECT payment_id, signature, tier, amount_lamports, wallet_address,
			recipient, sender, slot, block_time, is_prorated, created_at
		FROM payments
		WHERE wallet_address = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`,
		params.WalletAddress, params.Limit, params.Offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	payments := make([]*Payment, 0)
	for rows.Next() {
		var payment Payment
		if err := rows.Scan(
			&payment.PaymentID, &payment.Signature, &payment.Tier,
			&payment.AmountLamports, &payment.WalletAddress, &payment.Recipient,
			&payment.Sender, &payment.Slot, &payment.BlockTime,
			&payment.IsProrated, &payment.CreatedAt,
		); err != nil {
			return nil, err
		}
		payments = append(payments, &payment)
	}
	return payments, rows.Err()
}

// CountPaymentsByWallet counts credited payments for a wallet.
func (s *Store) CountPaymentsByWallet(ctx context.Context, walletAddress string) (_ int64, err error) {
	defer s.observe("count_payments_by_wallet", "payments", time.Now(), &err)

	var count int64
	err = s.pool.QueryRow(ctx,
		`SELECT count(*) FROM payments WHERE wallet_address = $1`,
		walletAddress,
	).Scan(&count)
	return count, err
}

// GetSubscription retrieves the current subscription for a wallet.
// Returns ErrUserNotFound if the wallet has no account.
func (s *Store) GetSubscription(ctx context.Context, walletAddress string) (_ *Subscription, err error) {
	defer s.observe("get_subscription", "subscriptions", time.Now(), &err)

	var sub Subscription
	err = s.pool.QueryRow(ctx,
		`SELECT wallet_address, tier, created_at, updated_at
		FROM subscriptions WHERE wallet_address = $1`,
		walletAddress,
	).Scan(&sub.WalletAddress, &sub.Tier, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &sub, nil
}

// CreateSubscription registers a wallet at the given tier. Used when an
// account is first provisioned (the chat product calls this on signup).
func (s *Store) CreateSubscription(ctx context.Context, walletAddress, tier string) (_ *Subscription, err error) {
	defer s.observe("create_subscription", "subscriptions", time.Now(), &err)

	var sub Subscription
	err = s.pool.QueryRow(ctx,
		`INSERT INTO subscriptions (wallet_address, tier)
		VALUES ($1, $2)
		ON CONFLICT (wallet_address) DO UPDATE SET updated_at = now()
		RETURNING wallet_address, tier, created_at, updated_at`,
		walletAddress, tier,
	).Scan(&sub.WalletAddress, &sub.Tier, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}
