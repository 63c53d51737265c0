package nats

import (
	"time"
)

// Event types emitted over the lifecycle of one verification request.
const (
	EventVerificationFailed    = "verification_failed"
	EventVerificationCompleted = "verification_completed"
	EventPaymentVerified       = "payment_verified"
	EventPaymentFailed         = "payment_failed"
)

// PaymentEvent is one structured event published to "payments.{event_type}".
// Publishing is best-effort: a sink failure must never abort the payment flow.
type PaymentEvent struct {
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
	Severity  string    `json:"severity"` // "info", "warning", "error"

	// Payment context
	Signature      string `json:"signature,omitempty"`
	Tier           string `json:"tier,omitempty"`
	WalletAddress  string `json:"wallet_address,omitempty"`
	AmountLamports int64  `json:"amount_lamports,omitempty"`
	PaymentID      string `json:"payment_id,omitempty"`

	// Failure context
	Category string `json:"category,omitempty"`
	Message  string `json:"message,omitempty"`

	// Timing
	ElapsedMs int64 `json:"elapsed_ms,omitempty"`
}

// NewEvent constructs an event stamped with the current time.
func NewEvent(eventType, severity string) *PaymentEvent {
	return &PaymentEvent{
		EventType: eventType,
		Timestamp: time.Now().UTC(),
		Severity:  severity,
	}
}
