// Package gateway is the sole boundary between the escrow state machine
// and the external payment processor. Money-moving transitions call it
// with derived idempotency keys so network retries never double-charge
// or double-release.
package gateway

import (
	"context"
	"errors"
)

var (
	// ErrPaymentDeclined is non-retryable: the payer's instrument was refused.
	ErrPaymentDeclined = errors.New("payment declined")
	// ErrGatewayUnavailable is retryable: the processor could not be
	// reached or timed out before confirming.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	// ErrReleaseFailed covers payout problems such as a payee account
	// that is missing or not configured for transfers.
	ErrReleaseFailed = errors.New("release to payee failed")
	// ErrWebhookSignatureInvalid marks an inbound event whose signature
	// did not verify. Such events are dropped without side effects.
	ErrWebhookSignatureInvalid = errors.New("webhook signature invalid")
	// ErrEventIgnored marks a verified webhook event type the escrow
	// core has no interest in.
	ErrEventIgnored = errors.New("webhook event ignored")
)

type ChargeParams struct {
	TransactionID  string
	CustomerID     string
	AmountCents    int64
	Currency       string
	IdempotencyKey string
}

// ChargeResult reports the created payment intent. Confirmed is false
// when the processor accepted the charge but has not settled it yet; in
// that case the PaymentConfirmed webhook advances the transaction.
type ChargeResult struct {
	IntentID  string
	Confirmed bool
}

type ReleaseParams struct {
	TransactionID   string
	IntentID        string
	PayoutAccountID string
	NetAmountCents  int64
	Currency        string
	IdempotencyKey  string
}

type RefundParams struct {
	TransactionID  string
	IntentID       string
	IdempotencyKey string
}

// Domain event kinds mapped from processor webhook types.
type EventKind string

const (
	PaymentConfirmed EventKind = "payment_confirmed"
	PaymentFailed    EventKind = "payment_failed"
	ReleaseConfirmed EventKind = "release_confirmed"
	RefundConfirmed  EventKind = "refund_confirmed"
)

// DomainEvent is a verified, processor-agnostic webhook event.
type DomainEvent struct {
	ID            string // gateway event id, dedup key
	Kind          EventKind
	TransactionID string // from call metadata, may be empty
	IntentID      string
}

// PaymentGateway abstracts the processor for the state machine engine.
type PaymentGateway interface {
	ChargeToEscrow(ctx context.Context, p ChargeParams) (ChargeResult, error)
	ReleaseToPayee(ctx context.Context, p ReleaseParams) (string, error)
	RefundToPayer(ctx context.Context, p RefundParams) (string, error)
	VerifyWebhook(payload []byte, signatureHeader string) (DomainEvent, error)
}
