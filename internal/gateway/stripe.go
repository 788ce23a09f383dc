package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"github.com/stripe/stripe-go/v81/webhook"
	"go.uber.org/zap"
)

// StripeGateway implements PaymentGateway against Stripe. Escrow holds
// are modelled as confirmed off-session payment intents; releases as
// transfers to the payee's connected account; refunds as payment-intent
// refunds.
type StripeGateway struct {
	api           *client.API
	webhookSecret string
	timeout       time.Duration
	log           *zap.Logger
}

func NewStripeGateway(secretKey, webhookSecret string, timeout time.Duration, log *zap.Logger) *StripeGateway {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &StripeGateway{
		api:           client.New(secretKey, nil),
		webhookSecret: webhookSecret,
		timeout:       timeout,
		log:           log,
	}
}

func (g *StripeGateway) ChargeToEscrow(ctx context.Context, p ChargeParams) (ChargeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	params := &stripe.PaymentIntentParams{
		Amount:     stripe.Int64(p.AmountCents),
		Currency:   stripe.String(strings.ToLower(p.Currency)),
		Customer:   stripe.String(p.CustomerID),
		Confirm:    stripe.Bool(true),
		OffSession: stripe.Bool(true),
	}
	params.Context = ctx
	params.IdempotencyKey = stripe.String(p.IdempotencyKey)
	params.AddMetadata("transaction_id", p.TransactionID)

	pi, err := g.api.PaymentIntents.New(params)
	if err != nil {
		return ChargeResult{}, g.classifyChargeErr(err)
	}

	res := ChargeResult{IntentID: pi.ID}
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded, stripe.PaymentIntentStatusRequiresCapture:
		res.Confirmed = true
	case stripe.PaymentIntentStatusProcessing:
		// Settlement pending; the payment_intent.succeeded webhook
		// advances the transaction.
	default:
		return ChargeResult{}, fmt.Errorf("%w: intent %s in status %s", ErrPaymentDeclined, pi.ID, pi.Status)
	}
	return res, nil
}

func (g *StripeGateway) ReleaseToPayee(ctx context.Context, p ReleaseParams) (string, error) {
	if p.PayoutAccountID == "" {
		return "", fmt.Errorf("%w: payee has no payout account configured", ErrReleaseFailed)
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	params := &stripe.TransferParams{
		Amount:      stripe.Int64(p.NetAmountCents),
		Currency:    stripe.String(strings.ToLower(p.Currency)),
		Destination: stripe.String(p.PayoutAccountID),
	}
	params.Context = ctx
	params.IdempotencyKey = stripe.String(p.IdempotencyKey)
	params.AddMetadata("transaction_id", p.TransactionID)
	params.AddMetadata("payment_intent_id", p.IntentID)

	tr, err := g.api.Transfers.New(params)
	if err != nil {
		return "", g.classifyReleaseErr(err)
	}
	return tr.ID, nil
}

func (g *StripeGateway) RefundToPayer(ctx context.Context, p RefundParams) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(p.IntentID),
	}
	params.Context = ctx
	params.IdempotencyKey = stripe.String(p.IdempotencyKey)
	params.AddMetadata("transaction_id", p.TransactionID)

	rf, err := g.api.Refunds.New(params)
	if err != nil {
		if isUnreachable(err) {
			return "", fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
		}
		return "", fmt.Errorf("refund failed: %w", err)
	}
	return rf.ID, nil
}

// VerifyWebhook checks the processor signature and maps the event to a
// DomainEvent. Unverifiable payloads return ErrWebhookSignatureInvalid
// and must be dropped without side effects.
func (g *StripeGateway) VerifyWebhook(payload []byte, signatureHeader string) (DomainEvent, error) {
	ev, err := webhook.ConstructEvent(payload, signatureHeader, g.webhookSecret)
	if err != nil {
		return DomainEvent{}, fmt.Errorf("%w: %v", ErrWebhookSignatureInvalid, err)
	}

	kind, ok := mapEventType(string(ev.Type))
	if !ok {
		return DomainEvent{}, fmt.Errorf("%w: %s", ErrEventIgnored, ev.Type)
	}

	var obj struct {
		ID            string            `json:"id"`
		Metadata      map[string]string `json:"metadata"`
		PaymentIntent string            `json:"payment_intent"`
	}
	if err := json.Unmarshal(ev.Data.Raw, &obj); err != nil {
		return DomainEvent{}, fmt.Errorf("decode webhook object: %w", err)
	}

	de := DomainEvent{
		ID:            ev.ID,
		Kind:          kind,
		TransactionID: obj.Metadata["transaction_id"],
		IntentID:      obj.PaymentIntent,
	}
	if de.IntentID == "" && strings.HasPrefix(obj.ID, "pi_") {
		de.IntentID = obj.ID
	}
	return de, nil
}

// mapEventType translates Stripe event types into the domain kinds the
// escrow core reacts to.
func mapEventType(t string) (EventKind, bool) {
	switch t {
	case "payment_intent.succeeded":
		return PaymentConfirmed, true
	case "payment_intent.payment_failed":
		return PaymentFailed, true
	case "transfer.created":
		return ReleaseConfirmed, true
	case "charge.refunded":
		return RefundConfirmed, true
	}
	return "", false
}

func (g *StripeGateway) classifyChargeErr(err error) error {
	var sErr *stripe.Error
	if errors.As(err, &sErr) {
		switch sErr.Type {
		case stripe.ErrorTypeCard:
			return fmt.Errorf("%w: %s", ErrPaymentDeclined, sErr.Code)
		case stripe.ErrorTypeAPI:
			return fmt.Errorf("%w: %v", ErrGatewayUnavailable, sErr.Msg)
		}
		return fmt.Errorf("%w: %s", ErrPaymentDeclined, sErr.Code)
	}
	if isUnreachable(err) {
		return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
}

func (g *StripeGateway) classifyReleaseErr(err error) error {
	var sErr *stripe.Error
	if errors.As(err, &sErr) {
		switch sErr.Type {
		case stripe.ErrorTypeAPI:
			return fmt.Errorf("%w: %v", ErrGatewayUnavailable, sErr.Msg)
		}
		return fmt.Errorf("%w: %s", ErrReleaseFailed, sErr.Code)
	}
	if isUnreachable(err) {
		return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	return fmt.Errorf("%w: %v", ErrReleaseFailed, err)
}

// isUnreachable treats timeouts and cancelled round-trips as the
// retryable "gateway unavailable" family: the transaction must not
// advance until a confirmed response or webhook arrives.
func isUnreachable(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
