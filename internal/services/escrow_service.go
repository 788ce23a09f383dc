package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/worklock/backend/internal/config"
	"github.com/worklock/backend/internal/events"
	"github.com/worklock/backend/internal/gateway"
	"github.com/worklock/backend/internal/metrics"
	"github.com/worklock/backend/internal/models"
	"github.com/worklock/backend/internal/repositories"
	"github.com/worklock/backend/internal/retry"
	"go.uber.org/zap"
)

const (
	// StatusConflict retries for non-money transitions; money-moving
	// commands surface the conflict so the caller re-reads first.
	conflictRetryAttempts = 3
	conflictRetryBase     = 100 * time.Millisecond

	gatewayRetryAttempts = 3
	gatewayRetryBase     = 250 * time.Millisecond
)

// TransactionStore is the ledger store: single source of truth and sole
// mutator of transaction status.
type TransactionStore interface {
	Create(ctx context.Context, t *models.Transaction) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Transaction, error)
	GetByGatewayIntent(ctx context.Context, intentID string) (*models.Transaction, error)
	SetGatewayIntent(ctx context.Context, id uuid.UUID, intentID string) error
	ApplyTransition(ctx context.Context, id uuid.UUID, expected, to models.Status, patch models.TransitionPatch, entries ...models.AuditEntry) (*models.Transaction, error)
	List(ctx context.Context, f repositories.TransactionFilter) ([]models.Transaction, error)
	ListExpiredReviews(ctx context.Context, now time.Time, limit int) ([]models.Transaction, error)
	ListOverdueDeadlines(ctx context.Context, now time.Time, limit int) ([]models.Transaction, error)
}

type AuditStore interface {
	Append(ctx context.Context, entry models.AuditEntry) error
	ListByTransaction(ctx context.Context, txID uuid.UUID) ([]models.AuditEntry, error)
}

type IdempotencyStore interface {
	Exists(ctx context.Context, txID uuid.UUID, event models.Event, actorID uuid.UUID, key string) (bool, error)
	Record(ctx context.Context, txID uuid.UUID, event models.Event, actorID uuid.UUID, key string) error
}

type GatewayEventStore interface {
	MarkProcessed(ctx context.Context, eventID, eventType string) (bool, error)
	Release(ctx context.Context, eventID string) error
}

// EscrowService is the state machine engine. Every mutation goes
// through the ledger store's optimistic transition; money only moves
// through the payment gateway, and only before the matching ledger
// write (write-after-confirm).
type EscrowService struct {
	txStore    TransactionStore
	auditStore AuditStore
	idemStore  IdempotencyStore
	eventStore GatewayEventStore
	gateway    gateway.PaymentGateway
	publisher  events.Publisher
	cfg        *config.Config
	log        *zap.Logger
}

func NewEscrowService(
	txStore TransactionStore,
	auditStore AuditStore,
	idemStore IdempotencyStore,
	eventStore GatewayEventStore,
	gw gateway.PaymentGateway,
	publisher events.Publisher,
	cfg *config.Config,
	log *zap.Logger,
) *EscrowService {
	return &EscrowService{
		txStore:    txStore,
		auditStore: auditStore,
		idemStore:  idemStore,
		eventStore: eventStore,
		gateway:    gw,
		publisher:  publisher,
		cfg:        cfg,
		log:        log,
	}
}

type CreateParams struct {
	InvoiceID            uuid.UUID
	PayerID              uuid.UUID
	PayeeID              uuid.UUID
	AmountCents          int64
	Currency             string
	PayerCustomerID      string
	PayeePayoutAccountID *string
	ReviewPeriodDays     int
	CompletionPeriodDays int
}

// Create opens a pending escrow transaction for an invoice. Amount and
// currency are fixed here for the transaction's lifetime.
func (s *EscrowService) Create(ctx context.Context, p CreateParams) (*models.Transaction, error) {
	if p.AmountCents <= 0 {
		return nil, models.ErrInvalidAmount
	}
	if p.Currency == "" {
		return nil, fmt.Errorf("currency is required")
	}
	if p.PayerID == p.PayeeID {
		return nil, fmt.Errorf("payer and payee cannot be the same party")
	}
	if p.PayerCustomerID == "" {
		return nil, fmt.Errorf("payer gateway customer reference is required")
	}

	reviewDays := p.ReviewPeriodDays
	if reviewDays <= 0 {
		reviewDays = s.cfg.DefaultReviewPeriodDays
	}
	completionDays := p.CompletionPeriodDays
	if completionDays <= 0 {
		completionDays = s.cfg.DefaultCompletionPeriodDays
	}

	tx := &models.Transaction{
		InvoiceID:            p.InvoiceID,
		PayerID:              p.PayerID,
		PayeeID:              p.PayeeID,
		AmountCents:          p.AmountCents,
		Currency:             p.Currency,
		PlatformFeeBPS:       s.cfg.PlatformFeeBPS,
		Status:               models.StatusPending,
		CompletionPeriodDays: completionDays,
		ReviewPeriodDays:     reviewDays,
		PayerCustomerID:      p.PayerCustomerID,
		PayeePayoutAccountID: p.PayeePayoutAccountID,
	}
	if err := s.txStore.Create(ctx, tx); err != nil {
		return nil, err
	}

	s.log.Info("escrow transaction created",
		zap.String("transaction_id", tx.ID.String()),
		zap.String("invoice_id", tx.InvoiceID.String()),
		zap.Int64("amount_cents", tx.AmountCents),
	)
	return tx, nil
}

// Fund charges the payer and moves the transaction to payment_received.
// A declined charge leaves the transaction pending so the payer can
// retry with a fresh idempotency key, never creating a duplicate escrow
// for the invoice.
func (s *EscrowService) Fund(ctx context.Context, txID, actorID uuid.UUID, idemKey string) (*models.Transaction, error) {
	tx, err := s.txStore.GetByID(ctx, txID)
	if err != nil {
		return nil, err
	}
	if replayed, err := s.replay(ctx, tx, models.EventFund, actorID, idemKey); err != nil {
		return nil, err
	} else if replayed {
		return tx, nil
	}
	if _, err := s.validate(tx, models.EventFund, actorID); err != nil {
		return nil, err
	}

	res, err := s.charge(ctx, tx)
	if err != nil {
		return nil, err
	}

	if !res.Confirmed {
		// Processor accepted but has not settled; the PaymentConfirmed
		// webhook moves the status. Keep the intent for correlation.
		if err := s.txStore.SetGatewayIntent(ctx, tx.ID, res.IntentID); err != nil {
			return nil, err
		}
		s.recordIdem(ctx, tx.ID, models.EventFund, actorID, idemKey)
		return s.txStore.GetByID(ctx, tx.ID)
	}

	role := models.RolePayer
	updated, err := s.transition(ctx, tx, models.EventFund, models.StatusPaymentReceived, &actorID, role,
		models.TransitionPatch{
			SetGatewayIntentID:    &res.IntentID,
			SetCompletionDeadline: s.completionDeadline(tx),
		},
		map[string]any{"gateway_intent_id": res.IntentID, "amount_cents": tx.AmountCents},
	)
	if err != nil {
		return nil, err
	}

	s.recordIdem(ctx, tx.ID, models.EventFund, actorID, idemKey)
	s.publish(ctx, events.EventPaymentReceived, updated)
	return updated, nil
}

// BeginWork is the payee's acknowledgement that work has started.
func (s *EscrowService) BeginWork(ctx context.Context, txID, actorID uuid.UUID, idemKey string) (*models.Transaction, error) {
	return s.command(ctx, txID, actorID, models.EventBeginWork, idemKey, nil, nil)
}

type SubmitWorkInput struct {
	Description string
	Notes       *string
	Attachments []string
}

// SubmitWork attaches the payee's deliverable and starts the review
// period clock. Attachments are storage references only.
func (s *EscrowService) SubmitWork(ctx context.Context, txID, actorID uuid.UUID, in SubmitWorkInput, idemKey string) (*models.Transaction, error) {
	if isBlank(in.Description) {
		return nil, models.ErrEmptyDescription
	}

	updated, err := s.command(ctx, txID, actorID, models.EventSubmitWork, idemKey,
		func(tx *models.Transaction) (models.TransitionPatch, map[string]any) {
			now := time.Now()
			deadline := now.AddDate(0, 0, tx.ReviewPeriodDays)
			sub := &models.WorkSubmission{
				Description: in.Description,
				Notes:       in.Notes,
				Attachments: in.Attachments,
				SubmittedAt: now,
			}
			return models.TransitionPatch{
					SetSubmission:     sub,
					SetReviewDeadline: &deadline,
				}, map[string]any{
					"attachments":     len(in.Attachments),
					"review_deadline": deadline,
				}
		}, nil)
	if err != nil {
		return nil, err
	}

	s.publish(ctx, events.EventWorkSubmitted, updated)
	return updated, nil
}

// Approve releases the held funds to the payee, net of the platform
// fee, and completes the transaction.
func (s *EscrowService) Approve(ctx context.Context, txID, actorID uuid.UUID, idemKey string) (*models.Transaction, error) {
	tx, err := s.txStore.GetByID(ctx, txID)
	if err != nil {
		return nil, err
	}
	if replayed, err := s.replay(ctx, tx, models.EventApprove, actorID, idemKey); err != nil {
		return nil, err
	} else if replayed {
		return tx, nil
	}
	if _, err := s.validate(tx, models.EventApprove, actorID); err != nil {
		return nil, err
	}

	updated, err := s.settleRelease(ctx, tx, models.EventApprove, &actorID, models.RolePayer)
	if err != nil {
		return nil, err
	}
	s.recordIdem(ctx, tx.ID, models.EventApprove, actorID, idemKey)
	return updated, nil
}

// Reject sends submitted work back for revision. No funds move: only
// cancellation from pending or an arbiter decision ever refunds.
func (s *EscrowService) Reject(ctx context.Context, txID, actorID uuid.UUID, idemKey string) (*models.Transaction, error) {
	tx, err := s.txStore.GetByID(ctx, txID)
	if err != nil {
		return nil, err
	}
	if replayed, err := s.replay(ctx, tx, models.EventReject, actorID, idemKey); err != nil {
		return nil, err
	} else if replayed {
		return tx, nil
	}
	if _, err := s.validate(tx, models.EventReject, actorID); err != nil {
		return nil, err
	}

	updated, err := s.transitionVia(ctx, tx, models.EventReject, models.StatusWorkRejected, models.StatusWorkInProgress, &actorID, models.RolePayer,
		models.TransitionPatch{ClearSubmission: true, ClearReviewDeadline: true}, nil)
	if err != nil {
		return nil, err
	}

	s.recordIdem(ctx, tx.ID, models.EventReject, actorID, idemKey)
	return updated, nil
}

// Cancel aborts a pending transaction before any funds are held. Once
// funded, the only way out is completion or dispute resolution.
func (s *EscrowService) Cancel(ctx context.Context, txID, actorID uuid.UUID, idemKey string) (*models.Transaction, error) {
	return s.command(ctx, txID, actorID, models.EventCancel, idemKey, nil, nil)
}

// command runs a non-money transition with idempotency replay and
// bounded StatusConflict retries (re-read, re-validate, re-apply).
func (s *EscrowService) command(
	ctx context.Context,
	txID, actorID uuid.UUID,
	event models.Event,
	idemKey string,
	patchFn func(*models.Transaction) (models.TransitionPatch, map[string]any),
	metaFn func(*models.Transaction) map[string]any,
) (*models.Transaction, error) {
	first, err := s.txStore.GetByID(ctx, txID)
	if err != nil {
		return nil, err
	}
	if replayed, err := s.replay(ctx, first, event, actorID, idemKey); err != nil {
		return nil, err
	} else if replayed {
		return first, nil
	}

	var updated *models.Transaction
	err = retry.Do(ctx, conflictRetryAttempts, conflictRetryBase, func() error {
		tx, err := s.txStore.GetByID(ctx, txID)
		if err != nil {
			return retry.Permanent(err)
		}
		to, err := s.validate(tx, event, actorID)
		if err != nil {
			return retry.Permanent(err)
		}

		var patch models.TransitionPatch
		var meta map[string]any
		if patchFn != nil {
			patch, meta = patchFn(tx)
		}
		if metaFn != nil {
			meta = metaFn(tx)
		}

		role, _ := tx.RoleOf(actorID)
		u, err := s.transition(ctx, tx, event, to, &actorID, role, patch, meta)
		if err != nil {
			if errors.Is(err, models.ErrStatusConflict) {
				return err
			}
			return retry.Permanent(err)
		}
		updated = u
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.recordIdem(ctx, txID, event, actorID, idemKey)
	return updated, nil
}

// validate checks the transition table and the actor's role for the
// event, returning the target status.
func (s *EscrowService) validate(tx *models.Transaction, event models.Event, actorID uuid.UUID) (models.Status, error) {
	to, ok := models.NextStatus(tx.Status, event)
	if !ok {
		metrics.TransitionRejectionsTotal.WithLabelValues("invalid_transition").Inc()
		return "", models.NewInvalidTransition(tx.Status, event)
	}

	required, hasRole := models.RequiredRole(event)
	if !hasRole {
		// dispute: either party
		if _, isParty := tx.RoleOf(actorID); !isParty {
			metrics.TransitionRejectionsTotal.WithLabelValues("unauthorized").Inc()
			return "", models.ErrUnauthorized
		}
		return to, nil
	}

	switch required {
	case models.RolePayer, models.RolePayee:
		role, isParty := tx.RoleOf(actorID)
		if !isParty || role != required {
			metrics.TransitionRejectionsTotal.WithLabelValues("unauthorized").Inc()
			return "", models.ErrUnauthorized
		}
	}
	return to, nil
}

// transition applies one status edge through the ledger store's
// optimistic write and publishes the generic status-changed event.
func (s *EscrowService) transition(
	ctx context.Context,
	tx *models.Transaction,
	event models.Event,
	to models.Status,
	actorID *uuid.UUID,
	role models.Role,
	patch models.TransitionPatch,
	meta map[string]any,
) (*models.Transaction, error) {
	entry := models.AuditEntry{
		TransactionID: tx.ID,
		FromStatus:    tx.Status,
		ToStatus:      to,
		ActorID:       actorID,
		ActorRole:     role,
		Event:         event,
		Meta:          meta,
	}
	updated, err := s.txStore.ApplyTransition(ctx, tx.ID, tx.Status, to, patch, entry)
	if err != nil {
		if errors.Is(err, models.ErrStatusConflict) {
			metrics.TransitionRejectionsTotal.WithLabelValues("status_conflict").Inc()
		}
		return nil, err
	}

	metrics.TransitionsTotal.WithLabelValues(string(event), string(to)).Inc()
	s.log.Info("escrow transition applied",
		zap.String("transaction_id", tx.ID.String()),
		zap.String("event", string(event)),
		zap.String("from", string(tx.Status)),
		zap.String("to", string(to)),
	)
	s.publish(ctx, events.EventStatusChanged, updated)
	return updated, nil
}

// transitionVia applies a composite edge through a transient status as a
// single compare-and-swap write with two audit rows. A failed write
// leaves the row on its prior status with the retry path intact; the
// transient status is never the stored status, so nothing can strand
// there or be disputed from there.
func (s *EscrowService) transitionVia(
	ctx context.Context,
	tx *models.Transaction,
	event models.Event,
	via, to models.Status,
	actorID *uuid.UUID,
	role models.Role,
	patch models.TransitionPatch,
	meta map[string]any,
) (*models.Transaction, error) {
	first := models.AuditEntry{
		TransactionID: tx.ID,
		FromStatus:    tx.Status,
		ToStatus:      via,
		ActorID:       actorID,
		ActorRole:     role,
		Event:         event,
		Meta:          meta,
	}
	second := models.AuditEntry{
		TransactionID: tx.ID,
		FromStatus:    via,
		ToStatus:      to,
		ActorRole:     models.RoleSystem,
		Event:         models.EventSettle,
	}
	updated, err := s.txStore.ApplyTransition(ctx, tx.ID, tx.Status, to, patch, first, second)
	if err != nil {
		if errors.Is(err, models.ErrStatusConflict) {
			metrics.TransitionRejectionsTotal.WithLabelValues("status_conflict").Inc()
		}
		return nil, err
	}

	metrics.TransitionsTotal.WithLabelValues(string(event), string(via)).Inc()
	metrics.TransitionsTotal.WithLabelValues(string(models.EventSettle), string(to)).Inc()
	s.log.Info("escrow transition applied",
		zap.String("transaction_id", tx.ID.String()),
		zap.String("event", string(event)),
		zap.String("from", string(tx.Status)),
		zap.String("via", string(via)),
		zap.String("to", string(to)),
	)
	s.publish(ctx, events.EventStatusChanged, updated)
	return updated, nil
}

// settleRelease performs the release-and-complete path shared by
// approve, review-period expiry and arbiter release: gateway transfer
// first, ledger writes only after the confirmed response.
func (s *EscrowService) settleRelease(ctx context.Context, tx *models.Transaction, event models.Event, actorID *uuid.UUID, role models.Role) (*models.Transaction, error) {
	confirmation, net, fee, err := s.release(ctx, tx, event)
	if err != nil {
		return nil, err
	}

	meta := map[string]any{
		"net_cents":       net,
		"fee_cents":       fee,
		"confirmation_id": confirmation,
	}

	var updated *models.Transaction
	if tx.Status == models.StatusDisputed {
		// Arbiter release closes the dispute in a single edge.
		updated, err = s.transition(ctx, tx, event, models.StatusCompleted, actorID, role,
			models.TransitionPatch{ClearDispute: true}, meta)
	} else {
		updated, err = s.transitionVia(ctx, tx, event, models.StatusWorkApproved, models.StatusCompleted, actorID, role, models.TransitionPatch{}, meta)
	}
	if err != nil {
		return nil, err
	}

	s.publish(ctx, events.EventCompleted, updated)
	return updated, nil
}

// charge calls the gateway with retries on the retryable family only.
func (s *EscrowService) charge(ctx context.Context, tx *models.Transaction) (gateway.ChargeResult, error) {
	var res gateway.ChargeResult
	err := retry.Do(ctx, gatewayRetryAttempts, gatewayRetryBase, func() error {
		r, err := s.gateway.ChargeToEscrow(ctx, gateway.ChargeParams{
			TransactionID:  tx.ID.String(),
			CustomerID:     tx.PayerCustomerID,
			AmountCents:    tx.AmountCents,
			Currency:       tx.Currency,
			IdempotencyKey: gatewayKey(tx.ID, models.EventFund),
		})
		if err != nil {
			if errors.Is(err, gateway.ErrGatewayUnavailable) {
				return err
			}
			return retry.Permanent(err)
		}
		res = r
		return nil
	})
	if err != nil {
		metrics.GatewayCallsTotal.WithLabelValues("charge", "error").Inc()
		return gateway.ChargeResult{}, err
	}
	metrics.GatewayCallsTotal.WithLabelValues("charge", "ok").Inc()
	return res, nil
}

func (s *EscrowService) release(ctx context.Context, tx *models.Transaction, event models.Event) (confirmation string, net, fee int64, err error) {
	if tx.GatewayIntentID == nil {
		return "", 0, 0, fmt.Errorf("%w: transaction has no recorded payment intent", gateway.ErrReleaseFailed)
	}
	net, fee = models.SettlementAmounts(tx.AmountCents, tx.PlatformFeeBPS)

	payout := ""
	if tx.PayeePayoutAccountID != nil {
		payout = *tx.PayeePayoutAccountID
	}

	err = retry.Do(ctx, gatewayRetryAttempts, gatewayRetryBase, func() error {
		c, err := s.gateway.ReleaseToPayee(ctx, gateway.ReleaseParams{
			TransactionID:   tx.ID.String(),
			IntentID:        *tx.GatewayIntentID,
			PayoutAccountID: payout,
			NetAmountCents:  net,
			Currency:        tx.Currency,
			IdempotencyKey:  gatewayKey(tx.ID, event),
		})
		if err != nil {
			if errors.Is(err, gateway.ErrGatewayUnavailable) {
				return err
			}
			return retry.Permanent(err)
		}
		confirmation = c
		return nil
	})
	if err != nil {
		metrics.GatewayCallsTotal.WithLabelValues("release", "error").Inc()
		return "", 0, 0, err
	}
	metrics.GatewayCallsTotal.WithLabelValues("release", "ok").Inc()
	return confirmation, net, fee, nil
}

func (s *EscrowService) refund(ctx context.Context, tx *models.Transaction, event models.Event) (string, error) {
	if tx.GatewayIntentID == nil {
		return "", fmt.Errorf("%w: transaction has no recorded payment intent", gateway.ErrReleaseFailed)
	}
	var confirmation string
	err := retry.Do(ctx, gatewayRetryAttempts, gatewayRetryBase, func() error {
		c, err := s.gateway.RefundToPayer(ctx, gateway.RefundParams{
			TransactionID:  tx.ID.String(),
			IntentID:       *tx.GatewayIntentID,
			IdempotencyKey: gatewayKey(tx.ID, event),
		})
		if err != nil {
			if errors.Is(err, gateway.ErrGatewayUnavailable) {
				return err
			}
			return retry.Permanent(err)
		}
		confirmation = c
		return nil
	})
	if err != nil {
		metrics.GatewayCallsTotal.WithLabelValues("refund", "error").Inc()
		return "", err
	}
	metrics.GatewayCallsTotal.WithLabelValues("refund", "ok").Inc()
	return confirmation, nil
}

// replay reports whether this idempotency key was already consumed.
func (s *EscrowService) replay(ctx context.Context, tx *models.Transaction, event models.Event, actorID uuid.UUID, key string) (bool, error) {
	if key == "" {
		return false, nil
	}
	seen, err := s.idemStore.Exists(ctx, tx.ID, event, actorID, key)
	if err != nil {
		return false, err
	}
	return seen, nil
}

func (s *EscrowService) recordIdem(ctx context.Context, txID uuid.UUID, event models.Event, actorID uuid.UUID, key string) {
	if key == "" {
		return
	}
	if err := s.idemStore.Record(ctx, txID, event, actorID, key); err != nil {
		s.log.Warn("failed to record idempotency key",
			zap.String("transaction_id", txID.String()),
			zap.String("event", string(event)),
			zap.Error(err),
		)
	}
}

func (s *EscrowService) publish(ctx context.Context, eventType string, tx *models.Transaction) {
	_ = s.publisher.Publish(ctx, events.StreamEscrow, events.Event{
		Type: eventType,
		Payload: map[string]any{
			"transaction_id": tx.ID.String(),
			"invoice_id":     tx.InvoiceID.String(),
			"status":         string(tx.Status),
			"payer_id":       tx.PayerID.String(),
			"payee_id":       tx.PayeeID.String(),
		},
	})
}

func (s *EscrowService) completionDeadline(tx *models.Transaction) *time.Time {
	d := time.Now().AddDate(0, 0, tx.CompletionPeriodDays)
	return &d
}

// GetTransaction returns a single transaction.
func (s *EscrowService) GetTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	return s.txStore.GetByID(ctx, id)
}

// ListForUser returns the transactions a user participates in, as payer
// or payee.
func (s *EscrowService) ListForUser(ctx context.Context, userID uuid.UUID, role models.Role, status *models.Status, limit, offset int) ([]models.Transaction, error) {
	f := repositories.TransactionFilter{Status: status, Limit: limit, Offset: offset}
	switch role {
	case models.RolePayee:
		f.PayeeID = &userID
	default:
		f.PayerID = &userID
	}
	return s.txStore.List(ctx, f)
}

// ListAuditTrail returns the ordered transition history.
func (s *EscrowService) ListAuditTrail(ctx context.Context, id uuid.UUID) ([]models.AuditEntry, error) {
	if _, err := s.txStore.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return s.auditStore.ListByTransaction(ctx, id)
}

func gatewayKey(txID uuid.UUID, event models.Event) string {
	return fmt.Sprintf("%s:%s", txID, event)
}

func isBlank(s string) bool {
	for _, r := range s {
		if r != ' ' && r != '\t' && r != '\n' && r != '\r' {
			return false
		}
	}
	return true
}
