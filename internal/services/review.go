package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/worklock/backend/internal/config"
	"github.com/worklock/backend/internal/events"
	"github.com/worklock/backend/internal/gateway"
	"github.com/worklock/backend/internal/metrics"
	"github.com/worklock/backend/internal/models"
	"go.uber.org/zap"
)

const sweepBatch = 50

// ExpireDueReviews auto-approves every submission whose review window
// has lapsed. Silence from the payer counts as acceptance, so the sweep
// follows the same release path as an explicit approval.
func (s *EscrowService) ExpireDueReviews(ctx context.Context) (int, error) {
	due, err := s.txStore.ListExpiredReviews(ctx, time.Now(), sweepBatch)
	if err != nil {
		return 0, err
	}

	processed := 0
	for i := range due {
		if err := s.ExpireReview(ctx, due[i].ID); err != nil {
			if staleTimer(err) {
				continue
			}
			s.log.Error("review expiry failed",
				zap.String("transaction_id", due[i].ID.String()),
				zap.Error(err),
			)
			continue
		}
		processed++
	}
	return processed, nil
}

// ExpireReview auto-approves one transaction whose review deadline has
// passed. A row that already moved on is a stale timer, not an error
// worth surfacing.
func (s *EscrowService) ExpireReview(ctx context.Context, txID uuid.UUID) error {
	tx, err := s.txStore.GetByID(ctx, txID)
	if err != nil {
		return err
	}
	if tx.Status != models.StatusWorkSubmitted {
		return models.ErrStatusConflict
	}
	if tx.ReviewDeadline == nil || tx.ReviewDeadline.After(time.Now()) {
		return models.ErrStatusConflict
	}

	if _, err := s.settleRelease(ctx, tx, models.EventReviewExpired, nil, models.RoleSystem); err != nil {
		return err
	}
	s.log.Info("review period expired, auto-approved",
		zap.String("transaction_id", tx.ID.String()),
	)
	return nil
}

// ExpireDueDeadlines handles transactions whose completion deadline
// lapsed without an accepted deliverable.
func (s *EscrowService) ExpireDueDeadlines(ctx context.Context) (int, error) {
	due, err := s.txStore.ListOverdueDeadlines(ctx, time.Now(), sweepBatch)
	if err != nil {
		return 0, err
	}

	processed := 0
	for i := range due {
		if err := s.ExpireDeadline(ctx, due[i].ID); err != nil {
			if staleTimer(err) {
				continue
			}
			s.log.Error("deadline expiry failed",
				zap.String("transaction_id", due[i].ID.String()),
				zap.Error(err),
			)
			continue
		}
		processed++
	}
	return processed, nil
}

// ExpireDeadline applies the configured policy to one overdue
// transaction: raise a dispute for an arbiter to rule on, or cancel
// with a full refund to the payer.
func (s *EscrowService) ExpireDeadline(ctx context.Context, txID uuid.UUID) error {
	tx, err := s.txStore.GetByID(ctx, txID)
	if err != nil {
		return err
	}
	if tx.Status != models.StatusWorkInProgress && tx.Status != models.StatusWorkSubmitted {
		return models.ErrStatusConflict
	}
	if tx.CompletionDeadline == nil || tx.CompletionDeadline.After(time.Now()) {
		return models.ErrStatusConflict
	}

	if s.cfg.DeadlineExpiryPolicy == config.DeadlinePolicyCancel {
		confirmation, err := s.refund(ctx, tx, models.EventDeadlineExpired)
		if err != nil {
			return err
		}
		_, err = s.transition(ctx, tx, models.EventDeadlineExpired, models.StatusCancelled, nil, models.RoleSystem,
			models.TransitionPatch{ClearSubmission: true, ClearReviewDeadline: true},
			map[string]any{
				"policy":          config.DeadlinePolicyCancel,
				"refund_cents":    tx.AmountCents,
				"confirmation_id": confirmation,
			},
		)
		return err
	}

	reason := "completion deadline expired"
	role := models.RoleSystem
	updated, err := s.transition(ctx, tx, models.EventDeadlineExpired, models.StatusDisputed, nil, models.RoleSystem,
		models.TransitionPatch{SetDisputeReason: &reason, SetDisputeRole: &role},
		map[string]any{"policy": config.DeadlinePolicyDispute},
	)
	if err != nil {
		return err
	}
	s.publish(ctx, events.EventDisputed, updated)
	return nil
}

// HandleGatewayEvent ingests one verified webhook event. Delivery is
// at-least-once, so the event id is claimed in gateway_events before any
// side effect and a duplicate claim is dropped. When processing fails
// the claim is released again, so the processor's redelivery retries
// instead of vanishing into the dedup table.
func (s *EscrowService) HandleGatewayEvent(ctx context.Context, ev gateway.DomainEvent) error {
	fresh, err := s.eventStore.MarkProcessed(ctx, ev.ID, string(ev.Kind))
	if err != nil {
		return err
	}
	if !fresh {
		metrics.WebhookEventsTotal.WithLabelValues(string(ev.Kind), "duplicate").Inc()
		return nil
	}

	tx, err := s.lookupForEvent(ctx, ev)
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues(string(ev.Kind), "orphan").Inc()
		s.log.Warn("gateway event matched no transaction",
			zap.String("event_id", ev.ID),
			zap.String("kind", string(ev.Kind)),
			zap.String("intent_id", ev.IntentID),
		)
		return nil
	}

	switch ev.Kind {
	case gateway.PaymentConfirmed:
		err = s.confirmPayment(ctx, tx, ev)
	case gateway.PaymentFailed:
		err = s.noteGatewayEvent(ctx, tx, models.EventFund, ev, "payment failed at processor")
	case gateway.ReleaseConfirmed:
		err = s.noteGatewayEvent(ctx, tx, models.EventSettle, ev, "payout transfer confirmed")
	case gateway.RefundConfirmed:
		err = s.noteGatewayEvent(ctx, tx, models.EventSettle, ev, "refund confirmed")
	default:
		metrics.WebhookEventsTotal.WithLabelValues(string(ev.Kind), "ignored").Inc()
		return nil
	}
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues(string(ev.Kind), "error").Inc()
		if relErr := s.eventStore.Release(ctx, ev.ID); relErr != nil {
			s.log.Error("failed to release gateway event claim",
				zap.String("event_id", ev.ID),
				zap.Error(relErr),
			)
		}
		return err
	}
	metrics.WebhookEventsTotal.WithLabelValues(string(ev.Kind), "processed").Inc()
	return nil
}

func (s *EscrowService) lookupForEvent(ctx context.Context, ev gateway.DomainEvent) (*models.Transaction, error) {
	if ev.TransactionID != "" {
		if id, err := uuid.Parse(ev.TransactionID); err == nil {
			return s.txStore.GetByID(ctx, id)
		}
	}
	if ev.IntentID == "" {
		return nil, models.ErrNotFound
	}
	return s.txStore.GetByGatewayIntent(ctx, ev.IntentID)
}

// confirmPayment advances a pending transaction once its asynchronous
// charge settles. Anything already past pending means the synchronous
// path won the race; the event is recorded and dropped.
func (s *EscrowService) confirmPayment(ctx context.Context, tx *models.Transaction, ev gateway.DomainEvent) error {
	if tx.Status != models.StatusPending {
		return s.noteGatewayEvent(ctx, tx, models.EventFund, ev, "late payment confirmation")
	}

	intentID := ev.IntentID
	updated, err := s.transition(ctx, tx, models.EventFund, models.StatusPaymentReceived, nil, models.RoleSystem,
		models.TransitionPatch{
			SetGatewayIntentID:    &intentID,
			SetCompletionDeadline: s.completionDeadline(tx),
		},
		map[string]any{"gateway_event_id": ev.ID, "gateway_intent_id": intentID},
	)
	if err != nil {
		if staleTimer(err) {
			return nil
		}
		return err
	}
	s.publish(ctx, events.EventPaymentReceived, updated)
	return nil
}

// noteGatewayEvent appends an informational audit row without moving
// status.
func (s *EscrowService) noteGatewayEvent(ctx context.Context, tx *models.Transaction, event models.Event, ev gateway.DomainEvent, note string) error {
	return s.auditStore.Append(ctx, models.AuditEntry{
		TransactionID: tx.ID,
		FromStatus:    tx.Status,
		ToStatus:      tx.Status,
		ActorRole:     models.RoleSystem,
		Event:         event,
		Meta: map[string]any{
			"note":             note,
			"gateway_event_id": ev.ID,
			"gateway_kind":     string(ev.Kind),
			"intent_id":        ev.IntentID,
		},
	})
}
