package services

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/worklock/backend/internal/events"
	"github.com/worklock/backend/internal/models"
	"go.uber.org/zap"
)

// Dispute freezes a transaction until an arbiter rules. Either party can
// raise it from any non-closed status; a closed transaction reports
// ErrAlreadyTerminal so the caller can tell "too late" from "not yours".
func (s *EscrowService) Dispute(ctx context.Context, txID, actorID uuid.UUID, reason, idemKey string) (*models.Transaction, error) {
	if isBlank(reason) {
		return nil, models.ErrEmptyReason
	}

	tx, err := s.txStore.GetByID(ctx, txID)
	if err != nil {
		return nil, err
	}
	if models.IsTerminal(tx.Status) {
		return nil, models.ErrAlreadyTerminal
	}
	if replayed, err := s.replay(ctx, tx, models.EventDispute, actorID, idemKey); err != nil {
		return nil, err
	} else if replayed {
		return tx, nil
	}
	if _, err := s.validate(tx, models.EventDispute, actorID); err != nil {
		return nil, err
	}

	role, _ := tx.RoleOf(actorID)
	updated, err := s.transition(ctx, tx, models.EventDispute, models.StatusDisputed, &actorID, role,
		models.TransitionPatch{
			SetDisputeReason: &reason,
			SetDisputeRole:   &role,
		},
		map[string]any{"reason": reason, "raised_by": string(role)},
	)
	if err != nil {
		return nil, err
	}

	s.recordIdem(ctx, tx.ID, models.EventDispute, actorID, idemKey)
	s.publish(ctx, events.EventDisputed, updated)
	return updated, nil
}

// Resolve is the arbiter's ruling on a disputed transaction: release
// pays the payee net of the platform fee, refund returns the full held
// amount to the payer. Either way the dispute fields are cleared and the
// transaction closes.
func (s *EscrowService) Resolve(ctx context.Context, txID, arbiterID uuid.UUID, outcome models.ResolveOutcome, idemKey string) (*models.Transaction, error) {
	target, ok := models.ResolveTarget(outcome)
	if !ok {
		return nil, models.ErrInvalidOutcome
	}

	tx, err := s.txStore.GetByID(ctx, txID)
	if err != nil {
		return nil, err
	}
	if replayed, err := s.replay(ctx, tx, models.EventResolve, arbiterID, idemKey); err != nil {
		return nil, err
	} else if replayed {
		return tx, nil
	}
	if _, err := s.validate(tx, models.EventResolve, arbiterID); err != nil {
		return nil, err
	}

	var updated *models.Transaction
	if target == models.StatusCompleted {
		updated, err = s.settleRelease(ctx, tx, models.EventResolve, &arbiterID, models.RoleArbiter)
	} else {
		updated, err = s.resolveRefund(ctx, tx, arbiterID)
	}
	if err != nil {
		return nil, err
	}

	s.recordIdem(ctx, tx.ID, models.EventResolve, arbiterID, idemKey)
	s.log.Info("dispute resolved",
		zap.String("transaction_id", tx.ID.String()),
		zap.String("outcome", string(outcome)),
		zap.String("arbiter_id", arbiterID.String()),
	)
	return updated, nil
}

// resolveRefund returns the full held amount to the payer; no platform
// fee is retained on a refund.
func (s *EscrowService) resolveRefund(ctx context.Context, tx *models.Transaction, arbiterID uuid.UUID) (*models.Transaction, error) {
	confirmation, err := s.refund(ctx, tx, models.EventResolve)
	if err != nil {
		return nil, err
	}

	return s.transition(ctx, tx, models.EventResolve, models.StatusCancelled, &arbiterID, models.RoleArbiter,
		models.TransitionPatch{ClearDispute: true},
		map[string]any{
			"outcome":         string(models.OutcomeRefund),
			"refund_cents":    tx.AmountCents,
			"confirmation_id": confirmation,
		},
	)
}

// staleTimer reports whether a sweep fired against a row another actor
// already moved; those are dropped silently.
func staleTimer(err error) bool {
	return errors.Is(err, models.ErrStatusConflict) || errors.Is(err, models.ErrNotFound)
}
