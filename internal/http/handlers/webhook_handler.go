package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/worklock/backend/internal/gateway"
	"github.com/worklock/backend/internal/http/dto"
	"github.com/worklock/backend/internal/services"
	"go.uber.org/zap"
)

type WebhookHandler struct {
	gw     gateway.PaymentGateway
	escrow *services.EscrowService
	log    *zap.Logger
}

func NewWebhookHandler(gw gateway.PaymentGateway, escrow *services.EscrowService, log *zap.Logger) *WebhookHandler {
	return &WebhookHandler{gw: gw, escrow: escrow, log: log}
}

// HandleGatewayWebhook verifies the processor's signature over the raw
// body before anything is parsed. Event types outside our mapping are
// acknowledged so the processor stops redelivering them.
func (h *WebhookHandler) HandleGatewayWebhook(c *fiber.Ctx) error {
	ev, err := h.gw.VerifyWebhook(c.Body(), c.Get("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, gateway.ErrEventIgnored) {
			return c.JSON(dto.SuccessResponse{OK: true})
		}
		h.log.Warn("webhook rejected", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid webhook"})
	}

	if err := h.escrow.HandleGatewayEvent(c.Context(), ev); err != nil {
		h.log.Error("webhook processing failed",
			zap.String("event_id", ev.ID),
			zap.String("kind", string(ev.Kind)),
			zap.Error(err),
		)
		// Non-2xx makes the processor redeliver; dedup absorbs the retry.
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "processing failed"})
	}

	return c.JSON(dto.SuccessResponse{OK: true})
}
