package handlers

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/worklock/backend/internal/gateway"
	"github.com/worklock/backend/internal/http/dto"
	"github.com/worklock/backend/internal/middleware"
	"github.com/worklock/backend/internal/models"
	"github.com/worklock/backend/internal/services"
	"go.uber.org/zap"
)

type EscrowHandler struct {
	escrow *services.EscrowService
	log    *zap.Logger
}

func NewEscrowHandler(escrow *services.EscrowService, log *zap.Logger) *EscrowHandler {
	return &EscrowHandler{escrow: escrow, log: log}
}

func (h *EscrowHandler) CreateTransaction(c *fiber.Ctx) error {
	var req dto.CreateTransactionRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request"})
	}

	invoiceID, err := uuid.Parse(req.InvoiceID)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid invoice_id"})
	}
	payeeID, err := uuid.Parse(req.PayeeID)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid payee_id"})
	}

	tx, err := h.escrow.Create(c.Context(), services.CreateParams{
		InvoiceID:            invoiceID,
		PayerID:              middleware.GetUserID(c),
		PayeeID:              payeeID,
		AmountCents:          req.AmountCents,
		Currency:             req.Currency,
		PayerCustomerID:      req.PayerCustomerID,
		PayeePayoutAccountID: req.PayeePayoutAccountID,
		ReviewPeriodDays:     req.ReviewPeriodDays,
		CompletionPeriodDays: req.CompletionPeriodDays,
	})
	if err != nil {
		return h.serviceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(dto.SuccessResponse{OK: true, Data: tx})
}

func (h *EscrowHandler) Fund(c *fiber.Ctx) error {
	return h.command(c, func(txID, actorID uuid.UUID, idemKey string) (*models.Transaction, error) {
		return h.escrow.Fund(c.Context(), txID, actorID, idemKey)
	})
}

func (h *EscrowHandler) BeginWork(c *fiber.Ctx) error {
	return h.command(c, func(txID, actorID uuid.UUID, idemKey string) (*models.Transaction, error) {
		return h.escrow.BeginWork(c.Context(), txID, actorID, idemKey)
	})
}

func (h *EscrowHandler) SubmitWork(c *fiber.Ctx) error {
	txID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid transaction id"})
	}

	var req dto.SubmitWorkRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request"})
	}

	tx, err := h.escrow.SubmitWork(c.Context(), txID, middleware.GetUserID(c), services.SubmitWorkInput{
		Description: req.Description,
		Notes:       req.Notes,
		Attachments: req.Attachments,
	}, idempotencyKey(c))
	if err != nil {
		return h.serviceError(c, err)
	}

	return c.JSON(dto.SuccessResponse{OK: true, Data: tx})
}

func (h *EscrowHandler) Approve(c *fiber.Ctx) error {
	return h.command(c, func(txID, actorID uuid.UUID, idemKey string) (*models.Transaction, error) {
		return h.escrow.Approve(c.Context(), txID, actorID, idemKey)
	})
}

func (h *EscrowHandler) Reject(c *fiber.Ctx) error {
	return h.command(c, func(txID, actorID uuid.UUID, idemKey string) (*models.Transaction, error) {
		return h.escrow.Reject(c.Context(), txID, actorID, idemKey)
	})
}

func (h *EscrowHandler) Cancel(c *fiber.Ctx) error {
	return h.command(c, func(txID, actorID uuid.UUID, idemKey string) (*models.Transaction, error) {
		return h.escrow.Cancel(c.Context(), txID, actorID, idemKey)
	})
}

func (h *EscrowHandler) Dispute(c *fiber.Ctx) error {
	txID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid transaction id"})
	}

	var req dto.DisputeRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request"})
	}

	tx, err := h.escrow.Dispute(c.Context(), txID, middleware.GetUserID(c), req.Reason, idempotencyKey(c))
	if err != nil {
		return h.serviceError(c, err)
	}

	return c.JSON(dto.SuccessResponse{OK: true, Data: tx})
}

func (h *EscrowHandler) Resolve(c *fiber.Ctx) error {
	txID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid transaction id"})
	}

	var req dto.ResolveRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request"})
	}

	tx, err := h.escrow.Resolve(c.Context(), txID, middleware.GetUserID(c), models.ResolveOutcome(req.Outcome), idempotencyKey(c))
	if err != nil {
		return h.serviceError(c, err)
	}

	return c.JSON(dto.SuccessResponse{OK: true, Data: tx})
}

func (h *EscrowHandler) GetTransaction(c *fiber.Ctx) error {
	txID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid transaction id"})
	}

	tx, err := h.escrow.GetTransaction(c.Context(), txID)
	if err != nil {
		return h.serviceError(c, err)
	}
	if _, isParty := tx.RoleOf(middleware.GetUserID(c)); !isParty && !middleware.IsArbiter(c) {
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: "transaction not found"})
	}

	return c.JSON(dto.SuccessResponse{OK: true, Data: tx})
}

func (h *EscrowHandler) GetSettlementPreview(c *fiber.Ctx) error {
	txID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid transaction id"})
	}

	tx, err := h.escrow.GetTransaction(c.Context(), txID)
	if err != nil {
		return h.serviceError(c, err)
	}
	if _, isParty := tx.RoleOf(middleware.GetUserID(c)); !isParty && !middleware.IsArbiter(c) {
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: "transaction not found"})
	}

	net, fee := models.SettlementAmounts(tx.AmountCents, tx.PlatformFeeBPS)
	return c.JSON(dto.SuccessResponse{OK: true, Data: dto.SettlementPreview{
		AmountCents: tx.AmountCents,
		NetCents:    net,
		FeeCents:    fee,
		FeeBPS:      tx.PlatformFeeBPS,
	}})
}

func (h *EscrowHandler) ListTransactions(c *fiber.Ctx) error {
	limit := 20
	offset := 0
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	if v := c.Query("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			offset = n
		}
	}

	var status *models.Status
	if v := c.Query("status"); v != "" {
		s := models.Status(v)
		status = &s
	}

	role := models.RolePayer
	if c.Query("role") == "payee" {
		role = models.RolePayee
	}

	txs, err := h.escrow.ListForUser(c.Context(), middleware.GetUserID(c), role, status, limit, offset)
	if err != nil {
		h.log.Error("list transactions failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal error"})
	}

	return c.JSON(dto.SuccessResponse{OK: true, Data: txs})
}

func (h *EscrowHandler) GetAuditTrail(c *fiber.Ctx) error {
	txID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid transaction id"})
	}

	tx, err := h.escrow.GetTransaction(c.Context(), txID)
	if err != nil {
		return h.serviceError(c, err)
	}
	if _, isParty := tx.RoleOf(middleware.GetUserID(c)); !isParty && !middleware.IsArbiter(c) {
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: "transaction not found"})
	}

	trail, err := h.escrow.ListAuditTrail(c.Context(), txID)
	if err != nil {
		return h.serviceError(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: trail})
}

func (h *EscrowHandler) command(c *fiber.Ctx, fn func(txID, actorID uuid.UUID, idemKey string) (*models.Transaction, error)) error {
	txID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid transaction id"})
	}

	tx, err := fn(txID, middleware.GetUserID(c), idempotencyKey(c))
	if err != nil {
		return h.serviceError(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: tx})
}

// serviceError maps domain errors onto HTTP statuses. Unclassified
// errors are logged and hidden behind a generic 500.
func (h *EscrowHandler) serviceError(c *fiber.Ctx, err error) error {
	var invalid *models.InvalidTransitionError

	switch {
	case errors.Is(err, models.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: "transaction not found"})
	case errors.As(err, &invalid),
		errors.Is(err, models.ErrStatusConflict),
		errors.Is(err, models.ErrAlreadyTerminal),
		errors.Is(err, models.ErrDuplicateInvoiceEscrow):
		return c.Status(fiber.StatusConflict).JSON(dto.ErrorResponse{Error: err.Error()})
	case errors.Is(err, models.ErrUnauthorized):
		return c.Status(fiber.StatusForbidden).JSON(dto.ErrorResponse{Error: err.Error()})
	case errors.Is(err, models.ErrInvalidAmount),
		errors.Is(err, models.ErrEmptyDescription),
		errors.Is(err, models.ErrEmptyReason),
		errors.Is(err, models.ErrInvalidOutcome):
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: err.Error()})
	case errors.Is(err, gateway.ErrPaymentDeclined):
		return c.Status(fiber.StatusPaymentRequired).JSON(dto.ErrorResponse{Error: err.Error()})
	case errors.Is(err, gateway.ErrGatewayUnavailable),
		errors.Is(err, gateway.ErrReleaseFailed):
		return c.Status(fiber.StatusBadGateway).JSON(dto.ErrorResponse{Error: err.Error()})
	}

	h.log.Error("escrow operation failed", zap.Error(err))
	return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal error"})
}

func idempotencyKey(c *fiber.Ctx) string {
	return c.Get("Idempotency-Key")
}
