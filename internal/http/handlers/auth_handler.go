package handlers

import (
	"crypto/subtle"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/worklock/backend/internal/auth"
	"github.com/worklock/backend/internal/config"
	"github.com/worklock/backend/internal/http/dto"
	"go.uber.org/zap"
)

// AuthHandler mints user tokens for the invoicing platform. Identity
// lives upstream; the exchange endpoint trusts callers holding the
// internal api key and stamps the arbiter claim from the allowlist.
type AuthHandler struct {
	cfg *config.Config
	log *zap.Logger
}

func NewAuthHandler(cfg *config.Config, log *zap.Logger) *AuthHandler {
	return &AuthHandler{cfg: cfg, log: log}
}

func (h *AuthHandler) ExchangeToken(c *fiber.Ctx) error {
	if h.cfg.InternalAPIKey == "" {
		return c.Status(fiber.StatusServiceUnavailable).JSON(dto.ErrorResponse{Error: "token exchange disabled"})
	}
	key := c.Get("X-Internal-API-Key")
	if subtle.ConstantTimeCompare([]byte(key), []byte(h.cfg.InternalAPIKey)) != 1 {
		return c.Status(fiber.StatusUnauthorized).JSON(dto.ErrorResponse{Error: "invalid api key"})
	}

	var req dto.LoginRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request body"})
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid user_id"})
	}

	arbiter := h.cfg.IsArbiter(userID.String())
	token, err := auth.GenerateJWT(h.cfg.JWTSecret, userID, arbiter, h.cfg.JWTExpiration)
	if err != nil {
		h.log.Error("token generation failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal error"})
	}

	return c.JSON(dto.SuccessResponse{OK: true, Data: dto.AuthResponse{Token: token, Arbiter: arbiter}})
}
