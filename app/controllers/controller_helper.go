package controllers

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/warpstation/internal/pkg/identity"
	"github.com/ManuelReschke/warpstation/internal/pkg/janitor"
	"github.com/ManuelReschke/warpstation/internal/pkg/payments"
	"github.com/ManuelReschke/warpstation/internal/pkg/warp"
)

// errorResponse writes the JSON error body used by every API route.
func errorResponse(c *fiber.Ctx, status int, code, message string) error {
	return c.Status(status).JSON(fiber.Map{
		"error":   code,
		"message": message,
	})
}

// respondError maps domain errors to HTTP responses. Unknown errors are logged and hidden.
func respondError(c *fiber.Ctx, err error) error {
	var remote *warp.RemoteError
	switch {
	case errors.Is(err, warp.ErrInvalidInput):
		return errorResponse(c, fiber.StatusBadRequest, "invalid_input", err.Error())
	case errors.Is(err, warp.ErrForbidden):
		return errorResponse(c, fiber.StatusForbidden, "forbidden", "Warp belongs to another user")
	case errors.Is(err, warp.ErrNotFound):
		return errorResponse(c, fiber.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, warp.ErrInsufficientBalance):
		return errorResponse(c, fiber.StatusPaymentRequired, "insufficient_balance", "Time balance exhausted, please top up")
	case errors.Is(err, warp.ErrNotInProgress):
		return errorResponse(c, fiber.StatusConflict, "not_in_progress", err.Error())
	case errors.Is(err, warp.ErrAlreadyTerminal):
		return errorResponse(c, fiber.StatusConflict, "already_terminal", err.Error())
	case errors.Is(err, janitor.ErrSweepInProgress):
		return errorResponse(c, fiber.StatusConflict, "sweep_in_progress", err.Error())
	case errors.Is(err, payments.ErrInvalidSignature), errors.Is(err, identity.ErrInvalidSignature):
		return errorResponse(c, fiber.StatusBadRequest, "invalid_signature", "Signature verification failed")
	case errors.Is(err, payments.ErrInvalidPayload), errors.Is(err, identity.ErrInvalidPayload):
		return errorResponse(c, fiber.StatusBadRequest, "invalid_payload", err.Error())
	case errors.As(err, &remote):
		log.Warnf("[API] %s %s: %v", c.Method(), c.Path(), err)
		return errorResponse(c, fiber.StatusBadGateway, "remote_error", remoteMessage(remote))
	}
	log.Errorf("[API] %s %s from %s: %v", c.Method(), c.Path(), GetClientIP(c), err)
	return errorResponse(c, fiber.StatusInternalServerError, "internal_server_error", "Internal server error")
}

func remoteMessage(err *warp.RemoteError) string {
	if err.Op == "start" {
		return "Could not start session, please try again"
	}
	return "GPU provider request failed, please try again"
}

// parseWarpID reads the :id route parameter.
func parseWarpID(c *fiber.Ctx) (uint, error) {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return 0, warp.ErrInvalidInput
	}
	return uint(id), nil
}

// GetClientIP determines the client address considering Cloudflare and proxies.
func GetClientIP(c *fiber.Ctx) string {
	if ip := strings.TrimSpace(c.Get("CF-Connecting-IP")); ip != "" {
		return ip
	}
	if xff := c.Get(fiber.HeaderXForwardedFor); xff != "" {
		if first, _, _ := strings.Cut(xff, ","); strings.TrimSpace(first) != "" {
			return strings.TrimSpace(first)
		}
	}
	return c.IP()
}
