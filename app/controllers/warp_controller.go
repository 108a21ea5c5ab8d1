package controllers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/warpstation/app/models"
	"github.com/ManuelReschke/warpstation/app/repository"
	"github.com/ManuelReschke/warpstation/internal/pkg/usercontext"
	"github.com/ManuelReschke/warpstation/internal/pkg/warp"
)

// WarpService is the part of the lifecycle engine exposed to signed-in users.
type WarpService interface {
	Create(ctx context.Context, userID string) (*models.Warp, bool, error)
	Get(ctx context.Context, userID string, warpID uint) (*models.Warp, error)
	List(ctx context.Context, userID string) ([]models.Warp, error)
	Heartbeat(ctx context.Context, userID string, warpID uint) (*warp.HeartbeatResult, error)
	End(ctx context.Context, userID string, warpID uint) (*warp.CancelResult, error)
}

// WarpController serves the session API
type WarpController struct {
	warps WarpService
	users repository.UserRepository
}

func NewWarpController(warps WarpService, users repository.UserRepository) *WarpController {
	return &WarpController{warps: warps, users: users}
}

// HandleCreate starts a session or returns the one already running
func (wc *WarpController) HandleCreate(c *fiber.Ctx) error {
	w, created, err := wc.warps.Create(c.UserContext(), usercontext.GetUserID(c))
	if err != nil {
		return respondError(c, err)
	}
	status := fiber.StatusOK
	if created {
		status = fiber.StatusCreated
	}
	return c.Status(status).JSON(w)
}

// HandleList lists the caller's warps, newest first
func (wc *WarpController) HandleList(c *fiber.Ctx) error {
	warps, err := wc.warps.List(c.UserContext(), usercontext.GetUserID(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"warps": warps})
}

// HandleGet returns one warp after syncing it with the provider
func (wc *WarpController) HandleGet(c *fiber.Ctx) error {
	id, err := parseWarpID(c)
	if err != nil {
		return respondError(c, err)
	}
	w, err := wc.warps.Get(c.UserContext(), usercontext.GetUserID(c), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(w)
}

// HandleHeartbeat keeps a running warp alive and reports the estimated balance
func (wc *WarpController) HandleHeartbeat(c *fiber.Ctx) error {
	id, err := parseWarpID(c)
	if err != nil {
		return respondError(c, err)
	}
	res, err := wc.warps.Heartbeat(c.UserContext(), usercontext.GetUserID(c), id)
	if err != nil {
		if errors.Is(err, warp.ErrInsufficientBalance) && res != nil {
			return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{
				"error":             "insufficient_balance",
				"message":           "Time balance exhausted, the session was ended",
				"estimated_balance": res.EstimatedBalance,
				"warp":              res.Warp,
			})
		}
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"estimated_balance": res.EstimatedBalance,
		"warp":              res.Warp,
	})
}

// HandleEnd cancels the warp and returns it with the settled account
func (wc *WarpController) HandleEnd(c *fiber.Ctx) error {
	id, err := parseWarpID(c)
	if err != nil {
		return respondError(c, err)
	}
	res, err := wc.warps.End(c.UserContext(), usercontext.GetUserID(c), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"warp": res.Warp,
		"user": res.User,
	})
}

// HandleBalance returns the stored time balance. It never settles anything.
func (wc *WarpController) HandleBalance(c *fiber.Ctx) error {
	user, err := wc.users.GetByID(c.UserContext(), usercontext.GetUserID(c))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return errorResponse(c, fiber.StatusNotFound, "not_found", "User not found")
		}
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"user_id":      user.ID,
		"time_balance": user.TimeBalance,
	})
}
