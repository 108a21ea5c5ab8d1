package controllers

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/warpstation/internal/pkg/janitor"
)

// JanitorManager is the reconciliation scheduler as seen by operators.
type JanitorManager interface {
	RunNow(ctx context.Context) (*janitor.SweepResult, error)
	LastResult(ctx context.Context) (*janitor.SweepResult, error)
	Totals(ctx context.Context) (map[string]int64, error)
	IsRunning() bool
}

// AdminJanitorController exposes sweep results and manual sweeps
type AdminJanitorController struct {
	manager JanitorManager
}

func NewAdminJanitorController(manager JanitorManager) *AdminJanitorController {
	return &AdminJanitorController{manager: manager}
}

// HandleStatus returns the last sweep and lifetime counters
func (ac *AdminJanitorController) HandleStatus(c *fiber.Ctx) error {
	last, err := ac.manager.LastResult(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	totals, err := ac.manager.Totals(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"scheduled": ac.manager.IsRunning(),
		"last":      last,
		"totals":    totals,
	})
}

// HandleRun runs a sweep now and returns its result
func (ac *AdminJanitorController) HandleRun(c *fiber.Ctx) error {
	res, err := ac.manager.RunNow(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(res)
}
