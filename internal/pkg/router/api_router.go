package router

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/ManuelReschke/warpstation/app/controllers"
	"github.com/ManuelReschke/warpstation/internal/pkg/middleware"
)

const (
	apiRateLimit  = 120
	apiRateWindow = time.Minute
)

type ApiRouter struct {
	warps          *controllers.WarpController
	webhooks       *controllers.WebhookController
	verifier       middleware.TokenVerifier
	limiterStorage fiber.Storage
}

// NewApiRouter wires the session API and the webhooks. A nil storage keeps
// limiter state in memory.
func NewApiRouter(warps *controllers.WarpController, webhooks *controllers.WebhookController, verifier middleware.TokenVerifier, storage fiber.Storage) *ApiRouter {
	return &ApiRouter{warps: warps, webhooks: webhooks, verifier: verifier, limiterStorage: storage}
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", limiter.New(limiter.Config{
		Max:          apiRateLimit,
		Expiration:   apiRateWindow,
		KeyGenerator: controllers.GetClientIP,
		Storage:      h.limiterStorage,
		// providers retry on their own schedule and must not be throttled
		Next: func(c *fiber.Ctx) bool {
			return strings.HasPrefix(c.Path(), "/api/webhooks/")
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":   "rate_limited",
				"message": "Too many requests",
			})
		},
	}))
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	hooks := api.Group("/webhooks")
	hooks.Post("/stripe", h.webhooks.HandleStripe)
	hooks.Post("/clerk", h.webhooks.HandleClerk)
	hooks.Post("/runpod/:uuid", h.webhooks.HandleRunPod)

	v1 := api.Group("/v1", middleware.RequireSession(h.verifier), middleware.RequireAPISessionAuth)
	v1.Get("/balance", h.warps.HandleBalance)
	v1.Post("/warps", h.warps.HandleCreate)
	v1.Get("/warps", h.warps.HandleList)
	v1.Get("/warps/:id", h.warps.HandleGet)
	v1.Post("/warps/:id/heartbeat", h.warps.HandleHeartbeat)
	v1.Post("/warps/:id/end", h.warps.HandleEnd)
}
