package controllers

import (
	"context"
	"crypto/subtle"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/warpstation/app/models"
	"github.com/ManuelReschke/warpstation/internal/pkg/identity"
	"github.com/ManuelReschke/warpstation/internal/pkg/payments"
)

// PaymentWebhookHandler applies Stripe deliveries.
type PaymentWebhookHandler interface {
	HandleStripeWebhook(ctx context.Context, payload []byte, signature string) (*payments.Outcome, error)
}

// IdentityWebhookHandler applies Clerk deliveries.
type IdentityWebhookHandler interface {
	HandleClerkWebhook(ctx context.Context, payload []byte, h identity.SvixHeaders) (*identity.Outcome, error)
}

// WarpSyncer reconciles a warp named by its correlation token.
type WarpSyncer interface {
	SyncByUUID(ctx context.Context, warpUUID string) (*models.Warp, error)
}

// WebhookController receives deliveries from Stripe, Clerk and RunPod
type WebhookController struct {
	payments     PaymentWebhookHandler
	identity     IdentityWebhookHandler
	warps        WarpSyncer
	runpodSecret string
}

func NewWebhookController(p PaymentWebhookHandler, i IdentityWebhookHandler, w WarpSyncer, runpodSecret string) *WebhookController {
	return &WebhookController{payments: p, identity: i, warps: w, runpodSecret: runpodSecret}
}

// HandleStripe credits purchased time
func (wc *WebhookController) HandleStripe(c *fiber.Ctx) error {
	out, err := wc.payments.HandleStripeWebhook(c.UserContext(), c.Body(), c.Get("Stripe-Signature"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(out)
}

// HandleClerk keeps accounts in step with the identity provider
func (wc *WebhookController) HandleClerk(c *fiber.Ctx) error {
	out, err := wc.identity.HandleClerkWebhook(c.UserContext(), c.Body(), identity.SvixHeaders{
		ID:        c.Get("svix-id"),
		Timestamp: c.Get("svix-timestamp"),
		Signature: c.Get("svix-signature"),
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(out)
}

// HandleRunPod is called by RunPod when a job changes state. The body is not
// trusted; it only triggers a sync against the status API.
func (wc *WebhookController) HandleRunPod(c *fiber.Ctx) error {
	token := c.Query("token")
	if wc.runpodSecret == "" || subtle.ConstantTimeCompare([]byte(token), []byte(wc.runpodSecret)) != 1 {
		log.Warnf("[RunPod] Rejected webhook for %s from %s", c.Params("uuid"), GetClientIP(c))
		return errorResponse(c, fiber.StatusUnauthorized, "unauthorized", "Invalid webhook token")
	}

	w, err := wc.warps.SyncByUUID(c.UserContext(), c.Params("uuid"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"id":                        w.ID,
		"job_status":                w.Status(),
		"runpod_confirmed_terminal": w.RunpodConfirmedTerminal,
	})
}
