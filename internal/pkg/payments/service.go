package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/warpstation/app/models"
	"github.com/ManuelReschke/warpstation/app/repository"
	"github.com/ManuelReschke/warpstation/internal/pkg/config"
	"github.com/ManuelReschke/warpstation/internal/pkg/mail"
)

// Outcome describes what a delivery did.
type Outcome struct {
	EventID         string `json:"event_id"`
	EventType       string `json:"event_type"`
	Duplicate       bool   `json:"duplicate"`
	Ignored         bool   `json:"ignored"`
	UserID          string `json:"user_id,omitempty"`
	CreditedSeconds int64  `json:"credited_seconds"`
}

// Service credits prepaid time from verified Stripe deliveries.
type Service struct {
	store    repository.Store
	cfg      config.Stripe
	notifier mail.Notifier
	now      func() time.Time
}

// NewService creates a payment service. notifier may be nil.
func NewService(store repository.Store, cfg config.Stripe, notifier mail.Notifier, clock func() time.Time) *Service {
	if clock == nil {
		clock = time.Now
	}
	return &Service{store: store, cfg: cfg, notifier: notifier, now: clock}
}

// HandleStripeWebhook verifies, records and applies one delivery. Each event id
// is applied at most once; redeliveries report Duplicate.
func (s *Service) HandleStripeWebhook(ctx context.Context, payload []byte, signature string) (*Outcome, error) {
	if err := VerifyStripeSignature(payload, signature, s.cfg.WebhookSecret, s.cfg.SignatureMaxAge, s.now()); err != nil {
		log.Warnf("[Stripe] Rejected delivery: %v", err)
		return nil, err
	}
	ev, err := ParseStripeEvent(payload)
	if err != nil {
		return nil, err
	}

	out := &Outcome{EventID: ev.ID, EventType: ev.Type}
	var alert string

	err = s.store.Transaction(ctx, func(tx *repository.Repositories) error {
		created, stored, err := tx.PaymentEvent.CreateIfNotExists(ctx, &models.PaymentEvent{
			Provider:        models.EventProviderStripe,
			ProviderEventID: ev.ID,
			EventType:       ev.Type,
			PayloadJSON:     string(payload),
			SignatureValid:  true,
		})
		if err != nil {
			return fmt.Errorf("record event: %w", err)
		}
		if !created && stored.ProcessedAt != nil {
			out.Duplicate = true
			return nil
		}

		if ev.Type != EventCheckoutCompleted {
			out.Ignored = true
			return tx.PaymentEvent.MarkProcessed(ctx, stored.ID, nil, 0, "")
		}

		sess, err := ev.CheckoutSession()
		if err != nil {
			return err
		}
		if !sess.Paid() {
			out.Ignored = true
			return tx.PaymentEvent.MarkProcessed(ctx, stored.ID, nil, 0, "payment_status="+sess.PaymentStatus)
		}

		user, err := resolveUser(ctx, tx, sess)
		if errors.Is(err, repository.ErrNotFound) {
			alert = fmt.Sprintf("Stripe checkout %s (event %s) was paid by customer %q <%s>, reference %q, but no matching account exists. No time was credited.",
				sess.ID, ev.ID, sess.Customer, sess.CustomerDetails.Email, sess.UserID())
			return tx.PaymentEvent.MarkProcessed(ctx, stored.ID, nil, 0, "unknown customer")
		}
		if err != nil {
			return fmt.Errorf("resolve user: %w", err)
		}

		seconds := CreditSeconds(sess, s.cfg.PriceSeconds, s.cfg.DefaultCreditSec)
		if seconds <= 0 {
			alert = fmt.Sprintf("Stripe checkout %s (event %s) for user %s has no credit mapping. No time was credited.", sess.ID, ev.ID, user.ID)
			return tx.PaymentEvent.MarkProcessed(ctx, stored.ID, &user.ID, 0, "no credit mapping")
		}

		if err := tx.User.AddTimeBalance(ctx, user.ID, seconds); err != nil {
			return fmt.Errorf("credit user %s: %w", user.ID, err)
		}
		if sess.Customer != "" && user.StripeCustomerID == nil {
			if err := tx.User.SetStripeCustomerID(ctx, user.ID, sess.Customer); err != nil {
				return fmt.Errorf("link customer for user %s: %w", user.ID, err)
			}
		}
		out.UserID = user.ID
		out.CreditedSeconds = seconds
		return tx.PaymentEvent.MarkProcessed(ctx, stored.ID, &user.ID, seconds, "")
	})
	if err != nil {
		log.Errorf("[Stripe] Processing event %s failed: %v", ev.ID, err)
		return nil, err
	}

	switch {
	case out.Duplicate:
		log.Infof("[Stripe] Event %s already processed", ev.ID)
	case out.CreditedSeconds > 0:
		log.Infof("[Stripe] Credited %ds to user %s (event %s)", out.CreditedSeconds, out.UserID, ev.ID)
	}
	if alert != "" {
		log.Warnf("[Stripe] %s", alert)
		if s.notifier != nil {
			s.notifier.Alert("Payment needs attention", alert)
		}
	}
	return out, nil
}

func resolveUser(ctx context.Context, tx *repository.Repositories, sess *CheckoutSession) (*models.User, error) {
	if id := sess.UserID(); id != "" {
		u, err := tx.User.GetByID(ctx, id)
		if err == nil || !errors.Is(err, repository.ErrNotFound) {
			return u, err
		}
	}
	if sess.Customer != "" {
		return tx.User.GetByStripeCustomerID(ctx, sess.Customer)
	}
	return nil, repository.ErrNotFound
}
