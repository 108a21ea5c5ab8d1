package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/warpstation/app/models"
	"github.com/ManuelReschke/warpstation/app/repository"
	"github.com/ManuelReschke/warpstation/internal/pkg/config"
)

const (
	EventUserCreated = "user.created"
	EventUserDeleted = "user.deleted"

	signatureTolerance = 5 * time.Minute
)

// ErrInvalidPayload is returned when a verified delivery cannot be decoded.
var ErrInvalidPayload = errors.New("invalid webhook payload")

type clerkEvent struct {
	Type string    `json:"type"`
	Data clerkUser `json:"data"`
}

type clerkUser struct {
	ID                    string `json:"id"`
	PrimaryEmailAddressID string `json:"primary_email_address_id"`
	EmailAddresses        []struct {
		ID           string `json:"id"`
		EmailAddress string `json:"email_address"`
	} `json:"email_addresses"`
}

func (u clerkUser) primaryEmail() string {
	for _, e := range u.EmailAddresses {
		if e.ID == u.PrimaryEmailAddressID {
			return e.EmailAddress
		}
	}
	if len(u.EmailAddresses) > 0 {
		return u.EmailAddresses[0].EmailAddress
	}
	return ""
}

// Outcome describes what a delivery did.
type Outcome struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	UserID    string `json:"user_id,omitempty"`
	Duplicate bool   `json:"duplicate"`
	Ignored   bool   `json:"ignored"`
}

// Service keeps local accounts in step with Clerk.
type Service struct {
	store repository.Store
	cfg   config.Clerk
	now   func() time.Time
}

func NewService(store repository.Store, cfg config.Clerk, clock func() time.Time) *Service {
	if clock == nil {
		clock = time.Now
	}
	return &Service{store: store, cfg: cfg, now: clock}
}

// HandleClerkWebhook verifies and applies one delivery. Deliveries are
// deduplicated by svix-id.
func (s *Service) HandleClerkWebhook(ctx context.Context, payload []byte, h SvixHeaders) (*Outcome, error) {
	if err := VerifySvix(payload, h, s.cfg.WebhookSecret, signatureTolerance, s.now()); err != nil {
		log.Warnf("[Clerk] Rejected delivery: %v", err)
		return nil, err
	}

	var ev clerkEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if ev.Type == "" || strings.TrimSpace(ev.Data.ID) == "" {
		return nil, fmt.Errorf("%w: missing type or user id", ErrInvalidPayload)
	}

	out := &Outcome{EventID: h.ID, EventType: ev.Type, UserID: ev.Data.ID}
	err := s.store.Transaction(ctx, func(tx *repository.Repositories) error {
		created, stored, err := tx.PaymentEvent.CreateIfNotExists(ctx, &models.PaymentEvent{
			Provider:        models.EventProviderClerk,
			ProviderEventID: h.ID,
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

		userID := ev.Data.ID
		switch ev.Type {
		case EventUserCreated:
			user, err := models.NewUser(userID, ev.Data.primaryEmail(), s.cfg.InitialBalanceSeconds)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
			}
			if err := tx.User.Create(ctx, user); err != nil {
				return fmt.Errorf("create user %s: %w", userID, err)
			}
		case EventUserDeleted:
			err := tx.User.Delete(ctx, userID)
			if errors.Is(err, repository.ErrNotFound) {
				out.Ignored = true
			} else if err != nil {
				return fmt.Errorf("delete user %s: %w", userID, err)
			}
		default:
			out.Ignored = true
		}
		return tx.PaymentEvent.MarkProcessed(ctx, stored.ID, &userID, 0, "")
	})
	if err != nil {
		log.Errorf("[Clerk] Processing %s %s failed: %v", ev.Type, h.ID, err)
		return nil, err
	}
	if !out.Duplicate && !out.Ignored {
		log.Infof("[Clerk] Applied %s for user %s", ev.Type, out.UserID)
	}
	return out, nil
}
