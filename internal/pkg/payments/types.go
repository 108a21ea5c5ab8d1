package payments

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	EventCheckoutCompleted = "checkout.session.completed"

	paymentStatusPaid = "paid"
)

// ErrInvalidPayload is returned when a verified delivery cannot be decoded.
var ErrInvalidPayload = errors.New("invalid webhook payload")

// StripeEvent is the envelope of a Stripe webhook delivery.
type StripeEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// CheckoutSession carries the fields of a completed checkout needed to credit time.
type CheckoutSession struct {
	ID                string            `json:"id"`
	Customer          string            `json:"customer"`
	ClientReferenceID string            `json:"client_reference_id"`
	PaymentStatus     string            `json:"payment_status"`
	AmountTotal       int64             `json:"amount_total"`
	Currency          string            `json:"currency"`
	Metadata          map[string]string `json:"metadata"`
	CustomerDetails   struct {
		Email string `json:"email"`
	} `json:"customer_details"`
}

// ParseStripeEvent decodes the envelope of a delivery.
func ParseStripeEvent(payload []byte) (*StripeEvent, error) {
	var ev StripeEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if strings.TrimSpace(ev.ID) == "" || strings.TrimSpace(ev.Type) == "" {
		return nil, fmt.Errorf("%w: missing id or type", ErrInvalidPayload)
	}
	return &ev, nil
}

// CheckoutSession decodes data.object as a checkout session.
func (e *StripeEvent) CheckoutSession() (*CheckoutSession, error) {
	var s CheckoutSession
	if err := json.Unmarshal(e.Data.Object, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return &s, nil
}

// Paid reports whether the money has been captured.
func (s *CheckoutSession) Paid() bool {
	return strings.EqualFold(s.PaymentStatus, paymentStatusPaid)
}

// UserID returns the local account id attached when the checkout was created.
func (s *CheckoutSession) UserID() string {
	if id := strings.TrimSpace(s.ClientReferenceID); id != "" {
		return id
	}
	return strings.TrimSpace(s.Metadata["user_id"])
}

// CreditSeconds resolves how much time the purchase buys. An explicit
// "seconds" metadata entry wins, then the price id mapping, then the default.
func CreditSeconds(s *CheckoutSession, priceSeconds map[string]int64, fallback int64) int64 {
	if raw := strings.TrimSpace(s.Metadata["seconds"]); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil && n > 0 {
			return n
		}
	}
	if price := strings.TrimSpace(s.Metadata["price_id"]); price != "" {
		if n, ok := priceSeconds[price]; ok {
			return n
		}
	}
	return fallback
}
