// Package payment wraps the card payment provider behind a small interface so
// that order handlers can be exercised without talking to Stripe.
package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Intent is the provider-neutral view of a Stripe PaymentIntent.
type Intent struct {
	ID           string            `json:"id"`
	ClientSecret string            `json:"client_secret,omitempty"`
	AmountCents  int64             `json:"amount_cents"`
	Currency     string            `json:"currency"`
	Status       string            `json:"status"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// StatusSucceeded is the intent status once the card charge has cleared.
const StatusSucceeded = "succeeded"

// MetadataOrderID is the metadata key linking an intent back to its order.
const MetadataOrderID = "order_id"

// Event is a verified webhook event.
type Event struct {
	ID     string
	Type   string
	Intent *Intent
}

// Gateway is implemented by *StripeGateway and by test fakes.
type Gateway interface {
	CreateIntent(ctx context.Context, orderID string, amountCents int64, currency string) (*Intent, error)
	GetIntent(ctx context.Context, id string) (*Intent, error)
	ParseWebhook(payload []byte, signature string) (*Event, error)
	PublishableKey() string
}

var (
	// ErrNotConfigured is returned when no secret key was supplied.
	ErrNotConfigured = errors.New("payments not configured")
	// ErrInvalidAmount is returned for non-positive charge amounts.
	ErrInvalidAmount = errors.New("invalid payment amount")
	// ErrRejected is returned when the provider refuses a request as
	// invalid, such as an unknown intent id.
	ErrRejected = errors.New("payment request rejected")
)

// callerError reports whether err was caused by the request rather than by
// the provider.
func callerError(err error) bool {
	return errors.Is(err, ErrInvalidAmount) || errors.Is(err, ErrRejected)
}

// Verify checks that intent settles the given order for the given amount.
func Verify(intent *Intent, orderID string, amountCents int64) error {
	if intent == nil {
		return errors.New("missing payment intent")
	}
	if intent.Status != StatusSucceeded {
		return fmt.Errorf("payment not completed (status %s)", intent.Status)
	}
	if intent.AmountCents != amountCents {
		return fmt.Errorf("payment amount %d does not match order total %d", intent.AmountCents, amountCents)
	}
	if id := intent.Metadata[MetadataOrderID]; id != "" && !strings.EqualFold(id, orderID) {
		return errors.New("payment intent belongs to another order")
	}
	return nil
}
