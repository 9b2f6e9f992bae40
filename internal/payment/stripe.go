package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/paymentintent"
	"github.com/stripe/stripe-go/v76/webhook"
)

// StripeConfig holds the Stripe credentials.
type StripeConfig struct {
	SecretKey      string
	PublishableKey string
	WebhookSecret  string
	Currency       string
}

// StripeGateway talks to the Stripe PaymentIntents API.
type StripeGateway struct {
	cfg     StripeConfig
	intents *paymentintent.Client
}

// NewStripeGateway returns a gateway bound to the given secret key. It does
// not contact Stripe.
func NewStripeGateway(cfg StripeConfig) (*StripeGateway, error) {
	if strings.TrimSpace(cfg.SecretKey) == "" {
		return nil, ErrNotConfigured
	}
	if cfg.Currency == "" {
		cfg.Currency = string(stripe.CurrencyUSD)
	}
	return &StripeGateway{
		cfg: cfg,
		intents: &paymentintent.Client{
			B:   stripe.GetBackend(stripe.APIBackend),
			Key: cfg.SecretKey,
		},
	}, nil
}

// PublishableKey is handed to the storefront to initialise Stripe.js.
func (g *StripeGateway) PublishableKey() string { return g.cfg.PublishableKey }

// CreateIntent creates a PaymentIntent for an order total. The order id is
// also used as the idempotency key so that retries reuse the same intent.
func (g *StripeGateway) CreateIntent(ctx context.Context, orderID string, amountCents int64, currency string) (*Intent, error) {
	if amountCents <= 0 {
		return nil, ErrInvalidAmount
	}
	if currency == "" {
		currency = g.cfg.Currency
	}

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amountCents),
		Currency: stripe.String(strings.ToLower(currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	params.AddMetadata(MetadataOrderID, orderID)
	params.SetIdempotencyKey(fmt.Sprintf("order-%s-%d", orderID, amountCents))

	pi, err := g.intents.New(params)
	if err != nil {
		return nil, fmt.Errorf("stripe create intent: %w", classify(err))
	}
	return fromStripe(pi), nil
}

// GetIntent fetches the current state of a PaymentIntent.
func (g *StripeGateway) GetIntent(ctx context.Context, id string) (*Intent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := g.intents.Get(id, params)
	if err != nil {
		return nil, fmt.Errorf("stripe get intent: %w", classify(err))
	}
	return fromStripe(pi), nil
}

// ParseWebhook verifies the Stripe-Signature header and decodes the event.
// Only payment_intent.* events carry an Intent.
func (g *StripeGateway) ParseWebhook(payload []byte, signature string) (*Event, error) {
	if g.cfg.WebhookSecret == "" {
		return nil, ErrNotConfigured
	}
	ev, err := webhook.ConstructEventWithOptions(payload, signature, g.cfg.WebhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, fmt.Errorf("stripe webhook: %w", err)
	}

	out := &Event{ID: ev.ID, Type: string(ev.Type)}
	if strings.HasPrefix(out.Type, "payment_intent.") && ev.Data != nil {
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(ev.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("stripe webhook payload: %w", err)
		}
		out.Intent = fromStripe(&pi)
	}
	return out, nil
}

// classify maps Stripe's invalid request answers to ErrRejected. Auth,
// permission and rate limit answers stay provider failures.
func classify(err error) error {
	var se *stripe.Error
	if !errors.As(err, &se) {
		return err
	}
	switch se.HTTPStatusCode {
	case http.StatusBadRequest, http.StatusNotFound, http.StatusPaymentRequired, http.StatusConflict:
		return fmt.Errorf("%w: %s", ErrRejected, se.Msg)
	}
	return err
}

func fromStripe(pi *stripe.PaymentIntent) *Intent {
	return &Intent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		AmountCents:  pi.Amount,
		Currency:     string(pi.Currency),
		Status:       string(pi.Status),
		Metadata:     pi.Metadata,
	}
}
