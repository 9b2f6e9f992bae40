package payment

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Fake is an in-memory Gateway used by tests and by local development when
// no Stripe key is configured.
type Fake struct {
	mu      sync.Mutex
	seq     int
	Intents map[string]*Intent
	// Err, when set, is returned by every provider call.
	Err error
	// Events maps a webhook signature to the event it verifies as.
	Events map[string]*Event
}

// NewFake returns an empty fake gateway.
func NewFake() *Fake {
	return &Fake{Intents: make(map[string]*Intent), Events: make(map[string]*Event)}
}

func (f *Fake) CreateIntent(_ context.Context, orderID string, amountCents int64, currency string) (*Intent, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	if amountCents <= 0 {
		return nil, ErrInvalidAmount
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := fmt.Sprintf("pi_fake_%d", f.seq)
	in := &Intent{
		ID:           id,
		ClientSecret: id + "_secret",
		AmountCents:  amountCents,
		Currency:     currency,
		Status:       "requires_payment_method",
		Metadata:     map[string]string{MetadataOrderID: orderID},
	}
	f.Intents[id] = in
	cp := *in
	return &cp, nil
}

func (f *Fake) GetIntent(_ context.Context, id string) (*Intent, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	in, ok := f.Intents[id]
	if !ok {
		return nil, fmt.Errorf("%w: no such payment intent %q", ErrRejected, id)
	}
	cp := *in
	return &cp, nil
}

// Succeed marks an intent as paid.
func (f *Fake) Succeed(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if in, ok := f.Intents[id]; ok {
		in.Status = StatusSucceeded
	}
}

func (f *Fake) ParseWebhook(_ []byte, signature string) (*Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev, ok := f.Events[signature]
	if !ok {
		return nil, errors.New("invalid signature")
	}
	return ev, nil
}

func (f *Fake) PublishableKey() string { return "pk_test_fake" }
