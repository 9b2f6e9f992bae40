package payment

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// BreakerState is the state of a Breaker.
type BreakerState int

const (
	// StateClosed lets calls through.
	StateClosed BreakerState = iota
	// StateOpen fails calls fast until the cool-down elapses.
	StateOpen
	// StateHalfOpen lets a single probe call through.
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned while the provider is considered unavailable.
var ErrCircuitOpen = errors.New("payment provider temporarily unavailable")

// Breaker trips after maxFailures consecutive provider failures and rejects
// calls for cooldown before allowing one probe through.
type Breaker struct {
	mu          sync.Mutex
	maxFailures int
	cooldown    time.Duration
	now         func() time.Time
	log         zerolog.Logger

	state      BreakerState
	failures   int
	openedAt   time.Time
	probeInUse bool
	rejected   uint64
}

// NewBreaker returns a closed breaker.
func NewBreaker(maxFailures int, cooldown time.Duration, log zerolog.Logger) *Breaker {
	if maxFailures <= 0 {
		maxFailures = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{maxFailures: maxFailures, cooldown: cooldown, now: time.Now, log: log}
}

// Execute runs fn unless the circuit is open.
func (b *Breaker) Execute(fn func() error) error {
	b.mu.Lock()
	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			b.rejected++
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		b.state = StateHalfOpen
		b.probeInUse = false
		b.log.Info().Msg("payment circuit half-open")
		fallthrough
	case StateHalfOpen:
		if b.probeInUse {
			b.rejected++
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		b.probeInUse = true
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.probeInUse = false
	if err != nil {
		b.failures++
		if b.state == StateHalfOpen || b.failures >= b.maxFailures {
			if b.state != StateOpen {
				b.log.Warn().Int("failures", b.failures).Dur("cooldown", b.cooldown).Msg("payment circuit opened")
			}
			b.state = StateOpen
			b.openedAt = b.now()
		}
		return err
	}
	if b.state != StateClosed {
		b.log.Info().Msg("payment circuit closed")
	}
	b.state = StateClosed
	b.failures = 0
	return nil
}

// State reports the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Rejected reports how many calls were failed fast.
func (b *Breaker) Rejected() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rejected
}

// Guard wraps a gateway so that provider calls go through the breaker.
// Webhook parsing is local and never guarded.
func Guard(g Gateway, b *Breaker) Gateway {
	return &guarded{next: g, breaker: b}
}

type guarded struct {
	next    Gateway
	breaker *Breaker
}

// execute runs fn through the breaker. Caller mistakes are passed back but
// do not count as provider failures.
func (g *guarded) execute(fn func() error) error {
	var rejected error
	err := g.breaker.Execute(func() error {
		err := fn()
		if callerError(err) {
			rejected = err
			return nil
		}
		return err
	})
	if err != nil {
		return err
	}
	return rejected
}

func (g *guarded) CreateIntent(ctx context.Context, orderID string, amountCents int64, currency string) (*Intent, error) {
	var out *Intent
	err := g.execute(func() error {
		var err error
		out, err = g.next.CreateIntent(ctx, orderID, amountCents, currency)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (g *guarded) GetIntent(ctx context.Context, id string) (*Intent, error) {
	var out *Intent
	err := g.execute(func() error {
		var err error
		out, err = g.next.GetIntent(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (g *guarded) ParseWebhook(payload []byte, signature string) (*Event, error) {
	return g.next.ParseWebhook(payload, signature)
}

func (g *guarded) PublishableKey() string { return g.next.PublishableKey() }
