// lockout.go - Per-email login lockout after repeated failures
package server

import (
	"strings"
	"sync"
	"time"
)

type loginAttempt struct {
	count       int
	lastAttempt time.Time
	lockedUntil time.Time
}

// AccountLockout locks an email address for lockoutDuration once maxAttempts
// failures happen within windowDuration.
type AccountLockout struct {
	mu              sync.Mutex
	attempts        map[string]*loginAttempt
	maxAttempts     int
	lockoutDuration time.Duration
	windowDuration  time.Duration
	now             func() time.Time
}

// NewAccountLockout creates a lockout tracker, e.g. (5, 15*time.Minute, 10*time.Minute).
func NewAccountLockout(maxAttempts int, lockoutDuration, windowDuration time.Duration) *AccountLockout {
	al := &AccountLockout{
		attempts:        make(map[string]*loginAttempt),
		maxAttempts:     maxAttempts,
		lockoutDuration: lockoutDuration,
		windowDuration:  windowDuration,
		now:             time.Now,
	}

	go al.cleanup()

	return al
}

func lockoutKey(email string) string { return strings.ToLower(strings.TrimSpace(email)) }

// RecordFailedAttempt records a failure and reports whether the account is
// now locked.
func (al *AccountLockout) RecordFailedAttempt(email string) (locked bool, lockedUntil time.Time) {
	al.mu.Lock()
	defer al.mu.Unlock()

	now := al.now()
	key := lockoutKey(email)
	a, ok := al.attempts[key]
	if !ok {
		a = &loginAttempt{}
		al.attempts[key] = a
	}

	if now.Sub(a.lastAttempt) > al.windowDuration {
		a.count = 0
	}
	a.count++
	a.lastAttempt = now

	if a.count >= al.maxAttempts {
		a.lockedUntil = now.Add(al.lockoutDuration)
		return true, a.lockedUntil
	}
	return false, time.Time{}
}

// RecordSuccessfulLogin resets the failure count.
func (al *AccountLockout) RecordSuccessfulLogin(email string) {
	al.mu.Lock()
	defer al.mu.Unlock()
	delete(al.attempts, lockoutKey(email))
}

// IsLocked reports whether email is locked and until when.
func (al *AccountLockout) IsLocked(email string) (bool, time.Time) {
	al.mu.Lock()
	defer al.mu.Unlock()

	a, ok := al.attempts[lockoutKey(email)]
	if !ok {
		return false, time.Time{}
	}
	if !a.lockedUntil.IsZero() && al.now().Before(a.lockedUntil) {
		return true, a.lockedUntil
	}
	return false, time.Time{}
}

// sweep removes entries whose lockout expired and whose failures fell out of
// the window.
func (al *AccountLockout) sweep() {
	al.mu.Lock()
	defer al.mu.Unlock()
	now := al.now()
	for key, a := range al.attempts {
		if (a.lockedUntil.IsZero() || now.After(a.lockedUntil)) &&
			now.Sub(a.lastAttempt) > 2*al.windowDuration {
			delete(al.attempts, key)
		}
	}
}

func (al *AccountLockout) cleanup() {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	for range ticker.C {
		al.sweep()
	}
}
