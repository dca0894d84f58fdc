// Package ratelimit enforces per-identifier daily request limits.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/recipe-extract/internal/model"
)

var (
	// ErrUnavailable means the counter store could not be read or written.
	ErrUnavailable = eris.New("ratelimit: unavailable")
	// ErrNoIdentity means the request carried neither a user nor a session id.
	ErrNoIdentity = eris.New("ratelimit: no user or session identifier")
)

// Counter is the storage the limiter needs. IncrementRateLimit must admit
// and count atomically.
type Counter interface {
	IncrementRateLimit(ctx context.Context, identifier string, idType model.IdentifierType, date string, limit int, at time.Time) (int, bool, error)
	GetRateLimit(ctx context.Context, identifier string, idType model.IdentifierType, date string) (*model.DailyRateLimit, error)
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed        bool                 `json:"allowed"`
	Identifier     string               `json:"identifier"`
	IdentifierType model.IdentifierType `json:"identifier_type"`
	Count          int                  `json:"count"`
	Limit          int                  `json:"limit"`
	Remaining      int                  `json:"remaining"`
	RetryAfter     time.Duration        `json:"retry_after"`
	ResetAt        time.Time            `json:"reset_at"`
	FailedOpen     bool                 `json:"failed_open,omitempty"`
}

// Policy holds the daily limit per identifier type.
type Policy struct {
	SessionDailyLimit int
	UserDailyLimit    int
}

// LimitFor returns the daily limit for an identifier type.
func (p Policy) LimitFor(idType model.IdentifierType) int {
	if idType == model.IdentifierUser {
		return p.UserDailyLimit
	}
	return p.SessionDailyLimit
}

// FailOpen reports whether a request may proceed when the counter store is
// unavailable. Only authenticated paid users are let through.
func FailOpen(identity model.Identity) bool {
	return identity.Authenticated() && identity.Paid
}

// Limiter admits requests against daily counters.
type Limiter struct {
	counter Counter
	policy  Policy
	now     func() time.Time
}

// New creates a Limiter.
func New(counter Counter, policy Policy) *Limiter {
	return &Limiter{counter: counter, policy: policy, now: time.Now}
}

// WithClock replaces the limiter's clock.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Policy returns the configured limits.
func (l *Limiter) Policy() Policy { return l.policy }

// Admit counts one request for (identifier, idType) today if the counter is
// below limit. A storage failure returns an error wrapping ErrUnavailable.
func (l *Limiter) Admit(ctx context.Context, identifier string, idType model.IdentifierType, limit int) (Decision, error) {
	now := l.now().UTC()
	reset := nextUTCMidnight(now)
	dec := Decision{
		Identifier:     identifier,
		IdentifierType: idType,
		Limit:          limit,
		ResetAt:        reset,
	}

	count, admitted, err := l.counter.IncrementRateLimit(ctx, identifier, idType, model.UTCDate(now), limit, now)
	if err != nil {
		return dec, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	dec.Count = count
	dec.Allowed = admitted
	dec.Remaining = max(limit-count, 0)
	if !admitted {
		dec.Remaining = 0
		dec.RetryAfter = reset.Sub(now)
	}
	return dec, nil
}

// Check resolves the identity's rate-limit key and admits it, applying the
// fail-open rule for paid users when storage is unavailable.
func (l *Limiter) Check(ctx context.Context, identity model.Identity) (Decision, error) {
	identifier, idType, ok := identity.RateLimitKey()
	if !ok {
		return Decision{}, ErrNoIdentity
	}

	dec, err := l.Admit(ctx, identifier, idType, l.policy.LimitFor(idType))
	if err == nil {
		return dec, nil
	}

	if FailOpen(identity) {
		zap.L().Warn("ratelimit: store unavailable, admitting paid user",
			zap.String("identifier", identifier),
			zap.Error(err),
		)
		dec.Allowed = true
		dec.FailedOpen = true
		return dec, nil
	}
	return dec, err
}

// Peek returns the current counter without incrementing it.
func (l *Limiter) Peek(ctx context.Context, identifier string, idType model.IdentifierType) (Decision, error) {
	now := l.now().UTC()
	limit := l.policy.LimitFor(idType)
	dec := Decision{
		Identifier:     identifier,
		IdentifierType: idType,
		Limit:          limit,
		ResetAt:        nextUTCMidnight(now),
	}

	rl, err := l.counter.GetRateLimit(ctx, identifier, idType, model.UTCDate(now))
	if err != nil {
		return dec, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if rl != nil {
		dec.Count = rl.RequestCount
	}
	dec.Remaining = max(limit-dec.Count, 0)
	dec.Allowed = dec.Remaining > 0
	if !dec.Allowed {
		dec.RetryAfter = dec.ResetAt.Sub(now)
	}
	return dec, nil
}

func nextUTCMidnight(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
}
