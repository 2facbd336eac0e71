package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"greenhouse-ops/internal/security"
)

// Decision is the outcome of an admission check.
type Decision struct {
	Limiter    string
	Allowed    bool
	RetryAfter int
	Limit      int
	Remaining  int
	ResetAt    time.Time
}

func allow(name string, limit int) Decision {
	return Decision{Limiter: name, Allowed: true, Limit: limit, Remaining: limit}
}

// Limiter applies one Policy to keys under a purpose prefix.
// Store errors and timeouts admit the request.
type Limiter struct {
	name    string
	policy  Policy
	store   Store
	clock   security.Clock
	timeout time.Duration
	warn    *rate.Sometimes
}

func NewLimiter(name string, policy Policy, store Store, clock security.Clock, timeout time.Duration) *Limiter {
	if clock == nil {
		clock = security.SystemClock()
	}

	return &Limiter{
		name:    name,
		policy:  policy,
		store:   store,
		clock:   clock,
		timeout: timeout,
		warn:    &rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
}

func (l *Limiter) Name() string {
	return l.name
}

func (l *Limiter) Policy() Policy {
	return l.policy
}

func (l *Limiter) key(key string) string {
	return l.name + ":" + key
}

func (l *Limiter) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if l.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, l.timeout)
}

// Acquire admits key by holding one in-flight slot that counts against the
// threshold until Settle is called. Concurrent callers can never hold more slots
// than the key has attempts left.
func (l *Limiter) Acquire(ctx context.Context, key string) Decision {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	now := l.clock.Now()
	c, reserved, err := l.store.Reserve(ctx, l.key(key), l.policy, now)
	if err != nil {
		l.failOpen("reserve", err)
		return allow(l.name, l.policy.Threshold)
	}

	d := Decision{
		Limiter:   l.name,
		Allowed:   reserved,
		Limit:     l.policy.Threshold,
		Remaining: max(0, l.policy.Threshold-c.Consumed-c.InFlight),
		ResetAt:   c.ResetAt(l.policy),
	}

	switch {
	case reserved:
	case now.Before(c.BlockedUntil):
		d.RetryAfter = retryAfterSeconds(c.BlockedUntil.Sub(now))
	case c.Consumed >= l.policy.Threshold:
		d.RetryAfter = retryAfterSeconds(c.ResetAt(l.policy).Sub(now))
	default:
		// Every remaining attempt is in flight; one of them settles shortly.
		d.RetryAfter = 1
	}

	return d
}

// Settle releases a slot taken by Acquire. With consume set the attempt counts
// as one event. Failures are logged and swallowed.
func (l *Limiter) Settle(ctx context.Context, key string, consume bool) {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	if _, err := l.store.Settle(ctx, l.key(key), l.policy, l.clock.Now(), consume); err != nil {
		l.failOpen("settle", err)
	}
}

// Hit consumes one event and decides on it in the same step.
func (l *Limiter) Hit(ctx context.Context, key string) Decision {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	now := l.clock.Now()
	c, err := l.store.Consume(ctx, l.key(key), l.policy, now)
	if err != nil {
		l.failOpen("consume", err)
		return allow(l.name, l.policy.Threshold)
	}

	d := Decision{
		Limiter:   l.name,
		Allowed:   c.Consumed <= l.policy.Threshold,
		Limit:     l.policy.Threshold,
		Remaining: max(0, l.policy.Threshold-c.Consumed),
		ResetAt:   c.ResetAt(l.policy),
	}
	if !d.Allowed {
		d.RetryAfter = retryAfterSeconds(d.ResetAt.Sub(now))
	}
	return d
}

func (l *Limiter) Reset(ctx context.Context, key string) {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	if err := l.store.Reset(ctx, l.key(key)); err != nil {
		l.failOpen("reset", err)
	}
}

func (l *Limiter) failOpen(op string, err error) {
	l.warn.Do(func() {
		slog.Warn("rate limiter store unavailable, admitting request", "limiter", l.name, "op", op, "error", err)
	})
}

// retryAfterSeconds rounds up so a client never retries before the block ends.
func retryAfterSeconds(d time.Duration) int {
	if d <= 0 {
		return 1
	}
	return int(math.Ceil(d.Seconds()))
}

// NormalizeAccountKey makes account-keyed counters case-insensitive.
func NormalizeAccountKey(account string) string {
	return strings.ToLower(strings.TrimSpace(account))
}
