package ratelimit

import (
	"context"
	"time"

	"greenhouse-ops/internal/security"
)

const (
	LimiterLoginAddress = "login_ip"
	LimiterLoginAccount = "login_account"
	LimiterAPI          = "api"
)

// LoginGuard gates login attempts on two independent counters: one per source
// address and one per target account. Both must be under threshold.
type LoginGuard struct {
	byAddress *Limiter
	byAccount *Limiter
}

func NewLoginGuard(store Store, clock security.Clock, address Policy, account Policy, timeout time.Duration) *LoginGuard {
	return &LoginGuard{
		byAddress: NewLimiter(LimiterLoginAddress, address, store, clock, timeout),
		byAccount: NewLimiter(LimiterLoginAccount, account, store, clock, timeout),
	}
}

// AdmitLogin holds one attempt slot on both counters. An admitted caller must
// finish with RecordLoginResult or CancelLogin. A denial holds nothing and
// returns the stricter of the two decisions.
func (g *LoginGuard) AdmitLogin(ctx context.Context, address string, accountKey string) Decision {
	account := NormalizeAccountKey(accountKey)
	byAddress := g.byAddress.Acquire(ctx, address)
	byAccount := g.byAccount.Acquire(ctx, account)

	switch {
	case !byAddress.Allowed && !byAccount.Allowed:
		if byAccount.RetryAfter > byAddress.RetryAfter {
			return byAccount
		}
		return byAddress
	case !byAddress.Allowed:
		g.byAccount.Settle(ctx, account, false)
		return byAddress
	case !byAccount.Allowed:
		g.byAddress.Settle(ctx, address, false)
		return byAccount
	}

	if byAccount.Remaining < byAddress.Remaining {
		return byAccount
	}
	return byAddress
}

// RecordLoginResult settles an admitted attempt. A failure counts on both
// counters. A success clears only the account counter; the address counter keeps
// decaying on its own so one good login from a shared address does not reset it
// for everyone behind it.
func (g *LoginGuard) RecordLoginResult(ctx context.Context, address string, accountKey string, success bool) {
	account := NormalizeAccountKey(accountKey)
	if success {
		g.byAddress.Settle(ctx, address, false)
		g.byAccount.Reset(ctx, account)
		return
	}

	g.byAddress.Settle(ctx, address, true)
	g.byAccount.Settle(ctx, account, true)
}

// CancelLogin releases an admitted attempt without counting it, for attempts that
// ended before the credentials were judged.
func (g *LoginGuard) CancelLogin(ctx context.Context, address string, accountKey string) {
	g.byAddress.Settle(ctx, address, false)
	g.byAccount.Settle(ctx, NormalizeAccountKey(accountKey), false)
}

// APILimiter is the general per-principal (or per-address) request limiter.
type APILimiter struct {
	limiter *Limiter
}

func NewAPILimiter(store Store, clock security.Clock, policy Policy, timeout time.Duration) *APILimiter {
	policy.Block = 0
	return &APILimiter{limiter: NewLimiter(LimiterAPI, policy, store, clock, timeout)}
}

func (a *APILimiter) AdmitGeneral(ctx context.Context, key string) Decision {
	return a.limiter.Hit(ctx, key)
}
