package service

import (
	"context"
	"errors"
	"log/slog"

	"greenhouse-ops/internal/metrics"
	"greenhouse-ops/internal/model"
)

// Authenticator turns a bearer token into trusted claims for one request.
// Any store failure denies the request.
type Authenticator struct {
	gate     *RevocationGate
	tokens   *TokenService
	accounts AccountDirectory
	metrics  *metrics.Metrics
}

func NewAuthenticator(gate *RevocationGate, tokens *TokenService, accounts AccountDirectory, m *metrics.Metrics) *Authenticator {
	return &Authenticator{gate: gate, tokens: tokens, accounts: accounts, metrics: m}
}

func (a *Authenticator) Authenticate(ctx context.Context, raw string) (*model.Claims, error) {
	if raw == "" {
		a.metrics.AuthRejected("missing")
		return nil, model.ErrTokenInvalid
	}

	revoked, err := a.gate.IsRevoked(ctx, raw)
	if err != nil {
		slog.Error("revocation check failed", "error", err)
		a.metrics.AuthRejected("unavailable")
		return nil, model.ErrAuthUnavailable
	}
	if revoked {
		a.metrics.AuthRejected("revoked")
		return nil, model.ErrTokenRevoked
	}

	claims, err := a.tokens.VerifyAccess(raw)
	if err != nil {
		if errors.Is(err, model.ErrTokenExpired) {
			a.metrics.AuthRejected("expired")
		} else {
			a.metrics.AuthRejected("invalid")
		}
		return nil, err
	}

	active, err := a.accounts.IsActive(ctx, claims.Subject)
	if err != nil {
		slog.Error("account status check failed", "user_id", claims.Subject, "error", err)
		a.metrics.AuthRejected("unavailable")
		return nil, model.ErrAuthUnavailable
	}
	if !active {
		a.metrics.AuthRejected("inactive")
		return nil, model.ErrAccountInactive
	}

	return claims, nil
}
