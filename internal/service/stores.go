package service

import (
	"context"
	"time"

	"greenhouse-ops/internal/model"
)

// RefreshTokenStore persists refresh tokens by hash.
type RefreshTokenStore interface {
	Insert(ctx context.Context, t model.RefreshToken) error
	// Claim must be a single conditional update: of concurrent callers with the
	// same hash at most one observes model.Claimed.
	Claim(ctx context.Context, tokenHash string, ownerID string, at time.Time) (model.ClaimResult, error)
	FindValid(ctx context.Context, tokenHash string) (model.RefreshToken, error)
	Invalidate(ctx context.Context, tokenHash string, at time.Time) error
	InvalidateAllForOwner(ctx context.Context, ownerID string, at time.Time) (int64, error)
	CountActive(ctx context.Context, ownerID string, now time.Time) (int, error)
	DeleteStale(ctx context.Context, now time.Time, grace time.Duration) (int64, error)
}

// BlacklistStore persists revoked access tokens by hash. Insert is idempotent.
type BlacklistStore interface {
	Insert(ctx context.Context, e model.BlacklistEntry) error
	Exists(ctx context.Context, tokenHash string, now time.Time) (bool, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// AccountDirectory answers whether an owner may still hold credentials.
type AccountDirectory interface {
	IsActive(ctx context.Context, id string) (bool, error)
	FindByID(ctx context.Context, id string) (model.User, error)
}

type UserStore interface {
	AccountDirectory
	FindByEmail(ctx context.Context, email string) (model.User, error)
	Create(ctx context.Context, u model.User) error
	UpdatePassword(ctx context.Context, userID string, passwordHash string, at time.Time) error
	SetActive(ctx context.Context, userID string, active bool, at time.Time) error
	Count(ctx context.Context) (int, error)
}

type AuditStore interface {
	Log(ctx context.Context, entry model.AuditEntry) error
	Query(ctx context.Context, q model.AuditQuery) ([]model.AuditEntry, error)
}
