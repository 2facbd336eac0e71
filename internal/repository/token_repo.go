package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"greenhouse-ops/internal/model"
)

type TokenRepository struct {
	db      querier
	timeout time.Duration
}

func NewTokenRepository(db querier, timeout time.Duration) *TokenRepository {
	return &TokenRepository{db: db, timeout: timeout}
}

func (r *TokenRepository) Insert(ctx context.Context, t model.RefreshToken) error {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.Exec(ctx,
		`INSERT INTO refresh_tokens
		 (token_hash, owner_id, expires_at, is_valid, created_at, created_from_address, created_from_agent)
		 VALUES ($1, $2, $3, true, $4, $5, $6)`,
		t.TokenHash, t.OwnerID, t.ExpiresAt, t.CreatedAt, t.CreatedFromIP, t.CreatedFromUA)
	if err != nil {
		return fmt.Errorf("insert refresh token: %w", err)
	}
	return nil
}

// Claim flips a valid row owned by ownerID to invalid in a single statement.
// Of any number of concurrent callers presenting the same hash, at most one gets Claimed.
func (r *TokenRepository) Claim(ctx context.Context, tokenHash string, ownerID string, at time.Time) (model.ClaimResult, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	var expiresAt time.Time
	err := r.db.QueryRow(ctx,
		`UPDATE refresh_tokens
		 SET is_valid = false, invalidated_at = $3
		 WHERE token_hash = $1 AND owner_id = $2 AND is_valid = true
		 RETURNING expires_at`,
		tokenHash, ownerID, at).Scan(&expiresAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return model.ClaimResult{Outcome: model.NotClaimed}, nil
	}
	if err != nil {
		return model.ClaimResult{}, fmt.Errorf("claim refresh token: %w", err)
	}
	return model.ClaimResult{Outcome: model.Claimed, ExpiresAt: expiresAt}, nil
}

func (r *TokenRepository) FindValid(ctx context.Context, tokenHash string) (model.RefreshToken, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	var t model.RefreshToken
	err := r.db.QueryRow(ctx,
		`SELECT token_hash, owner_id::text, expires_at, is_valid, created_at,
		        created_from_address, created_from_agent, invalidated_at
		 FROM refresh_tokens
		 WHERE token_hash = $1 AND is_valid = true`, tokenHash).
		Scan(&t.TokenHash, &t.OwnerID, &t.ExpiresAt, &t.IsValid, &t.CreatedAt,
			&t.CreatedFromIP, &t.CreatedFromUA, &t.InvalidatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return model.RefreshToken{}, model.ErrRefreshNotFound
	}
	if err != nil {
		return model.RefreshToken{}, fmt.Errorf("find refresh token: %w", err)
	}
	return t, nil
}

func (r *TokenRepository) Invalidate(ctx context.Context, tokenHash string, at time.Time) error {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.Exec(ctx,
		`UPDATE refresh_tokens SET is_valid = false, invalidated_at = $2
		 WHERE token_hash = $1 AND is_valid = true`, tokenHash, at)
	if err != nil {
		return fmt.Errorf("invalidate refresh token: %w", err)
	}
	return nil
}

func (r *TokenRepository) InvalidateAllForOwner(ctx context.Context, ownerID string, at time.Time) (int64, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	tag, err := r.db.Exec(ctx,
		`UPDATE refresh_tokens SET is_valid = false, invalidated_at = $2
		 WHERE owner_id = $1 AND is_valid = true`, ownerID, at)
	if err != nil {
		return 0, fmt.Errorf("invalidate owner refresh tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *TokenRepository) CountActive(ctx context.Context, ownerID string, now time.Time) (int, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	var count int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM refresh_tokens
		 WHERE owner_id = $1 AND is_valid = true AND expires_at > $2`, ownerID, now).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count active refresh tokens: %w", err)
	}
	return count, nil
}

// DeleteStale removes expired rows and rows invalidated more than grace ago.
func (r *TokenRepository) DeleteStale(ctx context.Context, now time.Time, grace time.Duration) (int64, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	tag, err := r.db.Exec(ctx,
		`DELETE FROM refresh_tokens
		 WHERE expires_at <= $1
		    OR (is_valid = false AND invalidated_at IS NOT NULL AND invalidated_at <= $2)`,
		now, now.Add(-grace))
	if err != nil {
		return 0, fmt.Errorf("delete stale refresh tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}
