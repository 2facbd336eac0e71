package repository

import (
	"context"
	"fmt"
	"time"

	"greenhouse-ops/internal/model"
)

type BlacklistRepository struct {
	db      querier
	timeout time.Duration
}

func NewBlacklistRepository(db querier, timeout time.Duration) *BlacklistRepository {
	return &BlacklistRepository{db: db, timeout: timeout}
}

// Insert is idempotent on token_hash: a duplicate is a no-op, not an error.
func (r *BlacklistRepository) Insert(ctx context.Context, e model.BlacklistEntry) error {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	var tokenID *string
	if e.TokenID != "" {
		tokenID = &e.TokenID
	}

	_, err := r.db.Exec(ctx,
		`INSERT INTO token_blacklist (token_hash, owner_id, expires_at, reason, token_id)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (token_hash) DO NOTHING`,
		e.TokenHash, e.OwnerID, e.ExpiresAt, e.Reason, tokenID)
	if err != nil {
		return fmt.Errorf("insert blacklist entry: %w", err)
	}
	return nil
}

func (r *BlacklistRepository) Exists(ctx context.Context, tokenHash string, now time.Time) (bool, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM token_blacklist WHERE token_hash = $1 AND expires_at > $2)`,
		tokenHash, now).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check blacklist: %w", err)
	}
	return exists, nil
}

func (r *BlacklistRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	tag, err := r.db.Exec(ctx, `DELETE FROM token_blacklist WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired blacklist entries: %w", err)
	}
	return tag.RowsAffected(), nil
}
