package service

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"greenhouse-ops/internal/model"
	"greenhouse-ops/internal/security"
)

// positiveTTL bounds how long a revocation seen in the store is trusted from cache.
const positiveTTL = 5 * time.Minute

// RevocationGate answers whether an access token has been blacklisted.
// Only positive answers are cached; a miss always goes to the store so a
// revocation written by another replica is visible immediately.
type RevocationGate struct {
	store BlacklistStore
	clock security.Clock
	cache *ristretto.Cache[string, time.Time]
}

// NewRevocationGate builds a gate with a cache of at most maxEntries hashes.
// maxEntries <= 0 disables caching.
func NewRevocationGate(store BlacklistStore, clock security.Clock, maxEntries int64) (*RevocationGate, error) {
	if clock == nil {
		clock = security.SystemClock()
	}

	g := &RevocationGate{store: store, clock: clock}
	if maxEntries <= 0 {
		return g, nil
	}

	cache, err := ristretto.NewCache(&ristretto.Config[string, time.Time]{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize revocation cache: %w", err)
	}
	g.cache = cache

	return g, nil
}

func (g *RevocationGate) IsRevoked(ctx context.Context, raw string) (bool, error) {
	hash := security.HashToken(raw)
	now := g.clock.Now()

	if g.cache != nil {
		if until, ok := g.cache.Get(hash); ok && now.Before(until) {
			return true, nil
		}
	}

	revoked, err := g.store.Exists(ctx, hash, now)
	if err != nil {
		return false, fmt.Errorf("lookup blacklist: %w", err)
	}

	if revoked {
		g.remember(hash, now.Add(positiveTTL), now)
	}
	return revoked, nil
}

// Revoke blacklists raw until expiresAt. Repeating it for the same token is a no-op.
func (g *RevocationGate) Revoke(ctx context.Context, raw string, ownerID string, expiresAt time.Time, reason string, tokenID string) error {
	hash := security.HashToken(raw)

	err := g.store.Insert(ctx, model.BlacklistEntry{
		TokenHash: hash,
		OwnerID:   ownerID,
		ExpiresAt: expiresAt,
		Reason:    reason,
		TokenID:   tokenID,
	})
	if err != nil {
		return fmt.Errorf("blacklist access token: %w", err)
	}

	g.remember(hash, expiresAt, g.clock.Now())
	return nil
}

func (g *RevocationGate) remember(hash string, until time.Time, now time.Time) {
	if g.cache == nil {
		return
	}

	ttl := until.Sub(now)
	if ttl <= 0 {
		return
	}
	g.cache.SetWithTTL(hash, until, 1, ttl)
	g.cache.Wait()
}

func (g *RevocationGate) Close() {
	if g.cache != nil {
		g.cache.Close()
	}
}
