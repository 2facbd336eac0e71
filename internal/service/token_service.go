package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"greenhouse-ops/internal/metrics"
	"greenhouse-ops/internal/model"
	"greenhouse-ops/internal/security"
)

type TokenConfig struct {
	AccessSecret     string
	RefreshSecret    string
	AccessTTL        time.Duration
	RefreshTTL       time.Duration
	Issuer           string
	Audience         string
	InvalidatedGrace time.Duration
}

// TokenService issues, verifies and rotates token pairs. Access tokens are
// stateless; refresh tokens are only trusted through their persisted hash row.
type TokenService struct {
	cfg       TokenConfig
	refresh   RefreshTokenStore
	blacklist BlacklistStore
	accounts  AccountDirectory
	clock     security.Clock
	metrics   *metrics.Metrics

	accessParser  *jwt.Parser
	refreshParser *jwt.Parser
}

func NewTokenService(cfg TokenConfig, refresh RefreshTokenStore, blacklist BlacklistStore, accounts AccountDirectory, clock security.Clock, m *metrics.Metrics) *TokenService {
	if clock == nil {
		clock = security.SystemClock()
	}

	return &TokenService{
		cfg:           cfg,
		refresh:       refresh,
		blacklist:     blacklist,
		accounts:      accounts,
		clock:         clock,
		metrics:       m,
		accessParser:  newParser(cfg, clock),
		refreshParser: newParser(cfg, clock),
	}
}

func newParser(cfg TokenConfig, clock security.Clock) *jwt.Parser {
	return jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithAudience(cfg.Audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(clock.Now),
	)
}

func (s *TokenService) AccessTTL() time.Duration {
	return s.cfg.AccessTTL
}

// IssuePair signs a new access token and a new refresh token for principal and
// persists the refresh token hash together with its provenance.
func (s *TokenService) IssuePair(ctx context.Context, principal model.Principal, prov model.Provenance) (model.TokenPair, error) {
	if principal.SubjectID == "" {
		return model.TokenPair{}, fmt.Errorf("issue token pair: %w", model.ErrInvalidInput)
	}

	now := s.clock.Now()
	accessExp := now.Add(s.cfg.AccessTTL)
	refreshExp := now.Add(s.cfg.RefreshTTL)

	access := &model.Claims{
		Email:   principal.Email,
		Role:    principal.Role,
		Version: model.ClaimsVersion,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   principal.SubjectID,
			Issuer:    s.cfg.Issuer,
			Audience:  jwt.ClaimStrings{s.cfg.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(accessExp),
			ID:        security.NewTokenID(),
		},
	}
	accessToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, access).SignedString([]byte(s.cfg.AccessSecret))
	if err != nil {
		return model.TokenPair{}, fmt.Errorf("sign access token: %w", err)
	}

	refresh := &model.RefreshClaims{
		RotationID: security.NewTokenID(),
		Version:    model.ClaimsVersion,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   principal.SubjectID,
			Issuer:    s.cfg.Issuer,
			Audience:  jwt.ClaimStrings{s.cfg.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(refreshExp),
		},
	}
	refreshToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, refresh).SignedString([]byte(s.cfg.RefreshSecret))
	if err != nil {
		return model.TokenPair{}, fmt.Errorf("sign refresh token: %w", err)
	}

	row := model.RefreshToken{
		TokenHash:     security.HashToken(refreshToken),
		OwnerID:       principal.SubjectID,
		ExpiresAt:     refreshExp,
		IsValid:       true,
		CreatedAt:     now,
		CreatedFromIP: prov.Address,
		CreatedFromUA: prov.UserAgent,
	}
	if err := s.refresh.Insert(ctx, row); err != nil {
		return model.TokenPair{}, fmt.Errorf("persist refresh token: %w", err)
	}

	s.metrics.TokenIssued()

	return model.TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    model.TokenTypeBearer,
		ExpiresIn:    int64(s.cfg.AccessTTL.Seconds()),
	}, nil
}

// VerifyAccess checks signature, algorithm, issuer, audience, expiry and claim
// version. It never consults the blacklist.
func (s *TokenService) VerifyAccess(raw string) (*model.Claims, error) {
	claims := &model.Claims{}
	_, err := s.accessParser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return []byte(s.cfg.AccessSecret), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, model.ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", model.ErrTokenInvalid, err)
	}

	if claims.Version != model.ClaimsVersion || claims.Subject == "" {
		return nil, model.ErrTokenInvalid
	}

	return claims, nil
}

// ParseRefresh verifies the refresh token wrapper and returns its claims.
// A valid wrapper says nothing about whether the token is still usable.
func (s *TokenService) ParseRefresh(raw string) (*model.RefreshClaims, error) {
	claims := &model.RefreshClaims{}
	_, err := s.refreshParser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return []byte(s.cfg.RefreshSecret), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, model.ErrRefreshExpired
		}
		return nil, fmt.Errorf("%w: %v", model.ErrTokenInvalid, err)
	}

	if claims.Version != model.ClaimsVersion || claims.Subject == "" || claims.RotationID == "" {
		return nil, model.ErrTokenInvalid
	}

	return claims, nil
}

// DecodeExpiry reads the exp claim without verifying the token.
func (s *TokenService) DecodeExpiry(raw string) (time.Time, bool) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// ValidateRefresh returns the owner of a valid, unexpired refresh token.
// An expired row is invalidated on the way out.
func (s *TokenService) ValidateRefresh(ctx context.Context, raw string) (string, error) {
	hash := security.HashToken(raw)

	row, err := s.refresh.FindValid(ctx, hash)
	if err != nil {
		if errors.Is(err, model.ErrRefreshNotFound) {
			return "", model.ErrRefreshNotFound
		}
		return "", fmt.Errorf("%w: %v", model.ErrAuthUnavailable, err)
	}

	now := s.clock.Now()
	if !now.Before(row.ExpiresAt) {
		if err := s.refresh.Invalidate(ctx, hash, now); err != nil {
			slog.Warn("invalidate expired refresh token", "owner_id", row.OwnerID, "error", err)
		}
		return "", model.ErrRefreshNotFound
	}

	return row.OwnerID, nil
}

// Rotate exchanges a refresh token for a new pair. The presented token is
// claimed atomically; if nothing was claimed the token is treated as replayed
// and every valid refresh token of expectedOwner is invalidated.
func (s *TokenService) Rotate(ctx context.Context, raw string, expectedOwner string, prov model.Provenance) (model.TokenPair, error) {
	now := s.clock.Now()

	res, err := s.refresh.Claim(ctx, security.HashToken(raw), expectedOwner, now)
	if err != nil {
		return model.TokenPair{}, fmt.Errorf("%w: %v", model.ErrAuthUnavailable, err)
	}

	switch res.Outcome {
	case model.NotClaimed:
		return model.TokenPair{}, s.containBreach(ctx, expectedOwner, prov, now)
	case model.Claimed:
	}

	if !now.Before(res.ExpiresAt) {
		s.metrics.Rotation("expired")
		return model.TokenPair{}, model.ErrRefreshExpired
	}

	user, err := s.accounts.FindByID(ctx, expectedOwner)
	if err != nil && !errors.Is(err, model.ErrUserNotFound) {
		return model.TokenPair{}, fmt.Errorf("%w: %v", model.ErrAuthUnavailable, err)
	}
	if err != nil || !user.IsActive {
		s.metrics.Rotation("inactive")
		return model.TokenPair{}, model.ErrAccountInactive
	}

	pair, err := s.IssuePair(ctx, user.Principal(), prov)
	if err != nil {
		return model.TokenPair{}, err
	}

	s.metrics.Rotation("rotated")
	return pair, nil
}

func (s *TokenService) containBreach(ctx context.Context, ownerID string, prov model.Provenance, now time.Time) error {
	s.metrics.Rotation("reuse")
	s.metrics.ReuseDetected()

	n, err := s.refresh.InvalidateAllForOwner(ctx, ownerID, now)
	if err != nil {
		slog.Error("refresh token reuse detected, invalidation failed", "owner_id", ownerID, "address", prov.Address, "error", err)
		return fmt.Errorf("%w: %v", model.ErrAuthUnavailable, err)
	}

	slog.Warn("refresh token reuse detected", "owner_id", ownerID, "address", prov.Address, "invalidated", n)
	return model.ErrRotationReuse
}

func (s *TokenService) Invalidate(ctx context.Context, raw string) error {
	return s.refresh.Invalidate(ctx, security.HashToken(raw), s.clock.Now())
}

func (s *TokenService) InvalidateAll(ctx context.Context, ownerID string) (int64, error) {
	return s.refresh.InvalidateAllForOwner(ctx, ownerID, s.clock.Now())
}

func (s *TokenService) CountSessions(ctx context.Context, ownerID string) (int, error) {
	return s.refresh.CountActive(ctx, ownerID, s.clock.Now())
}

type GCResult struct {
	RefreshTokens    int64
	BlacklistEntries int64
}

// CollectGarbage deletes expired refresh rows, refresh rows invalidated longer
// than the grace window ago, and expired blacklist entries.
func (s *TokenService) CollectGarbage(ctx context.Context) (GCResult, error) {
	now := s.clock.Now()

	var res GCResult
	var errs []error

	n, err := s.refresh.DeleteStale(ctx, now, s.cfg.InvalidatedGrace)
	if err != nil {
		errs = append(errs, err)
	}
	res.RefreshTokens = n
	s.metrics.JanitorDeleted("refresh_tokens", n)

	n, err = s.blacklist.DeleteExpired(ctx, now)
	if err != nil {
		errs = append(errs, err)
	}
	res.BlacklistEntries = n
	s.metrics.JanitorDeleted("token_blacklist", n)

	return res, errors.Join(errs...)
}

// RunJanitor calls CollectGarbage every interval until ctx is done.
func (s *TokenService) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := s.CollectGarbage(ctx)
			if err != nil {
				slog.Error("token janitor sweep failed", "error", err)
				continue
			}
			slog.Debug("token janitor sweep",
				"refresh_tokens", res.RefreshTokens,
				"blacklist_entries", res.BlacklistEntries,
			)
		}
	}
}
