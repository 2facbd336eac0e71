package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"greenhouse-ops/internal/metrics"
	"greenhouse-ops/internal/model"
	"greenhouse-ops/internal/ratelimit"
	"greenhouse-ops/internal/security"
	"greenhouse-ops/pkg/apierror"
)

const minPasswordLength = 8

// dummyPasswordHash keeps unknown-account logins as slow as wrong-password ones.
var dummyPasswordHash = sync.OnceValue(func() string {
	secret, err := security.RandomString(32)
	if err != nil {
		return ""
	}
	hash, err := security.HashPassword(secret)
	if err != nil {
		return ""
	}
	return hash
})

// AuthService orchestrates login, refresh, logout and credential changes.
type AuthService struct {
	tokens  *TokenService
	gate    *RevocationGate
	users   UserStore
	guard   *ratelimit.LoginGuard
	audit   *AuditService
	clock   security.Clock
	metrics *metrics.Metrics
}

func NewAuthService(tokens *TokenService, gate *RevocationGate, users UserStore, guard *ratelimit.LoginGuard, audit *AuditService, clock security.Clock, m *metrics.Metrics) *AuthService {
	if clock == nil {
		clock = security.SystemClock()
	}

	return &AuthService{
		tokens:  tokens,
		gate:    gate,
		users:   users,
		guard:   guard,
		audit:   audit,
		clock:   clock,
		metrics: m,
	}
}

func (s *AuthService) Login(ctx context.Context, email string, password string, prov model.Provenance) (model.LoginResult, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return model.LoginResult{}, apierror.BadRequest("email and password are required", "")
	}

	actor := model.AuditActor{Email: email, IP: prov.Address}

	decision := s.guard.AdmitLogin(ctx, prov.Address, email)
	if !decision.Allowed {
		s.metrics.RateLimited(decision.Limiter)
		s.audit.Log(ctx, "auth.login", actor, AuditStatusDenied, "rate limited by "+decision.Limiter)
		return model.LoginResult{}, &model.RateLimitError{Limiter: decision.Limiter, RetryAfter: decision.RetryAfter}
	}

	user, err := s.users.FindByEmail(ctx, email)
	if err != nil && !errors.Is(err, model.ErrUserNotFound) {
		slog.Error("login lookup failed", "error", err)
		s.guard.CancelLogin(ctx, prov.Address, email)
		return model.LoginResult{}, model.ErrAuthUnavailable
	}

	if err != nil {
		security.CheckPassword(dummyPasswordHash(), password)
		s.failLogin(ctx, actor, prov)
		return model.LoginResult{}, model.ErrInvalidCredentials
	}

	actor.UserID = user.ID
	if !security.CheckPassword(user.PasswordHash, password) {
		s.failLogin(ctx, actor, prov)
		return model.LoginResult{}, model.ErrInvalidCredentials
	}

	if !user.IsActive {
		s.guard.CancelLogin(ctx, prov.Address, email)
		s.audit.Log(ctx, "auth.login", actor, AuditStatusDenied, "account inactive")
		return model.LoginResult{}, model.ErrAccountInactive
	}

	s.guard.RecordLoginResult(ctx, prov.Address, email, true)

	pair, err := s.tokens.IssuePair(ctx, user.Principal(), prov)
	if err != nil {
		return model.LoginResult{}, err
	}

	s.audit.Log(ctx, "auth.login", actor, AuditStatusSuccess, "")
	return model.LoginResult{TokenPair: pair, User: user.Principal()}, nil
}

func (s *AuthService) failLogin(ctx context.Context, actor model.AuditActor, prov model.Provenance) {
	s.guard.RecordLoginResult(ctx, prov.Address, actor.Email, false)
	s.audit.Log(ctx, "auth.login", actor, AuditStatusFailure, "invalid credentials")
}

// Refresh rotates a refresh token. The owner is taken from the signed wrapper;
// the persisted row decides whether the token is still usable.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string, prov model.Provenance) (model.TokenPair, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	claims, err := s.tokens.ParseRefresh(refreshToken)
	if err != nil {
		return model.TokenPair{}, err
	}

	actor := model.AuditActor{UserID: claims.Subject, IP: prov.Address}

	pair, err := s.tokens.Rotate(ctx, refreshToken, claims.Subject, prov)
	switch {
	case errors.Is(err, model.ErrRotationReuse):
		s.audit.Log(ctx, "auth.refresh", actor, AuditStatusDenied, "refresh token reuse, all sessions invalidated")
	case err != nil:
		s.audit.Log(ctx, "auth.refresh", actor, AuditStatusFailure, err.Error())
	default:
		s.audit.Log(ctx, "auth.refresh", actor, AuditStatusSuccess, "")
	}

	return pair, err
}

// Logout invalidates every refresh token of the caller and blacklists the
// access token used for this request.
func (s *AuthService) Logout(ctx context.Context, claims *model.Claims, accessToken string, prov model.Provenance) error {
	err := s.revokeSessions(ctx, claims, accessToken, model.ReasonLogout)

	actor := model.AuditActor{UserID: claims.Subject, Email: claims.Email, IP: prov.Address}
	if err != nil {
		s.audit.Log(ctx, "auth.logout", actor, AuditStatusFailure, err.Error())
		return err
	}

	s.audit.Log(ctx, "auth.logout", actor, AuditStatusSuccess, "")
	return nil
}

func (s *AuthService) ChangePassword(ctx context.Context, claims *model.Claims, accessToken string, current string, next string, prov model.Provenance) error {
	if len(next) < minPasswordLength {
		return apierror.BadRequest(fmt.Sprintf("new password must be at least %d characters", minPasswordLength), "")
	}

	user, err := s.users.FindByID(ctx, claims.Subject)
	if err != nil {
		return err
	}

	actor := model.AuditActor{UserID: user.ID, Email: user.Email, IP: prov.Address}

	// Guessing the current password here is the same attack as guessing it at
	// login, so it spends from the same counters.
	decision := s.guard.AdmitLogin(ctx, prov.Address, user.Email)
	if !decision.Allowed {
		s.metrics.RateLimited(decision.Limiter)
		s.audit.Log(ctx, "auth.password_change", actor, AuditStatusDenied, "rate limited by "+decision.Limiter)
		return &model.RateLimitError{Limiter: decision.Limiter, RetryAfter: decision.RetryAfter}
	}
	if !security.CheckPassword(user.PasswordHash, current) {
		s.guard.RecordLoginResult(ctx, prov.Address, user.Email, false)
		s.audit.Log(ctx, "auth.password_change", actor, AuditStatusFailure, "invalid current password")
		return model.ErrInvalidCredentials
	}
	s.guard.RecordLoginResult(ctx, prov.Address, user.Email, true)

	hash, err := security.HashPassword(next)
	if err != nil {
		return err
	}
	if err := s.users.UpdatePassword(ctx, user.ID, hash, s.clock.Now()); err != nil {
		return err
	}

	if err := s.revokeSessions(ctx, claims, accessToken, model.ReasonPasswordChange); err != nil {
		s.audit.Log(ctx, "auth.password_change", actor, AuditStatusFailure, err.Error())
		return err
	}

	s.audit.Log(ctx, "auth.password_change", actor, AuditStatusSuccess, "")
	return nil
}

// revokeSessions attempts both steps even if the first fails.
func (s *AuthService) revokeSessions(ctx context.Context, claims *model.Claims, accessToken string, reason string) error {
	var errs []error

	if _, err := s.tokens.InvalidateAll(ctx, claims.Subject); err != nil {
		errs = append(errs, fmt.Errorf("invalidate refresh tokens: %w", err))
	}

	expiresAt, ok := s.tokens.DecodeExpiry(accessToken)
	if !ok {
		expiresAt = s.clock.Now().Add(s.tokens.AccessTTL())
	}
	if err := s.gate.Revoke(ctx, accessToken, claims.Subject, expiresAt, reason, claims.ID); err != nil {
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", model.ErrAuthUnavailable, err)
	}
	return nil
}

func (s *AuthService) Register(ctx context.Context, actor *model.Claims, email string, password string, role string) (model.User, error) {
	email = normalizeEmail(email)
	role = strings.ToLower(strings.TrimSpace(role))

	if _, err := mail.ParseAddress(email); err != nil || email == "" {
		return model.User{}, apierror.BadRequest("a valid email is required", "")
	}
	if len(password) < minPasswordLength {
		return model.User{}, apierror.BadRequest(fmt.Sprintf("password must be at least %d characters", minPasswordLength), "")
	}
	if role == "" {
		role = model.RoleViewer
	}
	if role != model.RoleAdmin && role != model.RoleGrower && role != model.RoleViewer {
		return model.User{}, apierror.BadRequest("invalid role", role)
	}

	user, err := s.createUser(ctx, email, password, role)
	if err != nil {
		return model.User{}, err
	}

	if actor != nil {
		s.audit.Log(ctx, "auth.register", model.AuditActor{UserID: actor.Subject, Email: actor.Email}, AuditStatusSuccess, user.ID)
	}
	return user, nil
}

func (s *AuthService) createUser(ctx context.Context, email string, password string, role string) (model.User, error) {
	hash, err := security.HashPassword(password)
	if err != nil {
		return model.User{}, err
	}

	now := s.clock.Now()
	user := model.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		Role:         role,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.users.Create(ctx, user); err != nil {
		return model.User{}, err
	}
	return user, nil
}

// SetActive enables or disables an account. Disabling also invalidates its
// refresh tokens; outstanding access tokens are rejected by the active check.
func (s *AuthService) SetActive(ctx context.Context, actor *model.Claims, userID string, active bool) error {
	if err := s.users.SetActive(ctx, userID, active, s.clock.Now()); err != nil {
		return err
	}

	if !active {
		if _, err := s.tokens.InvalidateAll(ctx, userID); err != nil {
			return fmt.Errorf("%w: %w", model.ErrAuthUnavailable, err)
		}
	}

	detail := "activated " + userID
	if !active {
		detail = "deactivated " + userID
	}
	s.audit.Log(ctx, "auth.set_active", model.AuditActor{UserID: actor.Subject, Email: actor.Email}, AuditStatusSuccess, detail)
	return nil
}

func (s *AuthService) Me(ctx context.Context, userID string) (model.User, error) {
	return s.users.FindByID(ctx, userID)
}

func (s *AuthService) Sessions(ctx context.Context, userID string) (model.SessionSummary, error) {
	n, err := s.tokens.CountSessions(ctx, userID)
	if err != nil {
		return model.SessionSummary{}, err
	}
	return model.SessionSummary{ActiveRefreshTokens: n}, nil
}

// SeedAdmin creates the first admin account when the directory is empty.
func (s *AuthService) SeedAdmin(ctx context.Context, email string, password string) (bool, error) {
	if email == "" {
		return false, nil
	}

	count, err := s.users.Count(ctx)
	if err != nil {
		return false, err
	}
	if count > 0 {
		return false, nil
	}

	if _, err := s.createUser(ctx, normalizeEmail(email), password, model.RoleAdmin); err != nil {
		if errors.Is(err, model.ErrUserAlreadyExists) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// StartJanitor runs the token janitor in the background until ctx is done.
func (s *AuthService) StartJanitor(ctx context.Context, interval time.Duration) {
	go s.tokens.RunJanitor(ctx, interval)
}
