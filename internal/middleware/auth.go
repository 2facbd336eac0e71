package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"greenhouse-ops/internal/model"
	"greenhouse-ops/pkg/apierror"
)

type authenticator interface {
	Authenticate(ctx context.Context, raw string) (*model.Claims, error)
}

type contextKey string

const (
	authClaimsContextKey  contextKey = "auth_claims"
	accessTokenContextKey contextKey = "access_token"
)

type AuthMiddleware struct {
	auth authenticator
}

func NewAuthMiddleware(auth authenticator) *AuthMiddleware {
	return &AuthMiddleware{auth: auth}
}

func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, apierror.CodeUnauthorized, "missing or invalid authorization header")
			return
		}

		claims, err := m.auth.Authenticate(r.Context(), token)
		if err != nil {
			status, code, message := authFailure(err)
			writeError(w, status, code, message)
			return
		}

		ctx := context.WithValue(r.Context(), authClaimsContextKey, claims)
		ctx = context.WithValue(ctx, accessTokenContextKey, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *AuthMiddleware) RequireRoles(allowedRoles ...string) func(http.Handler) http.Handler {
	roleSet := map[string]struct{}{}
	for _, role := range allowedRoles {
		roleSet[strings.ToLower(strings.TrimSpace(role))] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, apierror.CodeUnauthorized, "authentication required")
				return
			}

			if _, exists := roleSet[strings.ToLower(claims.Role)]; !exists {
				writeError(w, http.StatusForbidden, apierror.CodeForbidden, "insufficient permissions")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// authFailure maps an authentication error to a response. Reuse detection and
// malformed tokens look the same to the caller.
func authFailure(err error) (int, string, string) {
	switch {
	case errors.Is(err, model.ErrTokenRevoked):
		return http.StatusUnauthorized, apierror.CodeTokenRevoked, "token has been revoked"
	case errors.Is(err, model.ErrTokenExpired):
		return http.StatusUnauthorized, apierror.CodeTokenExpired, "token has expired"
	case errors.Is(err, model.ErrAccountInactive):
		return http.StatusForbidden, apierror.CodeAccountInactive, "account is inactive"
	case errors.Is(err, model.ErrAuthUnavailable):
		return http.StatusServiceUnavailable, apierror.CodeUnavailable, "authentication temporarily unavailable"
	default:
		return http.StatusUnauthorized, apierror.CodeTokenInvalid, "token is invalid"
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return "", false
	}

	token := strings.TrimSpace(header[7:])
	return token, token != ""
}

func ClaimsFromContext(ctx context.Context) (*model.Claims, bool) {
	claims, ok := ctx.Value(authClaimsContextKey).(*model.Claims)
	return claims, ok
}

// AccessTokenFromContext returns the raw bearer token accepted by RequireAuth.
func AccessTokenFromContext(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(accessTokenContextKey).(string)
	return token, ok
}
