//go:build integration

package integration

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"greenhouse-ops/internal/model"
)

func TestLoginRefreshAndReuseContainment(t *testing.T) {
	srv := newServer(t)
	email := createUser(t, model.RoleGrower)

	first := login(t, srv.URL, email)

	resp, env := doJSON(t, http.MethodPost, srv.URL+"/api/v1/auth/refresh", model.RefreshRequest{RefreshToken: first.RefreshToken}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rotated model.TokenPair
	require.NoError(t, json.Unmarshal(env.Data, &rotated))
	assert.NotEqual(t, first.RefreshToken, rotated.RefreshToken)

	resp, env = doJSON(t, http.MethodPost, srv.URL+"/api/v1/auth/refresh", model.RefreshRequest{RefreshToken: first.RefreshToken}, "")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "TOKEN_INVALID", env.Error.Code)

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/v1/auth/refresh", model.RefreshRequest{RefreshToken: rotated.RefreshToken}, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "reuse invalidates every session of the owner")
}

func TestLogoutRevokesAccessToken(t *testing.T) {
	srv := newServer(t)
	email := createUser(t, model.RoleViewer)
	session := login(t, srv.URL, email)

	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/api/v1/auth/me", nil, session.AccessToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/v1/auth/logout", nil, session.AccessToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, env := doJSON(t, http.MethodGet, srv.URL+"/api/v1/auth/me", nil, session.AccessToken)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "TOKEN_REVOKED", env.Error.Code)

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/v1/auth/refresh", model.RefreshRequest{RefreshToken: session.RefreshToken}, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAccountLoginLimitReturns429(t *testing.T) {
	srv := newServer(t)
	email := createUser(t, model.RoleViewer)

	for i := 0; i < 3; i++ {
		resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/v1/auth/login", model.LoginRequest{Email: email, Password: "wrong-password"}, "")
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}

	resp, env := doJSON(t, http.MethodPost, srv.URL+"/api/v1/auth/login", model.LoginRequest{Email: email, Password: testPassword}, "")
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.Equal(t, "RATE_LIMITED", env.Error.Code)
}

func TestDeactivatedAccountIsLockedOut(t *testing.T) {
	srv := newServer(t)
	adminEmail := createUser(t, model.RoleAdmin)
	userEmail := createUser(t, model.RoleGrower)

	admin := login(t, srv.URL, adminEmail)
	user := login(t, srv.URL, userEmail)

	resp, _ := doJSON(t, http.MethodPut, srv.URL+"/api/v1/auth/users/"+user.User.SubjectID+"/status", map[string]bool{"is_active": false}, admin.AccessToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, env := doJSON(t, http.MethodGet, srv.URL+"/api/v1/auth/me", nil, user.AccessToken)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "ACCOUNT_INACTIVE", env.Error.Code)
}

func TestSecurityHeadersOnResponses(t *testing.T) {
	srv := newServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}
