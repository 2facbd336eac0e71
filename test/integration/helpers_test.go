//go:build integration

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"greenhouse-ops/internal/app"
	"greenhouse-ops/internal/config"
	"greenhouse-ops/internal/database"
	"greenhouse-ops/internal/model"
	"greenhouse-ops/internal/repository"
	"greenhouse-ops/internal/security"
)

const testPassword = "correct-horse-battery"

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	return &config.Config{
		ServerPort:              "0",
		RequestTimeout:          5 * time.Second,
		CORSOrigins:             []string{"*"},
		DatabaseURL:             dsn,
		DBMaxConns:              4,
		DBMinConns:              1,
		DBQueryTimeout:          2 * time.Second,
		AccessTokenSecret:       "integration-access-secret",
		RefreshTokenSecret:      "integration-refresh-secret",
		AccessTokenTTL:          15 * time.Minute,
		RefreshTokenTTL:         24 * time.Hour,
		TokenIssuer:             "greenhouse-ops",
		TokenAudience:           "greenhouse-ops-api",
		RefreshInvalidatedGrace: time.Hour,
		JanitorInterval:         time.Hour,
		BlacklistCacheMax:       1000,
		LoginIPWindow:           15 * time.Minute,
		LoginIPThreshold:        5,
		LoginIPBlock:            15 * time.Minute,
		LoginAccountWindow:      time.Hour,
		LoginAccountThreshold:   3,
		LoginAccountBlock:       time.Hour,
		APIRateWindow:           time.Minute,
		APIRateThreshold:        1000,
		RateLimitTimeout:        100 * time.Millisecond,
	}
}

func newServer(t *testing.T) *httptest.Server {
	t.Helper()

	cfg := testConfig(t)
	a, err := app.New(cfg)
	require.NoError(t, err)

	srv := httptest.NewServer(a.Handler())
	t.Cleanup(func() {
		srv.Close()
		a.Close()
	})
	return srv
}

// createUser inserts an account directly, bypassing the admin-only register route.
func createUser(t *testing.T, role string) string {
	t.Helper()

	cfg := testConfig(t)
	db, err := database.New(context.Background(), cfg.DatabaseURL, 2, 1, cfg.DBQueryTimeout)
	require.NoError(t, err)
	defer db.Close()

	hash, err := security.HashPassword(testPassword)
	require.NoError(t, err)

	email := "it-" + uuid.NewString() + "@greenhouse.test"
	now := time.Now().UTC()
	require.NoError(t, repository.NewUserRepository(db.Pool, cfg.DBQueryTimeout).Create(context.Background(), model.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		Role:         role,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}))
	return email
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *model.APIError `json:"error"`
}

func doJSON(t *testing.T, method string, url string, body any, accessToken string) (*http.Response, envelope) {
	t.Helper()

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(t, err)
	}

	req, err := http.NewRequest(method, url, bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	_ = json.NewDecoder(resp.Body).Decode(&env)
	return resp, env
}

func login(t *testing.T, baseURL string, email string) model.LoginResult {
	t.Helper()

	resp, env := doJSON(t, http.MethodPost, baseURL+"/api/v1/auth/login", model.LoginRequest{Email: email, Password: testPassword}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result model.LoginResult
	require.NoError(t, json.Unmarshal(env.Data, &result))
	return result
}
