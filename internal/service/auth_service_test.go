package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"greenhouse-ops/internal/model"
	"greenhouse-ops/internal/ratelimit"
	"greenhouse-ops/internal/security"
	"greenhouse-ops/pkg/apierror"
)

const testPassword = "tomato-vines-42"

var testPasswordHash = sync.OnceValue(func() string {
	hash, err := security.HashPassword(testPassword)
	if err != nil {
		panic(err)
	}
	return hash
})

type authFixture struct {
	*tokenFixture
	gate  *RevocationGate
	auth  *Authenticator
	audit *memAudit
	svc   *AuthService
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()

	tf := newTokenFixture(t)
	user := testUser
	user.PasswordHash = testPasswordHash()
	tf.users = newMemUsers(user)
	tf.svc = NewTokenService(testTokenConfig, tf.refresh, tf.blacklist, tf.users, tf.clock, nil)

	gate, err := NewRevocationGate(tf.blacklist, tf.clock, 0)
	require.NoError(t, err)

	guard := ratelimit.NewLoginGuard(ratelimit.NewMemoryStore(4), tf.clock,
		ratelimit.Policy{Window: 15 * time.Minute, Threshold: 5, Block: 15 * time.Minute},
		ratelimit.Policy{Window: time.Hour, Threshold: 3, Block: time.Hour},
		50*time.Millisecond,
	)
	audit := &memAudit{}

	return &authFixture{
		tokenFixture: tf,
		gate:         gate,
		auth:         NewAuthenticator(gate, tf.svc, tf.users, nil),
		audit:        audit,
		svc:          NewAuthService(tf.svc, gate, tf.users, guard, NewAuditService(audit), tf.clock, nil),
	}
}

func (f *authFixture) login(t *testing.T) (model.LoginResult, *model.Claims) {
	t.Helper()
	res, err := f.svc.Login(context.Background(), testUser.Email, testPassword, testProvenance)
	require.NoError(t, err)
	claims, err := f.auth.Authenticate(context.Background(), res.AccessToken)
	require.NoError(t, err)
	return res, claims
}

func TestLoginSuccess(t *testing.T) {
	t.Parallel()
	f := newAuthFixture(t)

	res, err := f.svc.Login(context.Background(), "  Grower@Example.com ", testPassword, testProvenance)
	require.NoError(t, err)
	assert.Equal(t, testUser.ID, res.User.SubjectID)
	assert.NotEmpty(t, res.RefreshToken)

	_, err = f.auth.Authenticate(context.Background(), res.AccessToken)
	require.NoError(t, err)
	assert.Contains(t, f.audit.actions(), "auth.login:success")
}

func TestLoginFailuresThenRateLimited(t *testing.T) {
	t.Parallel()
	f := newAuthFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.svc.Login(ctx, testUser.Email, "wrong-password", testProvenance)
		require.ErrorIs(t, err, model.ErrInvalidCredentials)
	}

	_, err := f.svc.Login(ctx, testUser.Email, testPassword, testProvenance)
	var rl *model.RateLimitError
	require.True(t, errors.As(err, &rl), "got %v", err)
	assert.Equal(t, ratelimit.LimiterLoginAccount, rl.Limiter)
	assert.Equal(t, 3600, rl.RetryAfter)
	assert.Contains(t, f.audit.actions(), "auth.login:denied")
}

func TestLoginConcurrentBurstChecksAtMostThreshold(t *testing.T) {
	t.Parallel()
	f := newAuthFixture(t)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		checked int
		limited int
	)
	start := make(chan struct{})
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.svc.Login(ctx, testUser.Email, "wrong-password", testProvenance)

			var rl *model.RateLimitError
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, model.ErrInvalidCredentials):
				checked++
			case errors.As(err, &rl):
				limited++
			default:
				t.Errorf("unexpected login error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.LessOrEqual(t, checked, 3, "every admitted attempt holds an account slot until it is judged")
	assert.Equal(t, 40, checked+limited)
}

func TestLoginUnknownAccountLooksLikeWrongPassword(t *testing.T) {
	t.Parallel()
	f := newAuthFixture(t)

	_, err := f.svc.Login(context.Background(), "nobody@example.com", testPassword, testProvenance)
	require.ErrorIs(t, err, model.ErrInvalidCredentials)
}

func TestDummyPasswordHashIsRandomBcrypt(t *testing.T) {
	t.Parallel()

	hash := dummyPasswordHash()
	require.NotEmpty(t, hash)
	assert.Equal(t, hash, dummyPasswordHash(), "computed once")
	assert.False(t, security.CheckPassword(hash, ""))
	assert.False(t, security.CheckPassword(hash, testPassword))
}

func TestLoginSuccessClearsOnlyAccountCounter(t *testing.T) {
	t.Parallel()
	f := newAuthFixture(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := f.svc.Login(ctx, testUser.Email, "wrong-password", testProvenance)
		require.ErrorIs(t, err, model.ErrInvalidCredentials)
	}
	_, err := f.svc.Login(ctx, testUser.Email, testPassword, testProvenance)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := f.svc.Login(ctx, testUser.Email, "wrong-password", testProvenance)
		require.ErrorIs(t, err, model.ErrInvalidCredentials)
	}
	_, err = f.svc.Login(ctx, testUser.Email, testPassword, testProvenance)
	require.NoError(t, err, "account counter was cleared, address counter is at 4 of 5")

	_, err = f.svc.Login(ctx, testUser.Email, "wrong-password", testProvenance)
	require.ErrorIs(t, err, model.ErrInvalidCredentials)

	_, err = f.svc.Login(ctx, testUser.Email, testPassword, testProvenance)
	var rl *model.RateLimitError
	require.True(t, errors.As(err, &rl), "address counter is never cleared by a success")
	assert.Equal(t, ratelimit.LimiterLoginAddress, rl.Limiter)
}

func TestLoginInactiveAccount(t *testing.T) {
	t.Parallel()
	f := newAuthFixture(t)
	require.NoError(t, f.users.SetActive(context.Background(), testUser.ID, false, testStart))

	for i := 0; i < 6; i++ {
		_, err := f.svc.Login(context.Background(), testUser.Email, testPassword, testProvenance)
		require.ErrorIs(t, err, model.ErrAccountInactive, "attempt %d", i+1)
	}
}

func TestLoginValidation(t *testing.T) {
	t.Parallel()
	f := newAuthFixture(t)

	_, err := f.svc.Login(context.Background(), "", "", testProvenance)
	var apiErr *apierror.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, apierror.CodeBadRequest, apiErr.Code)
}

func TestLoginDirectoryDownFailsClosed(t *testing.T) {
	t.Parallel()
	f := newAuthFixture(t)
	f.users.mu.Lock()
	f.users.fail = true
	f.users.mu.Unlock()

	// attempts that never reached a password check do not use up the limit
	for i := 0; i < 6; i++ {
		_, err := f.svc.Login(context.Background(), testUser.Email, testPassword, testProvenance)
		require.ErrorIs(t, err, model.ErrAuthUnavailable, "attempt %d", i+1)
	}

	f.users.mu.Lock()
	f.users.fail = false
	f.users.mu.Unlock()

	_, err := f.svc.Login(context.Background(), testUser.Email, testPassword, testProvenance)
	require.NoError(t, err)
}

func TestAuditFailureDoesNotBlockLogin(t *testing.T) {
	t.Parallel()
	f := newAuthFixture(t)
	f.audit.mu.Lock()
	f.audit.fail = true
	f.audit.mu.Unlock()

	_, err := f.svc.Login(context.Background(), testUser.Email, testPassword, testProvenance)
	require.NoError(t, err)
}

func TestRefreshRotatesPair(t *testing.T) {
	t.Parallel()
	f := newAuthFixture(t)
	ctx := context.Background()
	res, _ := f.login(t)

	pair, err := f.svc.Refresh(ctx, res.RefreshToken, testProvenance)
	require.NoError(t, err)

	_, err = f.auth.Authenticate(ctx, pair.AccessToken)
	require.NoError(t, err)

	_, err = f.svc.Refresh(ctx, res.RefreshToken, testProvenance)
	require.ErrorIs(t, err, model.ErrTokenInvalid)
	assert.Contains(t, f.audit.actions(), "auth.refresh:denied")

	_, err = f.svc.Refresh(ctx, pair.RefreshToken, testProvenance)
	require.ErrorIs(t, err, model.ErrRotationReuse, "breach containment invalidated the rotated token too")
}

func TestRefreshAcceptsPaddedToken(t *testing.T) {
	t.Parallel()
	f := newAuthFixture(t)
	ctx := context.Background()
	res, _ := f.login(t)

	pair, err := f.svc.Refresh(ctx, "  "+res.RefreshToken+"\n", testProvenance)
	require.NoError(t, err)
	assert.NotContains(t, f.audit.actions(), "auth.refresh:denied")

	_, err = f.svc.Refresh(ctx, pair.RefreshToken, testProvenance)
	require.NoError(t, err, "no sessions were invalidated")
}

func TestRefreshRejectsAccessToken(t *testing.T) {
	t.Parallel()
	f := newAuthFixture(t)
	res, _ := f.login(t)

	_, err := f.svc.Refresh(context.Background(), res.AccessToken, testProvenance)
	require.ErrorIs(t, err, model.ErrTokenInvalid)
}

func TestLogoutRevokesAccessAndRefresh(t *testing.T) {
	t.Parallel()
	f := newAuthFixture(t)
	ctx := context.Background()
	res, claims := f.login(t)

	require.NoError(t, f.svc.Logout(ctx, claims, res.AccessToken, testProvenance))

	_, err := f.auth.Authenticate(ctx, res.AccessToken)
	require.ErrorIs(t, err, model.ErrTokenRevoked)

	_, err = f.svc.tokens.ValidateRefresh(ctx, res.RefreshToken)
	require.ErrorIs(t, err, model.ErrRefreshNotFound)

	entry := f.blacklist.entries[security.HashToken(res.AccessToken)]
	assert.Equal(t, model.ReasonLogout, entry.Reason)
	assert.Equal(t, claims.ID, entry.TokenID)
	assert.True(t, entry.ExpiresAt.Equal(claims.ExpiresAt.Time))

	require.NoError(t, f.svc.Logout(ctx, claims, res.AccessToken, testProvenance), "logout retry is a no-op")
	assert.Equal(t, 1, f.blacklist.len())
}

func TestLogoutBlacklistFailureStillInvalidatesRefresh(t *testing.T) {
	t.Parallel()
	f := newAuthFixture(t)
	ctx := context.Background()
	res, claims := f.login(t)
	f.blacklist.setFail(true)

	err := f.svc.Logout(ctx, claims, res.AccessToken, testProvenance)
	require.ErrorIs(t, err, model.ErrAuthUnavailable)

	_, err = f.svc.tokens.ValidateRefresh(ctx, res.RefreshToken)
	require.ErrorIs(t, err, model.ErrRefreshNotFound)
}

func TestChangePassword(t *testing.T) {
	t.Parallel()
	f := newAuthFixture(t)
	ctx := context.Background()
	res, claims := f.login(t)

	err := f.svc.ChangePassword(ctx, claims, res.AccessToken, "wrong-password", "new-password-123", testProvenance)
	require.ErrorIs(t, err, model.ErrInvalidCredentials)

	err = f.svc.ChangePassword(ctx, claims, res.AccessToken, testPassword, "short", testProvenance)
	require.Error(t, err)

	require.NoError(t, f.svc.ChangePassword(ctx, claims, res.AccessToken, testPassword, "new-password-123", testProvenance))

	_, err = f.auth.Authenticate(ctx, res.AccessToken)
	require.ErrorIs(t, err, model.ErrTokenRevoked)
	assert.Equal(t, model.ReasonPasswordChange, f.blacklist.entries[security.HashToken(res.AccessToken)].Reason)

	_, err = f.svc.Login(ctx, testUser.Email, "new-password-123", testProvenance)
	require.NoError(t, err)
}

func TestChangePasswordWrongCurrentIsRateLimited(t *testing.T) {
	t.Parallel()
	f := newAuthFixture(t)
	ctx := context.Background()
	res, claims := f.login(t)

	for i := 0; i < 3; i++ {
		err := f.svc.ChangePassword(ctx, claims, res.AccessToken, "guess-"+string(rune('a'+i)), "new-password-123", testProvenance)
		require.ErrorIs(t, err, model.ErrInvalidCredentials, "guess %d", i+1)
	}

	err := f.svc.ChangePassword(ctx, claims, res.AccessToken, testPassword, "new-password-123", testProvenance)
	var rl *model.RateLimitError
	require.True(t, errors.As(err, &rl), "got %v", err)
	assert.Equal(t, ratelimit.LimiterLoginAccount, rl.Limiter)
	assert.Contains(t, f.audit.actions(), "auth.password_change:denied")

	_, err = f.svc.Login(ctx, testUser.Email, testPassword, testProvenance)
	require.True(t, errors.As(err, &rl), "password change guesses count against login too")
}

func TestRegister(t *testing.T) {
	t.Parallel()
	f := newAuthFixture(t)
	ctx := context.Background()
	admin := &model.Claims{Email: "admin@example.com"}

	tests := []struct {
		name     string
		email    string
		password string
		role     string
	}{
		{"invalid email", "not-an-email", "long-enough-pw", ""},
		{"short password", "new@example.com", "short", ""},
		{"unknown role", "new@example.com", "long-enough-pw", "superuser"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Register(ctx, admin, tt.email, tt.password, tt.role)
			var apiErr *apierror.APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, apierror.CodeBadRequest, apiErr.Code)
		})
	}

	user, err := f.svc.Register(ctx, admin, "New.Grower@Example.com", "long-enough-pw", "")
	require.NoError(t, err)
	assert.Equal(t, "new.grower@example.com", user.Email)
	assert.Equal(t, model.RoleViewer, user.Role)
	assert.True(t, user.IsActive)

	_, err = f.svc.Register(ctx, admin, "new.grower@example.com", "long-enough-pw", "grower")
	require.ErrorIs(t, err, model.ErrUserAlreadyExists)
}

func TestSetActiveDeactivatesSessions(t *testing.T) {
	t.Parallel()
	f := newAuthFixture(t)
	ctx := context.Background()
	res, _ := f.login(t)
	admin := &model.Claims{Email: "admin@example.com"}

	require.NoError(t, f.svc.SetActive(ctx, admin, testUser.ID, false))

	_, err := f.auth.Authenticate(ctx, res.AccessToken)
	require.ErrorIs(t, err, model.ErrAccountInactive)

	summary, err := f.svc.Sessions(ctx, testUser.ID)
	require.NoError(t, err)
	assert.Zero(t, summary.ActiveRefreshTokens)

	require.ErrorIs(t, f.svc.SetActive(ctx, admin, "missing", true), model.ErrUserNotFound)
}

func TestSessionsAndMe(t *testing.T) {
	t.Parallel()
	f := newAuthFixture(t)
	ctx := context.Background()
	f.login(t)
	f.login(t)

	summary, err := f.svc.Sessions(ctx, testUser.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.ActiveRefreshTokens)

	me, err := f.svc.Me(ctx, testUser.ID)
	require.NoError(t, err)
	assert.Equal(t, testUser.Email, me.Email)
}

func TestSeedAdmin(t *testing.T) {
	t.Parallel()
	f := newAuthFixture(t)
	ctx := context.Background()
	f.users = newMemUsers()
	f.svc.users = f.users

	created, err := f.svc.SeedAdmin(ctx, "Admin@Greenhouse.local", "bootstrap-pass")
	require.NoError(t, err)
	assert.True(t, created)

	created, err = f.svc.SeedAdmin(ctx, "other@greenhouse.local", "bootstrap-pass")
	require.NoError(t, err)
	assert.False(t, created)

	admin, err := f.users.FindByEmail(ctx, "admin@greenhouse.local")
	require.NoError(t, err)
	assert.Equal(t, model.RoleAdmin, admin.Role)
}
