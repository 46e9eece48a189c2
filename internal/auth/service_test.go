package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterCreatesActiveUser(t *testing.T) {
	env := newTestEnv(t)

	account, err := env.service.Register(context.Background(), "  Alice@X.com ", testPassword, Profile{
		Username: " alice ",
		Bio:      "hello",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, account.ID)
	assert.Equal(t, "alice@x.com", account.Email)
	assert.Equal(t, "alice", account.Username)
	assert.Equal(t, RoleUser, account.Role)
	assert.True(t, account.Active)
	assert.NotEqual(t, testPassword, account.PasswordHash)

	env.service.Wait()
	require.Len(t, env.mailer.sent, 1)
	assert.Equal(t, "welcome", env.mailer.sent[0].kind)
}

func TestRegisterRejectsDuplicateEmail(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice@x.com")

	_, err := env.service.Register(context.Background(), "ALICE@x.com", testPassword, Profile{Username: "other"})
	require.ErrorIs(t, err, ErrDuplicateEmail)
}

func TestLoginSucceedsAndRecordsMetadata(t *testing.T) {
	env := newTestEnv(t)
	account := env.register(t, "alice@x.com")

	result, err := env.service.Login(context.Background(), "alice@x.com", testPassword, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, account.ID, result.Account.ID)
	assert.NotEmpty(t, result.Tokens.AccessToken)
	assert.NotEmpty(t, result.Tokens.RefreshToken)

	stored := env.account(t, account.ID)
	assert.Equal(t, int64(1), stored.LoginCount)
	assert.Equal(t, "10.0.0.1", stored.LastLoginIP)
	require.NotNil(t, stored.LastLoginAt)
	assert.Equal(t, env.clock.Now(), *stored.LastLoginAt)
}

func TestLoginLockoutBoundary(t *testing.T) {
	env := newTestEnv(t)
	account := env.register(t, "alice@x.com")
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := env.service.Login(ctx, "alice@x.com", "Wrong0pass", "")
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}
	stored := env.account(t, account.ID)
	require.Equal(t, 4, stored.FailedLoginCount)
	require.Nil(t, stored.LockUntil)

	_, err := env.service.Login(ctx, "alice@x.com", "Wrong0pass", "")
	var locked ErrLoginLocked
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, 1800, locked.RetryAfterSeconds())

	stored = env.account(t, account.ID)
	assert.Equal(t, 5, stored.FailedLoginCount)
	require.NotNil(t, stored.LockUntil)
	assert.Equal(t, env.clock.Now().Add(30*time.Minute), *stored.LockUntil)

	// A sixth attempt while locked short-circuits: no comparison, no count.
	env.clock.Advance(10 * time.Minute)
	comparesBefore := env.compares.Load()
	_, err = env.service.Login(ctx, "alice@x.com", testPassword, "")
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, 1200, locked.RetryAfterSeconds())
	assert.Equal(t, comparesBefore, env.compares.Load())
	assert.Equal(t, 5, env.account(t, account.ID).FailedLoginCount)
}

func TestLoginClearsLockoutAfterExpiry(t *testing.T) {
	env := newTestEnv(t)
	account := env.register(t, "alice@x.com")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _ = env.service.Login(ctx, "alice@x.com", "Wrong0pass", "")
	}
	require.NotNil(t, env.account(t, account.ID).LockUntil)

	env.clock.Advance(31 * time.Minute)
	_, err := env.service.Login(ctx, "alice@x.com", testPassword, "")
	require.NoError(t, err)

	stored := env.account(t, account.ID)
	assert.Zero(t, stored.FailedLoginCount)
	assert.Nil(t, stored.LockUntil)
}

func TestLoginFailureAfterExpiredLockRelocks(t *testing.T) {
	env := newTestEnv(t)
	account := env.register(t, "alice@x.com")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _ = env.service.Login(ctx, "alice@x.com", "Wrong0pass", "")
	}

	env.clock.Advance(31 * time.Minute)
	_, err := env.service.Login(ctx, "alice@x.com", "Wrong0pass", "")
	var locked ErrLoginLocked
	require.ErrorAs(t, err, &locked)

	stored := env.account(t, account.ID)
	assert.Equal(t, 6, stored.FailedLoginCount)
	assert.Equal(t, env.clock.Now().Add(30*time.Minute), *stored.LockUntil)
}

func TestLoginConcurrentFailuresAreNotLost(t *testing.T) {
	env := newTestEnv(t)
	account := env.register(t, "alice@x.com")
	env.service.WithSecurityConfig(SecurityConfig{MaxAttempts: 50})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = env.service.Login(context.Background(), "alice@x.com", "Wrong0pass", "")
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, env.account(t, account.ID).FailedLoginCount)
}

func TestLoginInactiveAccount(t *testing.T) {
	env := newTestEnv(t)
	account := env.register(t, "alice@x.com")
	env.store.mutate(t, account.ID, func(a *Account) { a.Active = false })

	_, err := env.service.Login(context.Background(), "alice@x.com", testPassword, "")
	require.ErrorIs(t, err, ErrAccountInactive)

	// Wrong passwords on an inactive account still read as bad credentials.
	_, err = env.service.Login(context.Background(), "alice@x.com", "Wrong0pass", "")
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginTimingIsUniform(t *testing.T) {
	env := newTestEnv(t)
	account := env.register(t, "alice@x.com")
	ctx := context.Background()

	before := env.compares.Load()
	_, err := env.service.Login(ctx, "nobody@x.com", testPassword, "")
	require.ErrorIs(t, err, ErrInvalidCredentials)
	assert.Equal(t, before+1, env.compares.Load(), "missing account must run a full comparison")

	before = env.compares.Load()
	_, err = env.service.Login(ctx, "alice@x.com", "Wrong0pass", "")
	require.ErrorIs(t, err, ErrInvalidCredentials)
	assert.Equal(t, before+1, env.compares.Load(), "wrong password must run a full comparison")

	env.store.mutate(t, account.ID, func(a *Account) { a.PasswordHash = "corrupt" })
	before = env.compares.Load()
	_, err = env.service.Login(ctx, "alice@x.com", testPassword, "")
	require.ErrorIs(t, err, ErrInvalidCredentials)
	assert.Equal(t, before+1, env.compares.Load(), "malformed hash must run a full comparison")
}

func TestRefreshIssuesNewPair(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice@x.com")

	login, err := env.service.Login(context.Background(), "alice@x.com", testPassword, "")
	require.NoError(t, err)

	env.clock.Advance(time.Minute)
	tokens, err := env.service.Refresh(context.Background(), login.Tokens.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, login.Tokens.AccessToken, tokens.AccessToken)

	result, err := env.service.VerifyAccess(context.Background(), tokens.AccessToken)
	require.NoError(t, err)
	assert.True(t, result.Valid)

	// Without strict rotation the old refresh token stays usable.
	_, err = env.service.Refresh(context.Background(), login.Tokens.RefreshToken)
	require.NoError(t, err)
}

func TestRefreshFailures(t *testing.T) {
	env := newTestEnv(t)
	account := env.register(t, "alice@x.com")
	login, err := env.service.Login(context.Background(), "alice@x.com", testPassword, "")
	require.NoError(t, err)

	_, err = env.service.Refresh(context.Background(), "garbage")
	require.ErrorIs(t, err, ErrInvalidRefreshToken)

	_, err = env.service.Refresh(context.Background(), login.Tokens.AccessToken)
	require.ErrorIs(t, err, ErrInvalidRefreshToken)

	env.store.mutate(t, account.ID, func(a *Account) { a.Active = false })
	_, err = env.service.Refresh(context.Background(), login.Tokens.RefreshToken)
	require.ErrorIs(t, err, ErrUserInactive)

	env.clock.Advance(8 * 24 * time.Hour)
	_, err = env.service.Refresh(context.Background(), login.Tokens.RefreshToken)
	require.ErrorIs(t, err, ErrInvalidRefreshToken)
}

func TestRefreshStrictRotationRejectsReplay(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice@x.com")
	env.service.WithSecurityConfig(SecurityConfig{StrictRefreshRotation: true})

	login, err := env.service.Login(context.Background(), "alice@x.com", testPassword, "")
	require.NoError(t, err)

	next, err := env.service.Refresh(context.Background(), login.Tokens.RefreshToken)
	require.NoError(t, err)

	_, err = env.service.Refresh(context.Background(), login.Tokens.RefreshToken)
	require.ErrorIs(t, err, ErrInvalidRefreshToken)

	_, err = env.service.Refresh(context.Background(), next.RefreshToken)
	require.NoError(t, err)
}

func TestLogoutRevokesAccessToken(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice@x.com")
	login, err := env.service.Login(context.Background(), "alice@x.com", testPassword, "")
	require.NoError(t, err)

	env.service.Logout(context.Background(), login.Tokens.AccessToken)
	result, err := env.service.VerifyAccess(context.Background(), login.Tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, AccessVerification{Revoked: true}, result)

	// Logout never fails, even for junk.
	env.service.Logout(context.Background(), "garbage")
	env.service.Logout(context.Background(), "")
}

func TestChangePassword(t *testing.T) {
	env := newTestEnv(t)
	account := env.register(t, "alice@x.com")
	ctx := context.Background()
	login, err := env.service.Login(ctx, "alice@x.com", testPassword, "")
	require.NoError(t, err)

	err = env.service.ChangePassword(ctx, account.ID, "Wrong0pass", "N3wPassword", login.Tokens.AccessToken)
	require.ErrorIs(t, err, ErrWrongPassword)

	require.NoError(t, env.service.ChangePassword(ctx, account.ID, testPassword, "N3wPassword", login.Tokens.AccessToken))

	result, err := env.service.VerifyAccess(ctx, login.Tokens.AccessToken)
	require.NoError(t, err)
	assert.True(t, result.Revoked)

	_, err = env.service.Refresh(ctx, login.Tokens.RefreshToken)
	require.ErrorIs(t, err, ErrInvalidRefreshToken, "refresh tokens from before the change are retired")

	_, err = env.service.Login(ctx, "alice@x.com", testPassword, "")
	require.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = env.service.Login(ctx, "alice@x.com", "N3wPassword", "")
	require.NoError(t, err)

	stored := env.account(t, account.ID)
	assert.Zero(t, stored.FailedLoginCount)
}

func TestRequestPasswordResetIsUniform(t *testing.T) {
	env := newTestEnv(t)
	account := env.register(t, "real@x.com")
	ctx := context.Background()

	before := env.store.updates.Load()
	errMissing := env.service.RequestPasswordReset(ctx, "nonexistent@x.com")
	assert.Equal(t, before, env.store.updates.Load(), "unknown email must not touch the store")

	errReal := env.service.RequestPasswordReset(ctx, "real@x.com")
	assert.Equal(t, before+1, env.store.updates.Load())
	assert.Equal(t, errMissing, errReal)
	assert.NoError(t, errReal)

	stored := env.account(t, account.ID)
	assert.Len(t, stored.ResetTokenHash, 64)
	require.NotNil(t, stored.ResetTokenExpiry)
	assert.Equal(t, env.clock.Now().Add(15*time.Minute), *stored.ResetTokenExpiry)

	env.service.Wait()
	resets := env.mailer.resets()
	require.Len(t, resets, 1)
	assert.Equal(t, "real@x.com", resets[0].to)
	assert.True(t, strings.HasPrefix(resets[0].link, "http://localhost:5500/reset-password.html?token="))
	assert.NotContains(t, resets[0].link, stored.ResetTokenHash, "only the hash is stored")
}

func TestResetPassword(t *testing.T) {
	env := newTestEnv(t)
	account := env.register(t, "alice@x.com")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _ = env.service.Login(ctx, "alice@x.com", "Wrong0pass", "")
	}
	require.NotNil(t, env.account(t, account.ID).LockUntil)

	token := env.resetTokenFor(t, "alice@x.com")
	require.NoError(t, env.service.ResetPassword(ctx, token, "R3setPassword"))

	stored := env.account(t, account.ID)
	assert.Zero(t, stored.FailedLoginCount)
	assert.Nil(t, stored.LockUntil)
	assert.Empty(t, stored.ResetTokenHash)
	assert.Nil(t, stored.ResetTokenExpiry)
	assert.Equal(t, int64(1), stored.RefreshGeneration)

	_, err := env.service.Login(ctx, "alice@x.com", "R3setPassword", "")
	require.NoError(t, err)

	err = env.service.ResetPassword(ctx, token, "An0therPassword")
	require.ErrorIs(t, err, ErrInvalidResetToken, "tokens are single use")
}

func TestResetPasswordRejectsExpiredToken(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice@x.com")

	token := env.resetTokenFor(t, "alice@x.com")
	env.clock.Advance(16 * time.Minute)

	err := env.service.ResetPassword(context.Background(), token, "R3setPassword")
	require.ErrorIs(t, err, ErrInvalidResetToken)

	err = env.service.ResetPassword(context.Background(), "", "R3setPassword")
	require.ErrorIs(t, err, ErrInvalidResetToken)
}

func TestUpdateProfile(t *testing.T) {
	env := newTestEnv(t)
	account := env.register(t, "alice@x.com")

	bio := "  gamer  "
	updated, err := env.service.UpdateProfile(context.Background(), account.ID, ProfileUpdate{Bio: &bio})
	require.NoError(t, err)
	assert.Equal(t, "gamer", updated.Bio)
	assert.Equal(t, "alice", updated.Username)

	_, err = env.service.UpdateProfile(context.Background(), "missing", ProfileUpdate{Bio: &bio})
	require.ErrorIs(t, err, ErrAccountNotFound)
}

func TestBootstrapAdminAndUnlock(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.service.BootstrapAdmin(ctx, "", ""))
	require.Error(t, env.service.BootstrapAdmin(ctx, "admin@x.com", ""))

	require.NoError(t, env.service.BootstrapAdmin(ctx, "Admin@x.com", testPassword))
	require.NoError(t, env.service.BootstrapAdmin(ctx, "admin@x.com", "Ignored0pass"))

	admin, err := env.store.FindAccountByEmail(ctx, "admin@x.com")
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, admin.Role)

	user := env.register(t, "alice@x.com")
	for i := 0; i < 5; i++ {
		_, _ = env.service.Login(ctx, "alice@x.com", "Wrong0pass", "")
	}

	unlocked, err := env.service.UnlockAccount(ctx, user.ID)
	require.NoError(t, err)
	assert.Zero(t, unlocked.FailedLoginCount)
	assert.Nil(t, unlocked.LockUntil)

	_, err = env.service.Login(ctx, "alice@x.com", testPassword, "")
	require.NoError(t, err)
}

type failingStore struct {
	*MemoryStore
}

func (failingStore) FindAccountByEmail(context.Context, string) (Account, error) {
	return Account{}, storeFailure("query account by email", errors.New("connection refused"))
}

func TestStoreFailuresPropagate(t *testing.T) {
	env := newTestEnv(t)
	service := NewService(failingStore{NewMemoryStore()}, env.hasher, env.tokens, nil)

	_, err := service.Login(context.Background(), "alice@x.com", testPassword, "")
	require.ErrorIs(t, err, ErrStoreUnavailable)

	_, err = service.Register(context.Background(), "alice@x.com", testPassword, Profile{Username: "alice"})
	require.ErrorIs(t, err, ErrStoreUnavailable)

	err = service.RequestPasswordReset(context.Background(), "alice@x.com")
	require.ErrorIs(t, err, ErrStoreUnavailable)
}
