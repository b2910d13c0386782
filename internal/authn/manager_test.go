package authn

import (
	"context"
	cryptorand "crypto/rand"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"security-engine/internal/crypto"
	"security-engine/internal/event"
	"security-engine/internal/hashing"
	"security-engine/internal/model"
	"security-engine/internal/session"
	"security-engine/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []model.SecurityEvent
}

func (r *eventRecorder) OnSecurityEvent(ev model.SecurityEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) lastResult() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return ""
	}
	return r.events[len(r.events)-1].Details["result"]
}

type fixture struct {
	users    *store.MemoryStore
	sessions *session.Registry
	manager  *Manager
	recorder *eventRecorder
	clock    *fakeClock
	hasher   *hashing.Hasher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clock := newFakeClock()
	users := store.NewMemoryStore()
	sessions := session.NewRegistry(32, cryptorand.Reader, clock, zap.NewNop())
	hasher := hashing.NewHasher(hashing.Argon2Params{
		Memory: 8 * 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32,
	})

	key := make([]byte, 32)
	cryptoSvc, err := crypto.NewService(key, cryptorand.Reader)
	require.NoError(t, err)

	bus := event.NewBus(zap.NewNop())
	recorder := &eventRecorder{}
	bus.SubscribeEvents(recorder)

	manager := NewManager(users, sessions, hasher, cryptoSvc, bus, clock, Options{
		MaxLoginAttempts: 5,
		LockoutDuration:  15 * time.Minute,
		AccessTokenTTL:   time.Hour,
		RefreshTokenTTL:  7 * 24 * time.Hour,
	}, zap.NewNop())

	return &fixture{
		users:    users,
		sessions: sessions,
		manager:  manager,
		recorder: recorder,
		clock:    clock,
		hasher:   hasher,
	}
}

func (f *fixture) addUser(t *testing.T, userID, username, password string) {
	t.Helper()
	hash, err := f.hasher.Hash(password)
	require.NoError(t, err)
	err = f.users.Persist(context.Background(), &model.User{
		UserID:        userID,
		Username:      username,
		Email:         username + "@example.com",
		PasswordHash:  hash,
		PermissionIDs: []string{"perm-base"},
	})
	require.NoError(t, err)
}

func TestAuthenticateSuccess(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "user-1", "alice", "hunter22!pass")

	sess, err := f.manager.Authenticate(context.Background(), Credentials{
		Identifier: "alice",
		Credential: "hunter22!pass",
		IPAddress:  "10.0.0.1",
	})
	require.NoError(t, err)
	assert.Equal(t, "user-1", sess.UserID)
	assert.Equal(t, []string{"perm-base"}, sess.Scope)
	assert.Equal(t, "10.0.0.1", sess.IPAddress)
	assert.Equal(t, "success", f.recorder.lastResult())

	user, err := f.users.FindByID(context.Background(), "user-1")
	require.NoError(t, err)
	require.NotNil(t, user.LastLogin)
	assert.Equal(t, f.clock.Now(), *user.LastLogin)
}

func TestAuthenticateByEmail(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "user-1", "alice", "hunter22!pass")

	sess, err := f.manager.Authenticate(context.Background(), Credentials{
		Identifier: "alice@example.com",
		Credential: "hunter22!pass",
	})
	require.NoError(t, err)
	assert.Equal(t, "user-1", sess.UserID)
}

func TestAuthenticateUnknownIdentifier(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.Authenticate(context.Background(), Credentials{
		Identifier: "nobody",
		Credential: "whatever",
	})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.Equal(t, "invalid_credentials", f.recorder.lastResult())
}

func TestAuthenticateWrongPassword(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "user-1", "alice", "hunter22!pass")

	_, err := f.manager.Authenticate(context.Background(), Credentials{
		Identifier: "alice",
		Credential: "wrong",
	})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	user, err := f.users.FindByID(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, user.LoginAttempts)
	assert.Nil(t, user.LockedUntil)
}

func TestLockoutAfterMaxAttempts(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "user-1", "alice", "hunter22!pass")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := f.manager.Authenticate(ctx, Credentials{Identifier: "alice", Credential: "wrong"})
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	}

	user, err := f.users.FindByID(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, user.LockedUntil)
	assert.Equal(t, f.clock.Now().Add(15*time.Minute), *user.LockedUntil)

	// Even the correct password is rejected while locked.
	_, err = f.manager.Authenticate(ctx, Credentials{Identifier: "alice", Credential: "hunter22!pass"})
	assert.ErrorIs(t, err, ErrAccountLocked)
	assert.Equal(t, "account_locked", f.recorder.lastResult())
}

func TestLockoutExpires(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "user-1", "alice", "hunter22!pass")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _ = f.manager.Authenticate(ctx, Credentials{Identifier: "alice", Credential: "wrong"})
	}

	f.clock.Advance(15*time.Minute + time.Second)

	sess, err := f.manager.Authenticate(ctx, Credentials{Identifier: "alice", Credential: "hunter22!pass"})
	require.NoError(t, err)
	assert.Equal(t, "user-1", sess.UserID)

	// Success resets the failure bookkeeping.
	user, err := f.users.FindByID(ctx, "user-1")
	require.NoError(t, err)
	assert.Zero(t, user.LoginAttempts)
	assert.Nil(t, user.LockedUntil)
}

func TestSuccessResetsAttemptCounter(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "user-1", "alice", "hunter22!pass")
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, _ = f.manager.Authenticate(ctx, Credentials{Identifier: "alice", Credential: "wrong"})
	}
	_, err := f.manager.Authenticate(ctx, Credentials{Identifier: "alice", Credential: "hunter22!pass"})
	require.NoError(t, err)

	// Four more failures must not lock, since the counter restarted.
	for i := 0; i < 4; i++ {
		_, err = f.manager.Authenticate(ctx, Credentials{Identifier: "alice", Credential: "wrong"})
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	}
	user, err := f.users.FindByID(ctx, "user-1")
	require.NoError(t, err)
	assert.Nil(t, user.LockedUntil)
}

func enrollAndExtractSecret(t *testing.T, f *fixture, userID string) string {
	t.Helper()
	provisioningURL, err := f.manager.EnrollMFA(context.Background(), userID)
	require.NoError(t, err)

	parsed, err := url.Parse(provisioningURL)
	require.NoError(t, err)
	secret := parsed.Query().Get("secret")
	require.NotEmpty(t, secret)
	return secret
}

func TestMFARequiredAndAccepted(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "user-1", "alice", "hunter22!pass")
	ctx := context.Background()

	secret := enrollAndExtractSecret(t, f, "user-1")

	// Correct password without a code is a half-open door, not a failure.
	_, err := f.manager.Authenticate(ctx, Credentials{Identifier: "alice", Credential: "hunter22!pass"})
	assert.ErrorIs(t, err, ErrMFARequired)

	user, err := f.users.FindByID(ctx, "user-1")
	require.NoError(t, err)
	assert.Zero(t, user.LoginAttempts)

	code, err := totp.GenerateCode(secret, f.clock.Now())
	require.NoError(t, err)

	sess, err := f.manager.Authenticate(ctx, Credentials{
		Identifier: "alice",
		Credential: "hunter22!pass",
		MFACode:    code,
	})
	require.NoError(t, err)
	assert.Equal(t, "user-1", sess.UserID)
}

func TestMFAWrongCodeCountsAsFailure(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "user-1", "alice", "hunter22!pass")
	ctx := context.Background()

	enrollAndExtractSecret(t, f, "user-1")

	_, err := f.manager.Authenticate(ctx, Credentials{
		Identifier: "alice",
		Credential: "hunter22!pass",
		MFACode:    "000000",
	})
	assert.ErrorIs(t, err, ErrInvalidMFA)

	user, err := f.users.FindByID(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, user.LoginAttempts)
}

func TestDisableMFA(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "user-1", "alice", "hunter22!pass")
	ctx := context.Background()

	enrollAndExtractSecret(t, f, "user-1")
	require.NoError(t, f.manager.DisableMFA(ctx, "user-1"))

	sess, err := f.manager.Authenticate(ctx, Credentials{Identifier: "alice", Credential: "hunter22!pass"})
	require.NoError(t, err)
	assert.Equal(t, "user-1", sess.UserID)

	user, err := f.users.FindByID(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, user.MFAEnabled)
	assert.Empty(t, user.MFASecret)
}

func TestMFASecretStoredEncrypted(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "user-1", "alice", "hunter22!pass")

	secret := enrollAndExtractSecret(t, f, "user-1")

	user, err := f.users.FindByID(context.Background(), "user-1")
	require.NoError(t, err)
	assert.True(t, user.MFAEnabled)
	assert.NotEmpty(t, user.MFASecret)
	assert.NotContains(t, user.MFASecret, secret)
}

func TestRefreshTokenRotation(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "user-1", "alice", "hunter22!pass")
	ctx := context.Background()

	sess, err := f.manager.Authenticate(ctx, Credentials{Identifier: "alice", Credential: "hunter22!pass"})
	require.NoError(t, err)

	rotated, err := f.manager.RefreshToken(ctx, sess.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "user-1", rotated.UserID)
	assert.Equal(t, sess.Scope, rotated.Scope)
	assert.NotEqual(t, sess.AccessToken, rotated.AccessToken)
	assert.NotEqual(t, sess.RefreshToken, rotated.RefreshToken)

	// The old pair is dead after rotation.
	_, err = f.sessions.Lookup(sess.AccessToken)
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
	_, err = f.manager.RefreshToken(ctx, sess.RefreshToken)
	assert.ErrorIs(t, err, session.ErrSessionNotFound)

	_, err = f.sessions.Lookup(rotated.AccessToken)
	assert.NoError(t, err)
}

func TestRefreshAfterAccessExpiry(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "user-1", "alice", "hunter22!pass")
	ctx := context.Background()

	sess, err := f.manager.Authenticate(ctx, Credentials{Identifier: "alice", Credential: "hunter22!pass"})
	require.NoError(t, err)

	f.clock.Advance(2 * time.Hour)

	rotated, err := f.manager.RefreshToken(ctx, sess.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "user-1", rotated.UserID)
}

func TestLogout(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "user-1", "alice", "hunter22!pass")
	ctx := context.Background()

	sess, err := f.manager.Authenticate(ctx, Credentials{Identifier: "alice", Credential: "hunter22!pass"})
	require.NoError(t, err)

	f.manager.Logout(sess.AccessToken)
	_, err = f.sessions.Lookup(sess.AccessToken)
	assert.ErrorIs(t, err, session.ErrSessionNotFound)

	// Unknown token logout is silent.
	f.manager.Logout("never-issued")
}

func TestChangePasswordRevokesSessions(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "user-1", "alice", "hunter22!pass")
	ctx := context.Background()

	sess, err := f.manager.Authenticate(ctx, Credentials{Identifier: "alice", Credential: "hunter22!pass"})
	require.NoError(t, err)

	err = f.manager.ChangePassword(ctx, "user-1", "hunter22!pass", "new-password-9")
	require.NoError(t, err)

	_, err = f.sessions.Lookup(sess.AccessToken)
	assert.ErrorIs(t, err, session.ErrSessionNotFound)

	_, err = f.manager.Authenticate(ctx, Credentials{Identifier: "alice", Credential: "hunter22!pass"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	relogin, err := f.manager.Authenticate(ctx, Credentials{Identifier: "alice", Credential: "new-password-9"})
	require.NoError(t, err)
	assert.Equal(t, "user-1", relogin.UserID)
}

func TestChangePasswordRejectsWrongCurrent(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "user-1", "alice", "hunter22!pass")

	err := f.manager.ChangePassword(context.Background(), "user-1", "wrong", "new-password-9")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}
