// Package authn orchestrates credential and MFA verification, lockout
// bookkeeping, and session issuance.
package authn

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"security-engine/internal/crypto"
	"security-engine/internal/event"
	"security-engine/internal/hashing"
	"security-engine/internal/model"
	"security-engine/internal/session"

	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountLocked      = errors.New("account locked")
	ErrMFARequired        = errors.New("mfa code required")
	ErrInvalidMFA         = errors.New("invalid mfa code")
)

// Options carries the lockout and session lifetime tunables.
type Options struct {
	MaxLoginAttempts int
	LockoutDuration  time.Duration
	AccessTokenTTL   time.Duration
	RefreshTokenTTL  time.Duration
	Issuer           string // otpauth issuer for MFA enrollment
}

// Credentials identifies an authentication attempt. IP and UserAgent feed the
// audit trail and threat detection.
type Credentials struct {
	Identifier string
	Credential string
	MFACode    string
	IPAddress  string
	UserAgent  string
}

type Manager struct {
	users    model.UserStore
	sessions *session.Registry
	hasher   *hashing.Hasher
	crypto   *crypto.Service
	bus      *event.Bus
	clock    model.Clock
	opts     Options
	logger   *zap.Logger

	// Per-user mutual exclusion makes lockout bookkeeping atomic under
	// concurrent attempts for the same account.
	locksMu   sync.Mutex
	userLocks map[string]*sync.Mutex
}

func NewManager(
	users model.UserStore,
	sessions *session.Registry,
	hasher *hashing.Hasher,
	cryptoSvc *crypto.Service,
	bus *event.Bus,
	clock model.Clock,
	opts Options,
	logger *zap.Logger,
) *Manager {
	if opts.MaxLoginAttempts <= 0 {
		opts.MaxLoginAttempts = 5
	}
	if opts.LockoutDuration <= 0 {
		opts.LockoutDuration = 15 * time.Minute
	}
	if opts.AccessTokenTTL <= 0 {
		opts.AccessTokenTTL = time.Hour
	}
	if opts.RefreshTokenTTL <= 0 {
		opts.RefreshTokenTTL = 7 * 24 * time.Hour
	}
	if opts.Issuer == "" {
		opts.Issuer = "security-engine"
	}
	return &Manager{
		users:     users,
		sessions:  sessions,
		hasher:    hasher,
		crypto:    cryptoSvc,
		bus:       bus,
		clock:     clock,
		opts:      opts,
		logger:    logger,
		userLocks: make(map[string]*sync.Mutex),
	}
}

// Authenticate runs the full verification sequence: user resolution, lockout
// check, credential verification, MFA, then session issuance. A missing user
// surfaces as ErrInvalidCredentials so callers cannot enumerate accounts.
func (m *Manager) Authenticate(ctx context.Context, creds Credentials) (*model.Session, error) {
	user, err := m.users.FindByIdentifier(ctx, creds.Identifier)
	if err != nil {
		if errors.Is(err, model.ErrUserNotFound) {
			m.publishLogin("", creds, "invalid_credentials", map[string]string{"cause": "unknown_identifier"})
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("credential store lookup: %w", err)
	}

	unlock := m.lockUser(user.UserID)
	defer unlock()

	// Re-read under the lock so concurrent attempts observe each other's
	// bookkeeping.
	user, err = m.users.FindByID(ctx, user.UserID)
	if err != nil {
		return nil, fmt.Errorf("credential store lookup: %w", err)
	}

	now := m.clock.Now()
	if user.LockedUntil != nil && user.LockedUntil.After(now) {
		m.publishLogin(user.UserID, creds, "account_locked", map[string]string{
			"locked_until": user.LockedUntil.Format(time.RFC3339),
		})
		return nil, fmt.Errorf("%w until %s", ErrAccountLocked, user.LockedUntil.Format(time.RFC3339))
	}

	ok, err := m.hasher.Verify(creds.Credential, user.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("credential verification: %w", err)
	}
	if !ok {
		if err := m.registerFailure(ctx, user, creds); err != nil {
			return nil, err
		}
		return nil, ErrInvalidCredentials
	}

	if user.MFAEnabled {
		if creds.MFACode == "" {
			// A second round-trip, not a failure: no attempt penalty.
			m.publishLogin(user.UserID, creds, "mfa_required", nil)
			return nil, ErrMFARequired
		}
		valid, err := m.verifyTOTP(user, creds.MFACode)
		if err != nil {
			return nil, err
		}
		if !valid {
			if err := m.registerFailure(ctx, user, creds); err != nil {
				return nil, err
			}
			return nil, ErrInvalidMFA
		}
	}

	user.LoginAttempts = 0
	user.LockedUntil = nil
	user.LastLogin = &now
	user.UpdatedAt = now
	if err := m.users.Persist(ctx, user); err != nil {
		return nil, fmt.Errorf("failed to persist login state: %w", err)
	}

	sess, err := m.sessions.Issue(user.UserID, user.PermissionIDs, m.opts.AccessTokenTTL, m.opts.RefreshTokenTTL)
	if err != nil {
		return nil, err
	}
	sess.IPAddress = creds.IPAddress
	sess.UserAgent = creds.UserAgent

	m.publishLogin(user.UserID, creds, "success", nil)
	m.logger.Info("user authenticated",
		zap.String("user_id", user.UserID),
		zap.Bool("mfa", user.MFAEnabled),
	)
	return sess, nil
}

// RefreshToken rotates a session: the old access session and refresh token
// are revoked, and a new session is issued.
func (m *Manager) RefreshToken(ctx context.Context, refreshToken string) (*model.Session, error) {
	userID, scope, oldAccessToken, err := m.sessions.LookupRefresh(refreshToken)
	if err != nil {
		return nil, err
	}

	m.sessions.Revoke(oldAccessToken)
	m.sessions.RevokeRefresh(refreshToken)

	sess, err := m.sessions.Issue(userID, scope, m.opts.AccessTokenTTL, m.opts.RefreshTokenTTL)
	if err != nil {
		return nil, err
	}

	m.bus.PublishAudit(model.AuditLogEntry{
		UserID:    userID,
		Action:    "token_refresh",
		Resource:  "session",
		Result:    model.AuditSuccess,
		SessionID: sess.AccessToken,
	})
	return sess, nil
}

// Logout revokes the session behind an access token. Idempotent: an unknown
// or already-revoked token is a no-op.
func (m *Manager) Logout(accessToken string) {
	sess, err := m.sessions.Lookup(accessToken)
	if err != nil {
		return
	}

	m.sessions.Revoke(accessToken)
	m.bus.PublishEvent(model.SecurityEvent{
		Type:     model.EventLogout,
		Severity: model.SeverityLow,
		UserID:   sess.UserID,
		Details:  map[string]string{"result": "success"},
	})
}

// ChangePassword verifies the current credential, installs the new hash, and
// revokes every session the user holds.
func (m *Manager) ChangePassword(ctx context.Context, userID, current, next string) error {
	unlock := m.lockUser(userID)
	defer unlock()

	user, err := m.users.FindByID(ctx, userID)
	if err != nil {
		return err
	}

	ok, err := m.hasher.Verify(current, user.PasswordHash)
	if err != nil {
		return fmt.Errorf("credential verification: %w", err)
	}
	if !ok {
		return ErrInvalidCredentials
	}

	hash, err := m.hasher.Hash(next)
	if err != nil {
		return err
	}

	now := m.clock.Now()
	user.PasswordHash = hash
	user.LastPasswordChange = now
	user.UpdatedAt = now
	if err := m.users.Persist(ctx, user); err != nil {
		return fmt.Errorf("failed to persist password change: %w", err)
	}

	m.sessions.RevokeAllForUser(userID)
	m.bus.PublishAudit(model.AuditLogEntry{
		UserID:   userID,
		Action:   "password_change",
		Resource: "credentials",
		Result:   model.AuditSuccess,
	})
	return nil
}

// EnrollMFA provisions a TOTP secret for the user, stores it encrypted, and
// returns the otpauth provisioning URL.
func (m *Manager) EnrollMFA(ctx context.Context, userID string) (provisioningURL string, err error) {
	unlock := m.lockUser(userID)
	defer unlock()

	user, err := m.users.FindByID(ctx, userID)
	if err != nil {
		return "", err
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      m.opts.Issuer,
		AccountName: user.Username,
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate TOTP secret: %w", err)
	}

	sealed, err := m.sealSecret(key.Secret())
	if err != nil {
		return "", err
	}

	user.MFAEnabled = true
	user.MFASecret = sealed
	user.UpdatedAt = m.clock.Now()
	if err := m.users.Persist(ctx, user); err != nil {
		return "", fmt.Errorf("failed to persist MFA enrollment: %w", err)
	}

	m.bus.PublishAudit(model.AuditLogEntry{
		UserID:   userID,
		Action:   "mfa_enroll",
		Resource: "credentials",
		Result:   model.AuditSuccess,
	})
	return key.URL(), nil
}

// DisableMFA clears the user's MFA enrollment.
func (m *Manager) DisableMFA(ctx context.Context, userID string) error {
	unlock := m.lockUser(userID)
	defer unlock()

	user, err := m.users.FindByID(ctx, userID)
	if err != nil {
		return err
	}

	user.MFAEnabled = false
	user.MFASecret = ""
	user.UpdatedAt = m.clock.Now()
	if err := m.users.Persist(ctx, user); err != nil {
		return fmt.Errorf("failed to persist MFA removal: %w", err)
	}

	m.bus.PublishAudit(model.AuditLogEntry{
		UserID:   userID,
		Action:   "mfa_disable",
		Resource: "credentials",
		Result:   model.AuditSuccess,
	})
	return nil
}

// registerFailure applies the lockout bookkeeping shared by bad-credential
// and bad-MFA outcomes. Caller holds the per-user lock.
func (m *Manager) registerFailure(ctx context.Context, user *model.User, creds Credentials) error {
	user.LoginAttempts++
	details := map[string]string{"attempts": fmt.Sprintf("%d", user.LoginAttempts)}

	if user.LoginAttempts >= m.opts.MaxLoginAttempts {
		lockedUntil := m.clock.Now().Add(m.opts.LockoutDuration)
		user.LockedUntil = &lockedUntil
		details["locked_until"] = lockedUntil.Format(time.RFC3339)
		m.logger.Warn("account locked after repeated failures",
			zap.String("user_id", user.UserID),
			zap.Int("attempts", user.LoginAttempts),
			zap.Time("locked_until", lockedUntil),
		)
	}

	user.UpdatedAt = m.clock.Now()
	if err := m.users.Persist(ctx, user); err != nil {
		return fmt.Errorf("failed to persist lockout state: %w", err)
	}

	m.publishLogin(user.UserID, creds, "invalid_credentials", details)
	return nil
}

func (m *Manager) publishLogin(userID string, creds Credentials, result string, extra map[string]string) {
	details := map[string]string{"result": result}
	for k, v := range extra {
		details[k] = v
	}

	severity := model.SeverityLow
	if result != "success" {
		severity = model.SeverityMedium
	}

	m.bus.PublishEvent(model.SecurityEvent{
		Type:      model.EventLogin,
		Severity:  severity,
		UserID:    userID,
		Details:   details,
		IPAddress: creds.IPAddress,
		UserAgent: creds.UserAgent,
	})
}

func (m *Manager) verifyTOTP(user *model.User, code string) (bool, error) {
	secret, err := m.openSecret(user.MFASecret)
	if err != nil {
		return false, err
	}
	return totp.ValidateCustom(code, secret, m.clock.Now(), totp.ValidateOpts{
		Period: 30,
		Skew:   1,
		Digits: 6,
	})
}

// sealSecret encrypts a TOTP secret for at-rest storage as iv.ciphertext.tag.
func (m *Manager) sealSecret(secret string) (string, error) {
	ciphertext, iv, tag, err := m.crypto.Encrypt([]byte(secret))
	if err != nil {
		return "", err
	}
	return strings.Join([]string{
		base64.RawStdEncoding.EncodeToString(iv),
		base64.RawStdEncoding.EncodeToString(ciphertext),
		base64.RawStdEncoding.EncodeToString(tag),
	}, "."), nil
}

func (m *Manager) openSecret(sealed string) (string, error) {
	parts := strings.Split(sealed, ".")
	if len(parts) != 3 {
		return "", fmt.Errorf("%w: malformed sealed secret", crypto.ErrEncryption)
	}
	iv, err := base64.RawStdEncoding.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("%w: %v", crypto.ErrEncryption, err)
	}
	ciphertext, err := base64.RawStdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("%w: %v", crypto.ErrEncryption, err)
	}
	tag, err := base64.RawStdEncoding.DecodeString(parts[2])
	if err != nil {
		return "", fmt.Errorf("%w: %v", crypto.ErrEncryption, err)
	}
	secret, err := m.crypto.Decrypt(ciphertext, iv, tag)
	if err != nil {
		return "", err
	}
	return string(secret), nil
}

func (m *Manager) lockUser(userID string) func() {
	m.locksMu.Lock()
	lock, ok := m.userLocks[userID]
	if !ok {
		lock = &sync.Mutex{}
		m.userLocks[userID] = lock
	}
	m.locksMu.Unlock()

	lock.Lock()
	return lock.Unlock
}
