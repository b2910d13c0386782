// Package engine is the composition surface: one facade over authentication,
// authorization, sessions, crypto, audit and detection. Handlers and embedding
// callers talk to this type only.
package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"security-engine/internal/audit"
	"security-engine/internal/authn"
	"security-engine/internal/authz"
	"security-engine/internal/crypto"
	"security-engine/internal/detect"
	"security-engine/internal/event"
	"security-engine/internal/hashing"
	"security-engine/internal/model"
	"security-engine/internal/session"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

var ErrWeakPassword = errors.New("password does not meet minimum length")

const minPasswordLength = 8

type SecurityEngine struct {
	users    model.UserStore
	sessions *session.Registry
	authn    *authn.Manager
	authz    *authz.Resolver
	crypto   *crypto.Service
	hasher   *hashing.Hasher
	ledger   *audit.Ledger
	detector *detect.Engine
	bus      *event.Bus
	clock    model.Clock
	logger   *zap.Logger
}

func New(
	users model.UserStore,
	sessions *session.Registry,
	authnMgr *authn.Manager,
	authzRes *authz.Resolver,
	cryptoSvc *crypto.Service,
	hasher *hashing.Hasher,
	ledger *audit.Ledger,
	detector *detect.Engine,
	bus *event.Bus,
	clock model.Clock,
	logger *zap.Logger,
) *SecurityEngine {
	return &SecurityEngine{
		users:    users,
		sessions: sessions,
		authn:    authnMgr,
		authz:    authzRes,
		crypto:   cryptoSvc,
		hasher:   hasher,
		ledger:   ledger,
		detector: detector,
		bus:      bus,
		clock:    clock,
		logger:   logger,
	}
}

// Start launches background detection. Stop is its counterpart.
func (e *SecurityEngine) Start() { e.detector.Start() }
func (e *SecurityEngine) Stop()  { e.detector.Stop() }

// -------------------- authentication --------------------

func (e *SecurityEngine) Authenticate(ctx context.Context, creds authn.Credentials) (*model.Session, error) {
	return e.authn.Authenticate(ctx, creds)
}

func (e *SecurityEngine) RefreshToken(ctx context.Context, refreshToken string) (*model.Session, error) {
	return e.authn.RefreshToken(ctx, refreshToken)
}

func (e *SecurityEngine) Logout(accessToken string) {
	e.authn.Logout(accessToken)
}

func (e *SecurityEngine) ChangePassword(ctx context.Context, userID, current, next string) error {
	if len(next) < minPasswordLength {
		return ErrWeakPassword
	}
	return e.authn.ChangePassword(ctx, userID, current, next)
}

func (e *SecurityEngine) EnrollMFA(ctx context.Context, userID string) (string, error) {
	return e.authn.EnrollMFA(ctx, userID)
}

func (e *SecurityEngine) DisableMFA(ctx context.Context, userID string) error {
	return e.authn.DisableMFA(ctx, userID)
}

// ValidateSession resolves an access token to its live session.
func (e *SecurityEngine) ValidateSession(accessToken string) (*model.Session, error) {
	return e.sessions.Lookup(accessToken)
}

// -------------------- authorization --------------------

func (e *SecurityEngine) RegisterPermission(p model.Permission) {
	e.authz.RegisterPermission(p)
}

func (e *SecurityEngine) RegisterRole(role model.Role) {
	e.authz.RegisterRole(role)
}

// CheckAccess answers for a live access token; denials are recorded.
func (e *SecurityEngine) CheckAccess(ctx context.Context, accessToken, resource, action string) bool {
	return e.authz.CheckAccess(ctx, accessToken, resource, action)
}

// HasPermission answers for a user directly, bypassing session state.
func (e *SecurityEngine) HasPermission(ctx context.Context, userID, resource, action string) bool {
	return e.authz.HasPermission(ctx, userID, resource, action)
}

// -------------------- encryption --------------------

func (e *SecurityEngine) Encrypt(plaintext []byte) (ciphertext, iv, tag []byte, err error) {
	return e.crypto.Encrypt(plaintext)
}

func (e *SecurityEngine) Decrypt(ciphertext, iv, tag []byte) ([]byte, error) {
	return e.crypto.Decrypt(ciphertext, iv, tag)
}

// -------------------- user lifecycle --------------------

// CreateUser provisions an account with a hashed credential. Role and
// permission assignments may reference ids registered with the resolver.
func (e *SecurityEngine) CreateUser(ctx context.Context, username, email, password string, roleIDs []string) (*model.User, error) {
	if len(password) < minPasswordLength {
		return nil, ErrWeakPassword
	}

	hash, err := e.hasher.Hash(password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash credential: %w", err)
	}

	now := e.clock.Now()
	user := &model.User{
		UserID:             uuid.New().String(),
		Username:           username,
		Email:              email,
		PasswordHash:       hash,
		RoleIDs:            append([]string(nil), roleIDs...),
		Metadata:           map[string]string{},
		CreatedAt:          now,
		UpdatedAt:          now,
		LastPasswordChange: now,
	}

	if err := e.users.Persist(ctx, user); err != nil {
		return nil, err
	}

	e.bus.PublishAudit(model.AuditLogEntry{
		UserID:   user.UserID,
		Action:   "user_create",
		Resource: "users",
		Result:   model.AuditSuccess,
		Details:  map[string]string{"username": username},
	})

	e.logger.Info("user created",
		zap.String("user_id", user.UserID),
		zap.String("username", username),
	)
	return user.Clone(), nil
}

// NewUser describes an account to provision through CreateUsers.
type NewUser struct {
	Username string
	Email    string
	Password string
	RoleIDs  []string
}

// CreateUsers provisions a batch of accounts concurrently. Hashing dominates
// the cost of each creation, so the batch is bounded rather than unbounded.
// The first failure cancels the remaining work; results hold the users that
// were created, in input order, with nil slots for any that were not.
func (e *SecurityEngine) CreateUsers(ctx context.Context, specs []NewUser) ([]*model.User, error) {
	results := make([]*model.User, len(specs))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, spec := range specs {
		i, spec := i, spec
		g.Go(func() error {
			user, err := e.CreateUser(ctx, spec.Username, spec.Email, spec.Password, spec.RoleIDs)
			if err != nil {
				return fmt.Errorf("create %q: %w", spec.Username, err)
			}
			results[i] = user
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// UpdateUser applies the mutation under the store's persistence and records
// the change.
func (e *SecurityEngine) UpdateUser(ctx context.Context, userID string, mutate func(*model.User)) (*model.User, error) {
	user, err := e.users.FindByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	mutate(user)
	user.UserID = userID
	user.UpdatedAt = e.clock.Now()

	if err := e.users.Persist(ctx, user); err != nil {
		return nil, err
	}

	e.bus.PublishAudit(model.AuditLogEntry{
		UserID:   userID,
		Action:   "user_update",
		Resource: "users",
		Result:   model.AuditSuccess,
	})
	return user.Clone(), nil
}

// DeleteUser removes the account and revokes every live session it holds.
func (e *SecurityEngine) DeleteUser(ctx context.Context, userID string) error {
	if err := e.users.Delete(ctx, userID); err != nil {
		return err
	}

	revoked := e.sessions.RevokeAllForUser(userID)

	e.bus.PublishAudit(model.AuditLogEntry{
		UserID:   userID,
		Action:   "user_delete",
		Resource: "users",
		Result:   model.AuditSuccess,
		Details:  map[string]string{"sessions_revoked": fmt.Sprintf("%d", revoked)},
	})

	e.logger.Info("user deleted",
		zap.String("user_id", userID),
		zap.Int("sessions_revoked", revoked),
	)
	return nil
}

func (e *SecurityEngine) GetUser(ctx context.Context, userID string) (*model.User, error) {
	return e.users.FindByID(ctx, userID)
}

// -------------------- observation --------------------

func (e *SecurityEngine) GetActiveThreats() []model.Threat {
	return e.ledger.ActiveThreats()
}

func (e *SecurityEngine) ResolveThreat(threatID string, status model.ThreatStatus) bool {
	ok := e.ledger.ResolveThreat(threatID, status)
	if ok {
		e.bus.PublishAudit(model.AuditLogEntry{
			Action:   "threat_resolve",
			Resource: "threats",
			Result:   model.AuditSuccess,
			Details:  map[string]string{"threat_id": threatID, "status": string(status)},
		})
	}
	return ok
}

func (e *SecurityEngine) GetAuditLogs(limit int) []model.AuditLogEntry {
	return e.ledger.Audits(limit)
}

func (e *SecurityEngine) GetSecurityEvents(limit int) []model.SecurityEvent {
	return e.ledger.Events(limit)
}

// GetSecurityMetrics derives a point-in-time posture snapshot. The compliance
// score starts at 100, loses 10 per unresolved threat and up to 50
// proportionally to the share of users without MFA, floored at zero.
func (e *SecurityEngine) GetSecurityMetrics(ctx context.Context) (*model.SecurityMetrics, error) {
	users, err := e.users.All(ctx)
	if err != nil {
		return nil, err
	}

	withoutMFA := 0
	for _, u := range users {
		if !u.MFAEnabled {
			withoutMFA++
		}
	}

	failed, successful := e.ledger.LoginCounters()
	activeThreats := len(e.ledger.ActiveThreats())

	score := 100.0
	score -= 10.0 * float64(activeThreats)
	if len(users) > 0 {
		score -= 50.0 * float64(withoutMFA) / float64(len(users))
	}
	if score < 0 {
		score = 0
	}

	return &model.SecurityMetrics{
		TotalUsers:       len(users),
		ActiveSessions:   e.sessions.ActiveCount(),
		FailedLogins:     failed,
		SuccessfulLogins: successful,
		ActiveThreats:    activeThreats,
		AuditVolume:      e.ledger.AuditVolume(),
		ComplianceScore:  score,
		GeneratedAt:      e.clock.Now(),
	}, nil
}
