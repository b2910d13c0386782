// Package session owns the mapping from live opaque tokens to session
// records, including expiry scheduling and revocation.
package session

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"security-engine/internal/model"

	"go.uber.org/zap"
)

var ErrSessionNotFound = errors.New("session not found")

// Mirror is an optional write-through view of the registry, e.g. a Redis
// cache other services can inspect. Mirror failures never fail the registry;
// the in-memory state is authoritative.
type Mirror interface {
	Store(session model.Session, ttl time.Duration)
	Drop(accessToken, userID string)
}

type refreshRecord struct {
	userID      string
	scope       []string
	accessToken string
	expiresAt   time.Time
}

type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*model.Session  // access token -> session
	refresh  map[string]*refreshRecord  // refresh token -> record
	byUser   map[string]map[string]bool // user id -> access tokens
	timers   map[string]*time.Timer

	tokenBytes int
	rand       io.Reader
	clock      model.Clock
	mirror     Mirror
	logger     *zap.Logger
}

func NewRegistry(tokenBytes int, rand io.Reader, clock model.Clock, logger *zap.Logger) *Registry {
	if tokenBytes < 16 {
		// 128 bits is the collision floor; never go below it.
		tokenBytes = 16
	}
	return &Registry{
		sessions:   make(map[string]*model.Session),
		refresh:    make(map[string]*refreshRecord),
		byUser:     make(map[string]map[string]bool),
		timers:     make(map[string]*time.Timer),
		tokenBytes: tokenBytes,
		rand:       rand,
		clock:      clock,
		logger:     logger,
	}
}

// SetMirror attaches an optional write-through mirror. Call before serving.
func (r *Registry) SetMirror(m Mirror) {
	r.mirror = m
}

// Issue creates a session with fresh unpredictable tokens, stores it keyed by
// access token, and schedules its expiry removal.
func (r *Registry) Issue(userID string, scope []string, accessTTL, refreshTTL time.Duration) (*model.Session, error) {
	accessToken, err := r.generateToken()
	if err != nil {
		return nil, err
	}
	refreshToken, err := r.generateToken()
	if err != nil {
		return nil, err
	}

	now := r.clock.Now()
	session := &model.Session{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		UserID:       userID,
		Scope:        append([]string(nil), scope...),
		IssuedAt:     now,
		ExpiresAt:    now.Add(accessTTL),
	}

	r.mu.Lock()
	r.sessions[accessToken] = session
	r.refresh[refreshToken] = &refreshRecord{
		userID:      userID,
		scope:       session.Scope,
		accessToken: accessToken,
		expiresAt:   now.Add(refreshTTL),
	}
	if r.byUser[userID] == nil {
		r.byUser[userID] = make(map[string]bool)
	}
	r.byUser[userID][accessToken] = true

	// Active expiry: the timer re-checks against the clock so a fake clock in
	// tests cannot be raced by the wall-clock timer.
	r.timers[accessToken] = time.AfterFunc(accessTTL, func() {
		r.expire(accessToken)
	})
	r.mu.Unlock()

	if r.mirror != nil {
		r.mirror.Store(*session, accessTTL)
	}

	r.logger.Debug("session issued",
		zap.String("user_id", userID),
		zap.Time("expires_at", session.ExpiresAt),
	)

	snapshot := *session
	return &snapshot, nil
}

// Lookup resolves an access token. An expired-but-not-yet-swept session is
// treated as not found and removed.
func (r *Registry) Lookup(accessToken string) (*model.Session, error) {
	r.mu.RLock()
	session, ok := r.sessions[accessToken]
	r.mu.RUnlock()

	if !ok {
		return nil, ErrSessionNotFound
	}
	if !session.ExpiresAt.After(r.clock.Now()) {
		r.Revoke(accessToken)
		return nil, ErrSessionNotFound
	}

	snapshot := *session
	return &snapshot, nil
}

// LookupRefresh resolves a refresh token to its owning user and scope.
func (r *Registry) LookupRefresh(refreshToken string) (userID string, scope []string, accessToken string, err error) {
	r.mu.RLock()
	rec, ok := r.refresh[refreshToken]
	r.mu.RUnlock()

	if !ok {
		return "", nil, "", ErrSessionNotFound
	}
	if !rec.expiresAt.After(r.clock.Now()) {
		r.RevokeRefresh(refreshToken)
		return "", nil, "", ErrSessionNotFound
	}
	return rec.userID, append([]string(nil), rec.scope...), rec.accessToken, nil
}

// RevokeRefresh removes a refresh token from rotation. Idempotent.
func (r *Registry) RevokeRefresh(refreshToken string) {
	r.mu.Lock()
	delete(r.refresh, refreshToken)
	r.mu.Unlock()
}

// Revoke removes a session. Idempotent: revoking an absent token is a no-op.
func (r *Registry) Revoke(accessToken string) {
	r.mu.Lock()
	session, ok := r.sessions[accessToken]
	if ok {
		r.remove(accessToken, session, true)
	}
	r.mu.Unlock()

	if ok && r.mirror != nil {
		r.mirror.Drop(accessToken, session.UserID)
	}
}

// RevokeAllForUser removes every session owned by the user; used on password
// change and account deactivation.
func (r *Registry) RevokeAllForUser(userID string) int {
	r.mu.Lock()
	tokens := make([]string, 0, len(r.byUser[userID]))
	for token := range r.byUser[userID] {
		tokens = append(tokens, token)
	}
	for _, token := range tokens {
		if session, ok := r.sessions[token]; ok {
			r.remove(token, session, true)
		}
	}
	for refreshToken, rec := range r.refresh {
		if rec.userID == userID {
			delete(r.refresh, refreshToken)
		}
	}
	r.mu.Unlock()

	if r.mirror != nil {
		for _, token := range tokens {
			r.mirror.Drop(token, userID)
		}
	}
	if len(tokens) > 0 {
		r.logger.Info("all sessions revoked for user",
			zap.String("user_id", userID),
			zap.Int("count", len(tokens)),
		)
	}
	return len(tokens)
}

// ActiveCount returns the number of live sessions.
func (r *Registry) ActiveCount() int {
	now := r.clock.Now()

	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, s := range r.sessions {
		if s.ExpiresAt.After(now) {
			count++
		}
	}
	return count
}

// SessionsPerUser returns a snapshot of live session counts grouped by user.
func (r *Registry) SessionsPerUser() map[string]int {
	now := r.clock.Now()

	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[string]int)
	for _, s := range r.sessions {
		if s.ExpiresAt.After(now) {
			counts[s.UserID]++
		}
	}
	return counts
}

// expire is the scheduled removal path. It re-checks the deadline so that a
// session refreshed or replaced under the same token is not torn down early.
func (r *Registry) expire(accessToken string) {
	r.mu.Lock()
	session, ok := r.sessions[accessToken]
	if ok && !session.ExpiresAt.After(r.clock.Now()) {
		// Keep the refresh record: its TTL outlives the access token and
		// rotation is how a client recovers from access expiry.
		r.remove(accessToken, session, false)
	} else {
		ok = false
	}
	r.mu.Unlock()

	if ok && r.mirror != nil {
		r.mirror.Drop(accessToken, session.UserID)
	}
}

// remove must be called with the lock held.
func (r *Registry) remove(accessToken string, session *model.Session, dropRefresh bool) {
	delete(r.sessions, accessToken)
	if dropRefresh {
		delete(r.refresh, session.RefreshToken)
	}
	if tokens := r.byUser[session.UserID]; tokens != nil {
		delete(tokens, accessToken)
		if len(tokens) == 0 {
			delete(r.byUser, session.UserID)
		}
	}
	if timer := r.timers[accessToken]; timer != nil {
		timer.Stop()
		delete(r.timers, accessToken)
	}
}

func (r *Registry) generateToken() (string, error) {
	buf := make([]byte, r.tokenBytes)
	if _, err := io.ReadFull(r.rand, buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
