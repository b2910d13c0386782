// Package redis mirrors live session state into Redis so other nodes can
// observe it. The in-process registry stays authoritative; the mirror is
// best-effort and failures never block token issuance or revocation.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"security-engine/internal/client"
	"security-engine/internal/model"
	"security-engine/internal/util"
)

const (
	sessionDataPrefix  = "session_data:"
	userSessionsPrefix = "user_sessions:"
)

type SessionCache struct {
	client *client.RedisClient
}

func NewSessionCache(client *client.RedisClient) *SessionCache {
	return &SessionCache{client: client}
}

// Store implements session.Mirror.
func (c *SessionCache) Store(session model.Session, ttl time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	payload, err := json.Marshal(session)
	if err != nil {
		util.Error("Failed to encode session for mirror",
			zap.String("user_id", session.UserID),
			zap.Error(err))
		return
	}

	pipe := c.client.Client.Pipeline()
	pipe.Set(ctx, sessionDataPrefix+session.AccessToken, payload, ttl)
	userKey := userSessionsPrefix + session.UserID
	pipe.SAdd(ctx, userKey, session.AccessToken)
	pipe.Expire(ctx, userKey, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("Failed to mirror session",
			zap.String("user_id", session.UserID),
			zap.Error(err))
		return
	}

	util.Debug("Session mirrored",
		zap.String("user_id", session.UserID),
		zap.Duration("ttl", ttl))
}

// Drop implements session.Mirror.
func (c *SessionCache) Drop(accessToken, userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pipe := c.client.Client.Pipeline()
	pipe.Del(ctx, sessionDataPrefix+accessToken)
	pipe.SRem(ctx, userSessionsPrefix+userID, accessToken)
	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("Failed to drop mirrored session",
			zap.String("user_id", userID),
			zap.Error(err))
	}
}

// Lookup reads a mirrored session back. Used by health tooling and other
// nodes; the in-process registry never reads from the mirror.
func (c *SessionCache) Lookup(ctx context.Context, accessToken string) (*model.Session, error) {
	raw, err := c.client.Client.Get(ctx, sessionDataPrefix+accessToken).Bytes()
	if err != nil {
		return nil, fmt.Errorf("failed to read mirrored session: %w", err)
	}

	var session model.Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, fmt.Errorf("failed to decode mirrored session: %w", err)
	}
	return &session, nil
}
