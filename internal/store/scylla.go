package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"security-engine/internal/config"
	"security-engine/internal/model"
	"security-engine/internal/util"

	"github.com/gocql/gocql"
	"go.uber.org/zap"
)

// ScyllaStore is the durable UserStore. Schema:
//
//	users            (user_id text PRIMARY KEY, ...)
//	users_by_ident   (identifier text PRIMARY KEY, user_id text)
//
// Identifier rows exist for both username and email so FindByIdentifier is a
// single partition read either way.
type ScyllaStore struct {
	session *gocql.Session
	cfg     *config.ScyllaConfig
}

func NewScyllaStore(cfg *config.Config) (*ScyllaStore, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Hosts...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        time.Second,
		Max:        10 * time.Second,
		NumRetries: 3,
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	util.Info("Scylla user store initialized",
		zap.Strings("hosts", scyllaConfig.Hosts),
		zap.String("keyspace", scyllaConfig.Keyspace),
	)

	return &ScyllaStore{session: session, cfg: &scyllaConfig}, nil
}

const userColumns = `user_id, username, email, password_hash, role_ids, permission_ids,
	mfa_enabled, mfa_secret, login_attempts, locked_until, last_login, metadata,
	created_at, updated_at, last_password_change`

func (s *ScyllaStore) FindByIdentifier(ctx context.Context, identifier string) (*model.User, error) {
	var userID string
	err := s.session.Query(
		`SELECT user_id FROM users_by_ident WHERE identifier = ?`,
		strings.ToLower(identifier),
	).WithContext(ctx).Scan(&userID)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, model.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve identifier: %w", err)
	}
	return s.FindByID(ctx, userID)
}

func (s *ScyllaStore) FindByID(ctx context.Context, userID string) (*model.User, error) {
	user := &model.User{}
	var lockedUntil, lastLogin time.Time

	err := s.session.Query(
		`SELECT `+userColumns+` FROM users WHERE user_id = ?`, userID,
	).WithContext(ctx).Scan(
		&user.UserID, &user.Username, &user.Email, &user.PasswordHash,
		&user.RoleIDs, &user.PermissionIDs, &user.MFAEnabled, &user.MFASecret,
		&user.LoginAttempts, &lockedUntil, &lastLogin, &user.Metadata,
		&user.CreatedAt, &user.UpdatedAt, &user.LastPasswordChange,
	)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, model.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	if !lockedUntil.IsZero() {
		user.LockedUntil = &lockedUntil
	}
	if !lastLogin.IsZero() {
		user.LastLogin = &lastLogin
	}
	return user, nil
}

func (s *ScyllaStore) Persist(ctx context.Context, user *model.User) error {
	var lockedUntil, lastLogin time.Time
	if user.LockedUntil != nil {
		lockedUntil = *user.LockedUntil
	}
	if user.LastLogin != nil {
		lastLogin = *user.LastLogin
	}

	batch := s.session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	batch.Query(
		`INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		user.UserID, user.Username, user.Email, user.PasswordHash,
		user.RoleIDs, user.PermissionIDs, user.MFAEnabled, user.MFASecret,
		user.LoginAttempts, lockedUntil, lastLogin, user.Metadata,
		user.CreatedAt, user.UpdatedAt, user.LastPasswordChange,
	)
	if user.Username != "" {
		batch.Query(
			`INSERT INTO users_by_ident (identifier, user_id) VALUES (?, ?)`,
			strings.ToLower(user.Username), user.UserID,
		)
	}
	if user.Email != "" {
		batch.Query(
			`INSERT INTO users_by_ident (identifier, user_id) VALUES (?, ?)`,
			strings.ToLower(user.Email), user.UserID,
		)
	}

	if err := s.session.ExecuteBatch(batch); err != nil {
		util.Error("Failed to persist user",
			zap.String("user_id", user.UserID),
			zap.Error(err))
		return fmt.Errorf("failed to persist user: %w", err)
	}
	return nil
}

func (s *ScyllaStore) Delete(ctx context.Context, userID string) error {
	user, err := s.FindByID(ctx, userID)
	if err != nil {
		return err
	}

	batch := s.session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	batch.Query(`DELETE FROM users WHERE user_id = ?`, userID)
	if user.Username != "" {
		batch.Query(`DELETE FROM users_by_ident WHERE identifier = ?`, strings.ToLower(user.Username))
	}
	if user.Email != "" {
		batch.Query(`DELETE FROM users_by_ident WHERE identifier = ?`, strings.ToLower(user.Email))
	}

	if err := s.session.ExecuteBatch(batch); err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	return nil
}

func (s *ScyllaStore) All(ctx context.Context) ([]*model.User, error) {
	iter := s.session.Query(`SELECT user_id FROM users`).WithContext(ctx).Iter()

	var out []*model.User
	var userID string
	for iter.Scan(&userID) {
		user, err := s.FindByID(ctx, userID)
		if err != nil {
			continue
		}
		out = append(out, user)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to scan users: %w", err)
	}
	return out, nil
}

func (s *ScyllaStore) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.session.Query(`SELECT COUNT(*) FROM users`).WithContext(ctx).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count users: %w", err)
	}
	return count, nil
}

// HealthCheck verifies connectivity with a lightweight system read.
func (s *ScyllaStore) HealthCheck(ctx context.Context) error {
	return s.session.Query(`SELECT release_version FROM system.local`).WithContext(ctx).Exec()
}

func (s *ScyllaStore) Close() {
	if s.session != nil {
		s.session.Close()
		util.Info("Scylla user store closed")
	}
}
