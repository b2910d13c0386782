package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"security-engine/internal/model"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	err := s.Persist(ctx, &model.User{UserID: "u1", Username: "Alice", Email: "alice@example.com"})
	require.NoError(t, err)

	byID, err := s.FindByID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Alice", byID.Username)

	// Identifier lookup is case insensitive and matches username or email.
	byName, err := s.FindByIdentifier(ctx, "ALICE")
	require.NoError(t, err)
	assert.Equal(t, "u1", byName.UserID)

	byEmail, err := s.FindByIdentifier(ctx, "Alice@Example.com")
	require.NoError(t, err)
	assert.Equal(t, "u1", byEmail.UserID)
}

func TestMemoryStoreNotFound(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.FindByID(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrUserNotFound)
	_, err = s.FindByIdentifier(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrUserNotFound)
	assert.ErrorIs(t, s.Delete(ctx, "missing"), model.ErrUserNotFound)
}

func TestMemoryStoreRenameReindexes(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Persist(ctx, &model.User{UserID: "u1", Username: "alice"}))
	require.NoError(t, s.Persist(ctx, &model.User{UserID: "u1", Username: "alicia"}))

	_, err := s.FindByIdentifier(ctx, "alice")
	assert.ErrorIs(t, err, model.ErrUserNotFound)

	got, err := s.FindByIdentifier(ctx, "alicia")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Persist(ctx, &model.User{UserID: "u1", Username: "alice", RoleIDs: []string{"admin"}}))

	got, err := s.FindByID(ctx, "u1")
	require.NoError(t, err)
	got.RoleIDs[0] = "mutated"

	again, err := s.FindByID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "admin", again.RoleIDs[0])
}

func TestMemoryStoreDeleteAndCount(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Persist(ctx, &model.User{UserID: "u1", Username: "alice"}))
	require.NoError(t, s.Persist(ctx, &model.User{UserID: "u2", Username: "bob"}))

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	all, err := s.All(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, s.Delete(ctx, "u1"))
	_, err = s.FindByIdentifier(ctx, "alice")
	assert.ErrorIs(t, err, model.ErrUserNotFound)

	count, err = s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
