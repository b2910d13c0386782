// Package store provides credential-store implementations behind the
// model.UserStore interface.
package store

import (
	"context"
	"strings"
	"sync"

	"security-engine/internal/model"
)

// MemoryStore is the default single-node UserStore. All reads and writes go
// through deep copies so callers never alias the store's state.
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[string]*model.User
	byIdent map[string]string // lowercased username/email -> user id
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[string]*model.User),
		byIdent: make(map[string]string),
	}
}

func (s *MemoryStore) FindByIdentifier(ctx context.Context, identifier string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byIdent[strings.ToLower(identifier)]
	if !ok {
		return nil, model.ErrUserNotFound
	}
	return s.byID[id].Clone(), nil
}

func (s *MemoryStore) FindByID(ctx context.Context, userID string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.byID[userID]
	if !ok {
		return nil, model.ErrUserNotFound
	}
	return user.Clone(), nil
}

func (s *MemoryStore) Persist(ctx context.Context, user *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.byID[user.UserID]; ok {
		delete(s.byIdent, strings.ToLower(prev.Username))
		delete(s.byIdent, strings.ToLower(prev.Email))
	}

	cp := user.Clone()
	s.byID[cp.UserID] = cp
	if cp.Username != "" {
		s.byIdent[strings.ToLower(cp.Username)] = cp.UserID
	}
	if cp.Email != "" {
		s.byIdent[strings.ToLower(cp.Email)] = cp.UserID
	}
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.byID[userID]
	if !ok {
		return model.ErrUserNotFound
	}
	delete(s.byIdent, strings.ToLower(user.Username))
	delete(s.byIdent, strings.ToLower(user.Email))
	delete(s.byID, userID)
	return nil
}

func (s *MemoryStore) All(ctx context.Context) ([]*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.User, 0, len(s.byID))
	for _, user := range s.byID {
		out = append(out, user.Clone())
	}
	return out, nil
}

func (s *MemoryStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID), nil
}
