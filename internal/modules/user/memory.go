package user

import (
	"context"
	"sync"
	"time"

	"ridedispatch/internal/types"
)

type MemoryStore struct {
	mu    sync.Mutex
	users map[types.ID]*User
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[types.ID]*User)}
}

func (m *MemoryStore) Create(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id types.ID) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) SetStatus(_ context.Context, id types.ID, from, to Status, blockedUntil *time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok || u.Status != from {
		return false, nil
	}
	u.Status = to
	u.BlockedUntil = blockedUntil
	return true, nil
}
