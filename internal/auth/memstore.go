package auth

import (
	"context"
	"sync"
)

// MemStore keeps credentials in process memory.
type MemStore struct {
	mu      sync.RWMutex
	byEmail map[string]Record
}

var _ Store = (*MemStore)(nil)

func NewMemStore() *MemStore { return &MemStore{byEmail: make(map[string]Record)} }

func (m *MemStore) Create(ctx context.Context, r Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byEmail[r.Email]; ok {
		return ErrConflict
	}

	m.byEmail[r.Email] = r

	return nil
}

func (m *MemStore) FindByEmail(ctx context.Context, email string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.byEmail[email]
	if !ok {
		return Record{}, ErrNotFound
	}

	return r, nil
}
