package users

import (
	"cmp"
	"context"
	"slices"
	"sync"

	contract "github.com/next-trace/blossom/contract/users"
)

// MemStore keeps users in process memory. Ids start at 1.
type MemStore struct {
	mu     sync.RWMutex
	nextID int64
	rows   map[int64]contract.User
}

var _ Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{rows: make(map[int64]contract.User)}
}

func (m *MemStore) emailTaken(email string, except int64) bool {
	for id, u := range m.rows {
		if id != except && u.Email == email {
			return true
		}
	}

	return false
}

func (m *MemStore) Create(ctx context.Context, u *contract.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.emailTaken(u.Email, 0) {
		return ErrConflict
	}

	m.nextID++
	u.ID = m.nextID
	m.rows[u.ID] = *u

	return nil
}

func (m *MemStore) FindAll(ctx context.Context) ([]contract.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]contract.User, 0, len(m.rows))
	for _, u := range m.rows {
		out = append(out, u)
	}

	slices.SortFunc(out, func(a, b contract.User) int { return cmp.Compare(a.ID, b.ID) })

	return out, nil
}

func (m *MemStore) FindByID(ctx context.Context, id int64) (contract.User, error) {
	if err := ctx.Err(); err != nil {
		return contract.User{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.rows[id]
	if !ok {
		return contract.User{}, ErrNotFound
	}

	return u, nil
}

func (m *MemStore) Save(ctx context.Context, u *contract.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rows[u.ID]; !ok {
		return ErrNotFound
	}

	if m.emailTaken(u.Email, u.ID) {
		return ErrConflict
	}

	m.rows[u.ID] = *u

	return nil
}

func (m *MemStore) Delete(ctx context.Context, id int64) (contract.User, error) {
	if err := ctx.Err(); err != nil {
		return contract.User{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.rows[id]
	if !ok {
		return contract.User{}, ErrNotFound
	}

	delete(m.rows, id)

	return u, nil
}
