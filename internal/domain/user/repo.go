package user

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrNotFound  = errors.New("user not found")
	ErrDuplicate  = errors.New("user already exists")
)

type Repository interface {
	Create(ctx context.Context, u *User) error
	GetByEmail(ctx context.Context, email string) (*User, error)
}

// MemoryRepository backs tests and database-less local runs.
type MemoryRepository struct {
	mu      sync.RWMutex
	byEmail map[string]User
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{byEmail: make(map[string]User)}
}

func (r *MemoryRepository) Create(_ context.Context, u *User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byEmail[u.Email]; ok {
		return ErrDuplicate
	}
	r.byEmail[u.Email] = *u
	return nil
}

func (r *MemoryRepository) GetByEmail(_ context.Context, email string) (*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.byEmail[email]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}
