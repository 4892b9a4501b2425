// Package user resolves ticket holders by phone number.
package user

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUserNotFound = errors.New("user not found")
	// ErrUserExists is returned by Insert when the phone is already taken.
	ErrUserExists = errors.New("user already exists")
)

// User is a buyer or attendee, keyed by normalized phone.
type User struct {
	ID        string    `json:"id"`
	Phone     string    `json:"phone"`
	Email     string    `json:"email,omitempty"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Repository persists users. Phone is unique.
type Repository interface {
	GetByPhone(ctx context.Context, phone string) (*User, error)
	Insert(ctx context.Context, u *User) error
}

// Resolve returns the user holding phone, creating it when absent. A unique
// violation from a concurrent insert is resolved by fetching the winner.
func Resolve(ctx context.Context, repo Repository, phone, email, name string) (*User, error) {
	u, err := repo.GetByPhone(ctx, phone)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, ErrUserNotFound) {
		return nil, fmt.Errorf("lookup user: %w", err)
	}

	u = &User{Phone: phone, Email: email, Name: name}
	err = repo.Insert(ctx, u)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, ErrUserExists) {
		return nil, fmt.Errorf("create user: %w", err)
	}

	u, err = repo.GetByPhone(ctx, phone)
	if err != nil {
		return nil, fmt.Errorf("refetch user after conflict: %w", err)
	}
	return u, nil
}

// InMemoryRepository implements Repository with in-memory storage.
type InMemoryRepository struct {
	mu      sync.RWMutex
	byPhone map[string]*User
}

// NewInMemoryRepository creates an empty in-memory user repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{byPhone: make(map[string]*User)}
}

func (r *InMemoryRepository) GetByPhone(_ context.Context, phone string) (*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.byPhone[phone]
	if !ok {
		return nil, ErrUserNotFound
	}
	copied := *u
	return &copied, nil
}

func (r *InMemoryRepository) Insert(_ context.Context, u *User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byPhone[u.Phone]; exists {
		return ErrUserExists
	}
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	copied := *u
	r.byPhone[u.Phone] = &copied
	return nil
}
