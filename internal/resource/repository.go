package resource

import (
	"context"
	"sync"
)

// Repository reads resources and adjusts their capacity counters.
type Repository interface {
	Get(ctx context.Context, id string) (*Resource, error)

	// AdjustAvailable moves delta tickets between the available and sold
	// counters: a negative delta sells, a positive delta restores. Available is
	// floored at zero and capped at capacity; sold is floored at zero.
	AdjustAvailable(ctx context.Context, id string, delta int) error
}

// InMemoryRepository implements Repository with in-memory storage.
type InMemoryRepository struct {
	mu        sync.RWMutex
	resources map[string]*Resource
}

// NewInMemoryRepository creates an empty in-memory resource repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{resources: make(map[string]*Resource)}
}

// Put stores a copy of r, replacing any resource with the same ID.
func (m *InMemoryRepository) Put(r *Resource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resources[r.ID] = r.clone()
}

func (m *InMemoryRepository) Get(_ context.Context, id string) (*Resource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.resources[id]
	if !ok {
		return nil, ErrResourceNotFound
	}
	return r.clone(), nil
}

func (m *InMemoryRepository) AdjustAvailable(_ context.Context, id string, delta int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.resources[id]
	if !ok {
		return ErrResourceNotFound
	}
	r.Available = clamp(r.Available+delta, 0, r.Capacity)
	r.Sold = max(r.Sold-delta, 0)
	return nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if hi > 0 && v > hi {
		return hi
	}
	return v
}
