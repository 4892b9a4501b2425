package enrollment

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/boxoffice/internal/validate"
)

// Repository persists enrollments and their tickets.
type Repository interface {
	// Insert stores a new enrollment. It enforces one enrollment per
	// (buyer, resource) and per order, and at most one ACTIVE ticket per
	// phone per resource across all enrollments.
	Insert(ctx context.Context, e *Enrollment) error
	GetByID(ctx context.Context, id string) (*Enrollment, error)
	GetByOrderID(ctx context.Context, orderID string) (*Enrollment, error)
	GetByBuyerAndResource(ctx context.Context, buyerUserID, resourceID string) (*Enrollment, error)

	// ActivePhones returns the subset of phones (normalized) that already
	// hold an ACTIVE ticket for resourceID.
	ActivePhones(ctx context.Context, resourceID string, phones []string) ([]string, error)

	// SetTicketStatus moves every ACTIVE ticket of the enrollment to status
	// and returns how many tickets changed.
	SetTicketStatus(ctx context.Context, enrollmentID string, status TicketStatus, reason string, at time.Time) (int, error)

	// MarkScanned flags the ticket stored under key as scanned unless it
	// already is. It returns the ticket as stored afterwards and whether it
	// had been scanned before this call.
	MarkScanned(ctx context.Context, enrollmentID, key, adminID string, at time.Time) (*Ticket, bool, error)
}

// InMemoryRepository implements Repository with in-memory storage.
type InMemoryRepository struct {
	mu          sync.RWMutex
	enrollments map[string]*Enrollment // by id
}

// NewInMemoryRepository creates a new in-memory enrollment repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{enrollments: make(map[string]*Enrollment)}
}

func (r *InMemoryRepository) Insert(_ context.Context, e *Enrollment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, other := range r.enrollments {
		if other.OrderID == e.OrderID ||
			(other.BuyerUserID == e.BuyerUserID && other.ResourceID == e.ResourceID) {
			return ErrEnrollmentExists
		}
	}
	active := r.activeKeys(e.ResourceID)
	for k, t := range e.Tickets {
		if t.Status == TicketActive && active[validate.PhoneKey(k)] {
			return fmt.Errorf("%w: %s", ErrActiveTicketExists, validate.MaskPhone(k))
		}
	}

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	now := time.Now()
	e.CreatedAt, e.UpdatedAt = now, now
	r.enrollments[e.ID] = e.clone()
	return nil
}

// activeKeys must be called with the lock held.
func (r *InMemoryRepository) activeKeys(resourceID string) map[string]bool {
	out := make(map[string]bool)
	for _, e := range r.enrollments {
		if e.ResourceID != resourceID {
			continue
		}
		for k, t := range e.Tickets {
			if t.Status == TicketActive {
				out[validate.PhoneKey(k)] = true
			}
		}
	}
	return out
}

func (r *InMemoryRepository) GetByID(_ context.Context, id string) (*Enrollment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.enrollments[id]
	if !ok {
		return nil, ErrEnrollmentNotFound
	}
	return e.clone(), nil
}

func (r *InMemoryRepository) GetByOrderID(_ context.Context, orderID string) (*Enrollment, error) {
	return r.find(func(e *Enrollment) bool { return e.OrderID == orderID })
}

func (r *InMemoryRepository) GetByBuyerAndResource(_ context.Context, buyerUserID, resourceID string) (*Enrollment, error) {
	return r.find(func(e *Enrollment) bool {
		return e.BuyerUserID == buyerUserID && e.ResourceID == resourceID
	})
}

func (r *InMemoryRepository) find(match func(*Enrollment) bool) (*Enrollment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, e := range r.enrollments {
		if match(e) {
			return e.clone(), nil
		}
	}
	return nil, ErrEnrollmentNotFound
}

func (r *InMemoryRepository) ActivePhones(_ context.Context, resourceID string, phones []string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	active := r.activeKeys(resourceID)
	var out []string
	for _, p := range phones {
		k := validate.PhoneKey(p)
		if active[k] && !slices.Contains(out, k) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (r *InMemoryRepository) SetTicketStatus(_ context.Context, enrollmentID string, status TicketStatus, reason string, at time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.enrollments[enrollmentID]
	if !ok {
		return 0, ErrEnrollmentNotFound
	}
	changed := 0
	for _, t := range e.Tickets {
		if t.Status != TicketActive {
			continue
		}
		t.Status = status
		ts := at
		t.CancelledAt = &ts
		t.CancellationReason = reason
		changed++
	}
	e.UpdatedAt = at
	return changed, nil
}

func (r *InMemoryRepository) MarkScanned(_ context.Context, enrollmentID, key, adminID string, at time.Time) (*Ticket, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.enrollments[enrollmentID]
	if !ok {
		return nil, false, ErrEnrollmentNotFound
	}
	t, ok := e.Tickets[key]
	if !ok {
		return nil, false, ErrTicketNotFound
	}
	if t.Status != TicketActive {
		return t.clone(), false, &NotActiveError{Status: t.Status}
	}
	if t.IsScanned {
		return t.clone(), true, nil
	}
	ts := at
	t.IsScanned = true
	t.ScannedAt = &ts
	t.ScannedByAdminID = adminID
	e.UpdatedAt = at
	return t.clone(), false, nil
}
