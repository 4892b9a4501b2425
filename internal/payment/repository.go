package payment

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrPaymentNotFound is returned when a payment record is not found.
	ErrPaymentNotFound = errors.New("payment not found")

	// ErrDuplicateOrderID is returned when a payment for the order already exists.
	ErrDuplicateOrderID = errors.New("payment with this order id already exists")

	// ErrInvalidTransition is returned for an edge outside the lifecycle.
	ErrInvalidTransition = errors.New("invalid payment status transition")

	// ErrStatusConflict is returned by Transition when the stored status no
	// longer matches the expected one: another caller got there first.
	ErrStatusConflict = errors.New("payment status changed concurrently")
)

// Repository defines methods for payment persistence.
type Repository interface {
	Insert(ctx context.Context, p *Payment) error
	GetByOrderID(ctx context.Context, orderID string) (*Payment, error)
	GetByGatewayPaymentID(ctx context.Context, gatewayPaymentID string) (*Payment, error)
	// Delete removes a payment. Only used to compensate a failed order.
	Delete(ctx context.Context, orderID string) error

	// Transition moves the payment from -> to if, and only if, its status is
	// currently from. The winner receives the updated payment.
	Transition(ctx context.Context, orderID string, from, to Status, patch Patch) (*Payment, error)

	SetPaymentLink(ctx context.Context, orderID, link string) error
	SetEnrollment(ctx context.Context, orderID, enrollmentID string) error
	// SetFailureReason records why a payment needs attention without changing
	// its status. A SUCCESS payment with a reason is one that must be refunded
	// by hand.
	SetFailureReason(ctx context.Context, orderID, reason string) error

	// ListPending returns PENDING payments created before olderThan, oldest first.
	ListPending(ctx context.Context, olderThan time.Time, limit int) ([]*Payment, error)
	// ListMissingEnrollment returns SUCCESS payments without an enrollment,
	// skipping those flagged with a failure reason.
	ListMissingEnrollment(ctx context.Context, limit int) ([]*Payment, error)
}

// InMemoryRepository implements Repository with in-memory storage.
type InMemoryRepository struct {
	mu       sync.RWMutex
	payments map[string]*Payment // by order id
	now      func() time.Time
}

// NewInMemoryRepository creates a new in-memory payment repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		payments: make(map[string]*Payment),
		now:      time.Now,
	}
}

func (r *InMemoryRepository) Insert(_ context.Context, p *Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.payments[p.OrderID]; exists {
		return ErrDuplicateOrderID
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.Status == "" {
		p.Status = StatusPending
	}
	now := r.now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	r.payments[p.OrderID] = p.clone()
	return nil
}

func (r *InMemoryRepository) GetByOrderID(_ context.Context, orderID string) (*Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.payments[orderID]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return p.clone(), nil
}

func (r *InMemoryRepository) GetByGatewayPaymentID(_ context.Context, gatewayPaymentID string) (*Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if gatewayPaymentID == "" {
		return nil, ErrPaymentNotFound
	}
	for _, p := range r.payments {
		if p.GatewayPaymentID == gatewayPaymentID {
			return p.clone(), nil
		}
	}
	return nil, ErrPaymentNotFound
}

func (r *InMemoryRepository) Delete(_ context.Context, orderID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.payments[orderID]; !ok {
		return ErrPaymentNotFound
	}
	delete(r.payments, orderID)
	return nil
}

func (r *InMemoryRepository) Transition(_ context.Context, orderID string, from, to Status, patch Patch) (*Payment, error) {
	if !CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.payments[orderID]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	if p.Status != from {
		return nil, ErrStatusConflict
	}
	p.apply(to, patch, r.now())
	return p.clone(), nil
}

func (r *InMemoryRepository) SetPaymentLink(_ context.Context, orderID, link string) error {
	return r.update(orderID, func(p *Payment) { p.PaymentLink = link })
}

func (r *InMemoryRepository) SetEnrollment(_ context.Context, orderID, enrollmentID string) error {
	return r.update(orderID, func(p *Payment) { p.EnrollmentID = enrollmentID })
}

func (r *InMemoryRepository) SetFailureReason(_ context.Context, orderID, reason string) error {
	return r.update(orderID, func(p *Payment) { p.FailureReason = reason })
}

func (r *InMemoryRepository) update(orderID string, fn func(*Payment)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.payments[orderID]
	if !ok {
		return ErrPaymentNotFound
	}
	fn(p)
	p.UpdatedAt = r.now()
	return nil
}

func (r *InMemoryRepository) ListPending(_ context.Context, olderThan time.Time, limit int) ([]*Payment, error) {
	return r.list(limit, func(p *Payment) bool {
		return p.Status == StatusPending && p.CreatedAt.Before(olderThan)
	}), nil
}

func (r *InMemoryRepository) ListMissingEnrollment(_ context.Context, limit int) ([]*Payment, error) {
	return r.list(limit, func(p *Payment) bool {
		return p.Status == StatusSuccess && p.EnrollmentID == "" && p.FailureReason == ""
	}), nil
}

func (r *InMemoryRepository) list(limit int, match func(*Payment) bool) []*Payment {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Payment
	for _, p := range r.payments {
		if match(p) {
			out = append(out, p.clone())
		}
	}
	slices.SortFunc(out, func(a, b *Payment) int { return a.CreatedAt.Compare(b.CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
