package voucher

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store is the atomic voucher state machine. Implementations must perform
// each mutating call as one conditional update, never read-then-write.
type Store interface {
	GetByCode(ctx context.Context, code string) (*Voucher, error)
	GetByID(ctx context.Context, id string) (*Voucher, error)

	// Claim appends phones to the voucher identified by code if the result
	// stays within MaxUsage and none of the phones already hold it.
	// Returns ErrExhausted otherwise.
	Claim(ctx context.Context, code string, phones []string) (*Voucher, error)

	// Release removes phones from ClaimedPhones. UsageCount is untouched.
	Release(ctx context.Context, voucherID string, phones []string) error

	// Confirm adds count paid uses to UsageCount, capped at MaxUsage.
	Confirm(ctx context.Context, voucherID string, count int) error

	// Redeem removes phone from whichever voucher holds it.
	// Returns ErrNotRedeemable when no voucher does.
	Redeem(ctx context.Context, phone string) (*Voucher, error)
}

// NormalizeCode canonicalizes a user-entered voucher code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// InMemoryStore implements Store with in-memory storage. The mutex makes each
// operation atomic, matching the conditional updates of PostgresStore.
type InMemoryStore struct {
	mu       sync.Mutex
	vouchers map[string]*Voucher // by ID
}

// NewInMemoryStore creates an empty in-memory voucher store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{vouchers: make(map[string]*Voucher)}
}

// Put stores a copy of v, assigning an ID when missing.
func (s *InMemoryStore) Put(v *Voucher) *Voucher {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	v.Code = NormalizeCode(v.Code)
	s.vouchers[v.ID] = v.clone()
	return v
}

func (s *InMemoryStore) byCode(code string) *Voucher {
	code = NormalizeCode(code)
	for _, v := range s.vouchers {
		if v.Code == code {
			return v
		}
	}
	return nil
}

func (s *InMemoryStore) GetByCode(_ context.Context, code string) (*Voucher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := s.byCode(code)
	if v == nil {
		return nil, ErrVoucherNotFound
	}
	return v.clone(), nil
}

func (s *InMemoryStore) GetByID(_ context.Context, id string) (*Voucher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.vouchers[id]
	if !ok {
		return nil, ErrVoucherNotFound
	}
	return v.clone(), nil
}

func (s *InMemoryStore) Claim(_ context.Context, code string, phones []string) (*Voucher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := s.byCode(code)
	if v == nil {
		return nil, ErrVoucherNotFound
	}
	if !v.IsActive || len(v.ClaimedPhones)+len(phones) > v.MaxUsage {
		return nil, ErrExhausted
	}
	for _, p := range phones {
		if v.Holds(p) {
			return nil, ErrExhausted
		}
	}
	v.ClaimedPhones = append(v.ClaimedPhones, phones...)
	v.UpdatedAt = time.Now()
	return v.clone(), nil
}

func (s *InMemoryStore) Release(_ context.Context, voucherID string, phones []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.vouchers[voucherID]
	if !ok {
		return ErrVoucherNotFound
	}
	v.ClaimedPhones = slices.DeleteFunc(v.ClaimedPhones, func(p string) bool {
		return slices.Contains(phones, p)
	})
	v.UpdatedAt = time.Now()
	return nil
}

func (s *InMemoryStore) Confirm(_ context.Context, voucherID string, count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.vouchers[voucherID]
	if !ok {
		return ErrVoucherNotFound
	}
	v.UsageCount = min(v.UsageCount+count, v.MaxUsage)
	v.UpdatedAt = time.Now()
	return nil
}

func (s *InMemoryStore) Redeem(_ context.Context, phone string) (*Voucher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, v := range s.vouchers {
		if i := slices.Index(v.ClaimedPhones, phone); i >= 0 {
			v.ClaimedPhones = slices.Delete(v.ClaimedPhones, i, i+1)
			v.UpdatedAt = time.Now()
			return v.clone(), nil
		}
	}
	return nil, ErrNotRedeemable
}
