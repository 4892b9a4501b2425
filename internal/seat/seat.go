// Package seat implements the reserve/release handshake for assigned seating.
//
// Seat layout is owned elsewhere; this package only records which order holds
// which seat of a resource. A reservation is all-or-nothing: either every
// requested seat is held by the order afterwards, or none is.
package seat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrSeatUnavailable is returned when at least one requested seat is held
	// by another order.
	ErrSeatUnavailable = errors.New("seat unavailable")

	ErrDuplicateSeat = errors.New("seat selected more than once")
)

// Reserver holds seats on behalf of an order.
type Reserver interface {
	Reserve(ctx context.Context, resourceID string, seats []string, orderID string) error
	// Release frees every seat held by orderID. Releasing an order that holds
	// nothing is not an error.
	Release(ctx context.Context, orderID string) error
}

func seatKey(resourceID, seatID string) string {
	return fmt.Sprintf("seat:%s:%s", resourceID, seatID)
}

func orderKey(orderID string) string {
	return "seats-by-order:" + orderID
}

func checkDuplicates(seats []string) error {
	seen := make(map[string]struct{}, len(seats))
	for _, s := range seats {
		if _, ok := seen[s]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateSeat, s)
		}
		seen[s] = struct{}{}
	}
	return nil
}

// RedisReserver stores one key per seat (SETNX, value = order id) plus a set
// per order listing the seat keys it holds.
type RedisReserver struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisReserver creates a Redis-backed seat reserver.
func NewRedisReserver(client *redis.Client, logger *slog.Logger) *RedisReserver {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisReserver{client: client, logger: logger}
}

func (r *RedisReserver) Reserve(ctx context.Context, resourceID string, seats []string, orderID string) error {
	if err := checkDuplicates(seats); err != nil {
		return err
	}

	held := make([]string, 0, len(seats))
	for _, s := range seats {
		key := seatKey(resourceID, s)
		ok, err := r.client.SetNX(ctx, key, orderID, 0).Result()
		if err != nil {
			r.rollback(ctx, orderID, held)
			return fmt.Errorf("reserve seat %s: %w", s, err)
		}
		if !ok {
			owner, getErr := r.client.Get(ctx, key).Result()
			if getErr == nil && owner == orderID {
				continue
			}
			r.rollback(ctx, orderID, held)
			return fmt.Errorf("%w: %s", ErrSeatUnavailable, s)
		}
		held = append(held, key)
	}

	if len(held) == 0 {
		return nil
	}
	members := make([]any, len(held))
	for i, k := range held {
		members[i] = k
	}
	if err := r.client.SAdd(ctx, orderKey(orderID), members...).Err(); err != nil {
		r.rollback(ctx, orderID, held)
		return fmt.Errorf("index seats for order: %w", err)
	}
	return nil
}

func (r *RedisReserver) rollback(ctx context.Context, orderID string, keys []string) {
	if len(keys) == 0 {
		return
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		r.logger.ErrorContext(ctx, "seat rollback failed",
			slog.String("order_id", orderID),
			slog.Int("seats", len(keys)),
			slog.String("error", err.Error()))
	}
}

// releaseScript deletes each seat key whose value is still ARGV[1], then the
// order's index set (the last key). Returns the number of seats freed.
var releaseScript = redis.NewScript(`
local freed = 0
for i = 1, #KEYS - 1 do
  if redis.call('GET', KEYS[i]) == ARGV[1] then
    freed = freed + redis.call('DEL', KEYS[i])
  end
end
redis.call('DEL', KEYS[#KEYS])
return freed
`)

func (r *RedisReserver) Release(ctx context.Context, orderID string) error {
	keys, err := r.client.SMembers(ctx, orderKey(orderID)).Result()
	if err != nil {
		return fmt.Errorf("list seats for order: %w", err)
	}

	// The owner check and the delete run in one script so a seat that changed
	// hands after it was listed is left alone.
	freed, err := releaseScript.Run(ctx, r.client, append(keys, orderKey(orderID)), orderID).Int()
	if err != nil {
		return fmt.Errorf("release seats: %w", err)
	}
	r.logger.DebugContext(ctx, "seats released",
		slog.String("order_id", orderID),
		slog.Int("seats", freed))
	return nil
}

// InMemoryReserver implements Reserver in process memory.
type InMemoryReserver struct {
	mu      sync.Mutex
	holders map[string]string   // seat key -> order id
	orders  map[string][]string // order id -> seat keys
}

// NewInMemoryReserver creates an empty in-memory seat reserver.
func NewInMemoryReserver() *InMemoryReserver {
	return &InMemoryReserver{
		holders: make(map[string]string),
		orders:  make(map[string][]string),
	}
}

func (m *InMemoryReserver) Reserve(_ context.Context, resourceID string, seats []string, orderID string) error {
	if err := checkDuplicates(seats); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range seats {
		if owner, ok := m.holders[seatKey(resourceID, s)]; ok && owner != orderID {
			return fmt.Errorf("%w: %s", ErrSeatUnavailable, s)
		}
	}
	for _, s := range seats {
		key := seatKey(resourceID, s)
		if _, ok := m.holders[key]; ok {
			continue
		}
		m.holders[key] = orderID
		m.orders[orderID] = append(m.orders[orderID], key)
	}
	return nil
}

func (m *InMemoryReserver) Release(_ context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range m.orders[orderID] {
		if m.holders[key] == orderID {
			delete(m.holders, key)
		}
	}
	delete(m.orders, orderID)
	return nil
}

// Holder returns the order holding seatID of resourceID, if any.
func (m *InMemoryReserver) Holder(resourceID, seatID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	owner, ok := m.holders[seatKey(resourceID, seatID)]
	return owner, ok
}

// Held returns the seat keys held by orderID, sorted.
func (m *InMemoryReserver) Held(orderID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := slices.Clone(m.orders[orderID])
	slices.Sort(keys)
	return keys
}
