package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/onnwee/boxoffice/internal/tracing"
)

// InMemoryRepository implements Repository with in-memory storage.
type InMemoryRepository struct {
	mu      sync.RWMutex
	records map[string]Record
	now     func() time.Time
}

// NewInMemoryRepository creates a new in-memory idempotency repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		records: make(map[string]Record),
		now:     time.Now,
	}
}

func (r *InMemoryRepository) Get(_ context.Context, key string) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return &rec, nil
}

func (r *InMemoryRepository) Store(_ context.Context, rec *Record) error {
	if err := ValidateKey(rec.Key); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.records[rec.Key]; exists {
		return ErrKeyExists
	}
	stored := *rec
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = r.now()
	}
	r.records[rec.Key] = stored
	return nil
}

func (r *InMemoryRepository) DeleteOlderThan(_ context.Context, age time.Duration) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-age)
	var deleted int64
	for key, rec := range r.records {
		if rec.CreatedAt.Before(cutoff) {
			delete(r.records, key)
			deleted++
		}
	}
	return deleted, nil
}

// PostgresRepository implements Repository on the idempotency_keys table.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a PostgresRepository.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Get(ctx context.Context, key string) (rec *Record, err error) {
	ctx, end := tracing.StartDBSpan(ctx, "idempotency_keys", tracing.DBOperationQuery)
	defer func() { end(err) }()

	rec = &Record{}
	var orderID sql.NullString
	err = r.db.QueryRowContext(ctx, `
		SELECT key, method, route, order_id, status_code, response_body, response_hash, created_at
		FROM idempotency_keys WHERE key = $1`, key).
		Scan(&rec.Key, &rec.Method, &rec.Route, &orderID, &rec.StatusCode,
			&rec.ResponseBody, &rec.ResponseHash, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency key: %w", err)
	}
	rec.OrderID = orderID.String
	return rec, nil
}

func (r *PostgresRepository) Store(ctx context.Context, rec *Record) (err error) {
	if err := ValidateKey(rec.Key); err != nil {
		return err
	}
	ctx, end := tracing.StartDBSpan(ctx, "idempotency_keys", tracing.DBOperationInsert)
	defer func() { end(err) }()

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, method, route, order_id, status_code, response_body, response_hash)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7)`,
		rec.Key, rec.Method, rec.Route, rec.OrderID, rec.StatusCode, rec.ResponseBody, rec.ResponseHash)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrKeyExists
		}
		return fmt.Errorf("store idempotency key: %w", err)
	}
	return nil
}

func (r *PostgresRepository) DeleteOlderThan(ctx context.Context, age time.Duration) (n int64, err error) {
	ctx, end := tracing.StartDBSpan(ctx, "idempotency_keys", tracing.DBOperationDelete)
	defer func() { end(err) }()

	res, err := r.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE created_at < $1`, time.Now().Add(-age))
	if err != nil {
		return 0, fmt.Errorf("delete expired idempotency keys: %w", err)
	}
	return res.RowsAffected()
}
