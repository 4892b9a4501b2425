package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/onnwee/boxoffice/internal/tracing"
)

// uniqueViolation is the Postgres SQLSTATE for unique constraint failures.
const uniqueViolation = "23505"

// PostgresRepository implements Repository on the users table.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a PostgresRepository.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (p *PostgresRepository) GetByPhone(ctx context.Context, phone string) (u *User, err error) {
	ctx, end := tracing.StartDBSpan(ctx, "users", tracing.DBOperationQuery)
	defer func() { end(err) }()

	u = &User{}
	var email, name sql.NullString
	err = p.db.QueryRowContext(ctx,
		`SELECT id, phone, email, name, created_at FROM users WHERE phone = $1`, phone,
	).Scan(&u.ID, &u.Phone, &email, &name, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	u.Email, u.Name = email.String, name.String
	return u, nil
}

func (p *PostgresRepository) Insert(ctx context.Context, u *User) (err error) {
	ctx, end := tracing.StartDBSpan(ctx, "users", tracing.DBOperationInsert)
	defer func() { end(err) }()

	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO users (id, phone, email, name, created_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5)
	`, u.ID, u.Phone, u.Email, u.Name, u.CreatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return ErrUserExists
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}
