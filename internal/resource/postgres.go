package resource

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/onnwee/boxoffice/internal/tracing"
)

// PostgresRepository implements Repository on the resources and
// resource_tiers tables.
type PostgresRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresRepository creates a PostgresRepository.
func NewPostgresRepository(db *sql.DB, logger *slog.Logger) *PostgresRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresRepository{db: db, logger: logger}
}

func (p *PostgresRepository) Get(ctx context.Context, id string) (r *Resource, err error) {
	ctx, end := tracing.StartDBSpan(ctx, "resources", tracing.DBOperationQuery)
	defer func() { end(err) }()

	r = &Resource{}
	err = p.db.QueryRowContext(ctx, `
		SELECT id, type, title, status, booking_opens_at, booking_closes_at,
		       default_price, has_seat_arrangement, capacity, available, sold
		FROM resources
		WHERE id = $1
	`, id).Scan(
		&r.ID, &r.Type, &r.Title, &r.Status, &r.BookingOpensAt, &r.BookingClosesAt,
		&r.DefaultPrice, &r.HasSeatArrangement, &r.Capacity, &r.Available, &r.Sold,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrResourceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query resource %s: %w", id, err)
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, name, price FROM resource_tiers WHERE resource_id = $1 ORDER BY price
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query tiers for resource %s: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var t Tier
		if err = rows.Scan(&t.ID, &t.Name, &t.Price); err != nil {
			return nil, fmt.Errorf("scan tier: %w", err)
		}
		r.Tiers = append(r.Tiers, t)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tiers: %w", err)
	}
	return r, nil
}

// AdjustAvailable applies delta in a single statement. There is no
// overbooking guard; the counters are clamped instead.
func (p *PostgresRepository) AdjustAvailable(ctx context.Context, id string, delta int) (err error) {
	ctx, end := tracing.StartDBSpan(ctx, "resources", tracing.DBOperationUpdate)
	defer func() { end(err) }()

	res, err := p.db.ExecContext(ctx, `
		UPDATE resources
		SET available = GREATEST(
		        CASE WHEN capacity > 0 THEN LEAST(available + $2, capacity) ELSE available + $2 END,
		        0),
		    sold = GREATEST(sold - $2, 0),
		    updated_at = NOW()
		WHERE id = $1
	`, id, delta)
	if err != nil {
		return fmt.Errorf("adjust available for resource %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrResourceNotFound
	}

	p.logger.DebugContext(ctx, "resource capacity adjusted",
		slog.String("resource_id", id),
		slog.Int("delta", delta))
	return nil
}
