package enrollment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/onnwee/boxoffice/internal/tracing"
	"github.com/onnwee/boxoffice/internal/validate"
)

// Unique constraints from migrations/000001_init.up.sql.
const (
	constraintActiveTicket = "tickets_active_phone_idx"
)

const enrollmentColumns = `id, order_id, payment_id, buyer_user_id, resource_id,
	ticket_count, ticket_price, created_at, updated_at`

const ticketColumns = `phone, holder_user_id, name, status, cancelled_at, cancellation_reason,
	is_scanned, scanned_at, scanned_by_admin_id, assigned_seat`

// PostgresRepository implements Repository on the enrollments and tickets
// tables. A partial unique index on tickets(resource_id, phone_key) WHERE
// status = 'ACTIVE' enforces one active ticket per phone per resource.
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

func (r *PostgresRepository) Insert(ctx context.Context, e *Enrollment) (err error) {
	ctx, end := tracing.StartDBSpan(ctx, "enrollments", tracing.DBOperationInsert)
	defer func() { end(err) }()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO enrollments (order_id, payment_id, buyer_user_id, resource_id, ticket_count, ticket_price)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at
	`, e.OrderID, e.PaymentID, e.BuyerUserID, e.ResourceID, e.TicketCount, e.TicketPrice,
	).Scan(&e.ID, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return mapInsertError(err)
	}

	for key, t := range e.Tickets {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO tickets (enrollment_id, resource_id, phone, phone_key, holder_user_id, name,
				status, is_scanned, assigned_seat)
			VALUES ($1, $2, $3, $4, $5, $6, $7, false, $8)
		`, e.ID, e.ResourceID, key, validate.PhoneKey(key), t.HolderUserID, t.Name, t.Status, t.AssignedSeat)
		if err != nil {
			return mapInsertError(err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit enrollment: %w", err)
	}
	return nil
}

func mapInsertError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		if pqErr.Constraint == constraintActiveTicket {
			return ErrActiveTicketExists
		}
		return ErrEnrollmentExists
	}
	return fmt.Errorf("insert enrollment: %w", err)
}

func (r *PostgresRepository) getBy(ctx context.Context, where string, args ...any) (e *Enrollment, err error) {
	ctx, end := tracing.StartDBSpan(ctx, "enrollments", tracing.DBOperationQuery)
	defer func() { end(err) }()

	e = &Enrollment{}
	err = r.db.QueryRowContext(ctx, `SELECT `+enrollmentColumns+` FROM enrollments WHERE `+where, args...).Scan(
		&e.ID, &e.OrderID, &e.PaymentID, &e.BuyerUserID, &e.ResourceID,
		&e.TicketCount, &e.TicketPrice, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEnrollmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query enrollment: %w", err)
	}

	e.Tickets, err = r.loadTickets(ctx, e.ID)
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (r *PostgresRepository) loadTickets(ctx context.Context, enrollmentID string) (map[string]*Ticket, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+ticketColumns+` FROM tickets WHERE enrollment_id = $1`, enrollmentID)
	if err != nil {
		return nil, fmt.Errorf("query tickets: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*Ticket)
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		out[t.Phone] = t
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTicket(row rowScanner) (*Ticket, error) {
	var (
		t                    Ticket
		cancelledAt, scanned sql.NullTime
	)
	err := row.Scan(&t.Phone, &t.HolderUserID, &t.Name, &t.Status, &cancelledAt, &t.CancellationReason,
		&t.IsScanned, &scanned, &t.ScannedByAdminID, &t.AssignedSeat)
	if err != nil {
		return nil, fmt.Errorf("scan ticket: %w", err)
	}
	if cancelledAt.Valid {
		v := cancelledAt.Time
		t.CancelledAt = &v
	}
	if scanned.Valid {
		v := scanned.Time
		t.ScannedAt = &v
	}
	return &t, nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*Enrollment, error) {
	return r.getBy(ctx, "id = $1", id)
}

func (r *PostgresRepository) GetByOrderID(ctx context.Context, orderID string) (*Enrollment, error) {
	return r.getBy(ctx, "order_id = $1", orderID)
}

func (r *PostgresRepository) GetByBuyerAndResource(ctx context.Context, buyerUserID, resourceID string) (*Enrollment, error) {
	return r.getBy(ctx, "buyer_user_id = $1 AND resource_id = $2", buyerUserID, resourceID)
}

func (r *PostgresRepository) ActivePhones(ctx context.Context, resourceID string, phones []string) (out []string, err error) {
	ctx, end := tracing.StartDBSpan(ctx, "tickets", tracing.DBOperationQuery)
	defer func() { end(err) }()

	keys := make([]string, len(phones))
	for i, p := range phones {
		keys[i] = validate.PhoneKey(p)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT phone_key FROM tickets
		WHERE resource_id = $1 AND status = 'ACTIVE' AND phone_key = ANY($2::text[])
		ORDER BY phone_key
	`, resourceID, pq.Array(keys))
	if err != nil {
		return nil, fmt.Errorf("query active phones: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan active phone: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) SetTicketStatus(ctx context.Context, enrollmentID string, status TicketStatus, reason string, at time.Time) (n int, err error) {
	ctx, end := tracing.StartDBSpan(ctx, "tickets", tracing.DBOperationUpdate)
	defer func() { end(err) }()

	res, err := r.db.ExecContext(ctx, `
		UPDATE tickets
		SET status = $2, cancelled_at = $3, cancellation_reason = $4
		WHERE enrollment_id = $1 AND status = 'ACTIVE'
	`, enrollmentID, status, at, reason)
	if err != nil {
		return 0, fmt.Errorf("update ticket status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	if _, err := r.db.ExecContext(ctx,
		`UPDATE enrollments SET updated_at = $2 WHERE id = $1`, enrollmentID, at); err != nil {
		return int(affected), fmt.Errorf("touch enrollment: %w", err)
	}
	return int(affected), nil
}

func (r *PostgresRepository) MarkScanned(ctx context.Context, enrollmentID, key, adminID string, at time.Time) (t *Ticket, already bool, err error) {
	ctx, end := tracing.StartDBSpan(ctx, "tickets", tracing.DBOperationUpdate)
	defer func() { end(err) }()

	t, err = scanTicket(r.db.QueryRowContext(ctx, `
		UPDATE tickets
		SET is_scanned = true, scanned_at = $4, scanned_by_admin_id = $3
		WHERE enrollment_id = $1 AND phone = $2 AND status = 'ACTIVE' AND NOT is_scanned
		RETURNING `+ticketColumns,
		enrollmentID, key, adminID, at))
	if err == nil {
		return t, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("mark ticket scanned: %w", err)
	}

	// The guard rejected the update; report the ticket as it stands.
	t, err = scanTicket(r.db.QueryRowContext(ctx,
		`SELECT `+ticketColumns+` FROM tickets WHERE enrollment_id = $1 AND phone = $2`, enrollmentID, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, ErrTicketNotFound
	}
	if err != nil {
		return nil, false, err
	}
	if t.Status != TicketActive {
		return t, false, &NotActiveError{Status: t.Status}
	}
	return t, true, nil
}
