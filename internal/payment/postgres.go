package payment

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/onnwee/boxoffice/internal/tracing"
)

const paymentColumns = `id, order_id, gateway_payment_id, payment_link, type, resource_id,
	amount, discount_amount, final_amount, status, failure_reason, purchase_time,
	enrollment_id, metadata, created_at, updated_at`

// PostgresRepository implements Repository on the payments table.
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row rowScanner) (*Payment, error) {
	var (
		p        Payment
		purchase sql.NullTime
		meta     []byte
	)
	err := row.Scan(
		&p.ID, &p.OrderID, &p.GatewayPaymentID, &p.PaymentLink, &p.Type, &p.ResourceID,
		&p.Amount, &p.DiscountAmount, &p.FinalAmount, &p.Status, &p.FailureReason, &purchase,
		&p.EnrollmentID, &meta, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if purchase.Valid {
		t := purchase.Time
		p.PurchaseTime = &t
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &p.Metadata); err != nil {
			return nil, fmt.Errorf("decode payment metadata: %w", err)
		}
	}
	return &p, nil
}

func (r *PostgresRepository) Insert(ctx context.Context, p *Payment) (err error) {
	ctx, end := tracing.StartDBSpan(ctx, "payments", tracing.DBOperationInsert)
	defer func() { end(err) }()

	if p.Status == "" {
		p.Status = StatusPending
	}
	meta, err := json.Marshal(p.Metadata)
	if err != nil {
		return fmt.Errorf("encode payment metadata: %w", err)
	}

	err = r.db.QueryRowContext(ctx, `
		INSERT INTO payments (order_id, gateway_payment_id, payment_link, type, resource_id,
			amount, discount_amount, final_amount, status, failure_reason, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at, updated_at
	`, p.OrderID, p.GatewayPaymentID, p.PaymentLink, p.Type, p.ResourceID,
		p.Amount, p.DiscountAmount, p.FinalAmount, p.Status, p.FailureReason, meta,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateOrderID
		}
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (r *PostgresRepository) getBy(ctx context.Context, column, value string) (p *Payment, err error) {
	ctx, end := tracing.StartDBSpan(ctx, "payments", tracing.DBOperationQuery)
	defer func() { end(err) }()

	p, err = scanPayment(r.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE `+column+` = $1`, value))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query payment by %s: %w", column, err)
	}
	return p, nil
}

func (r *PostgresRepository) GetByOrderID(ctx context.Context, orderID string) (*Payment, error) {
	return r.getBy(ctx, "order_id", orderID)
}

func (r *PostgresRepository) GetByGatewayPaymentID(ctx context.Context, gatewayPaymentID string) (*Payment, error) {
	if gatewayPaymentID == "" {
		return nil, ErrPaymentNotFound
	}
	return r.getBy(ctx, "gateway_payment_id", gatewayPaymentID)
}

func (r *PostgresRepository) Delete(ctx context.Context, orderID string) (err error) {
	ctx, end := tracing.StartDBSpan(ctx, "payments", tracing.DBOperationDelete)
	defer func() { end(err) }()

	res, err := r.db.ExecContext(ctx, `DELETE FROM payments WHERE order_id = $1`, orderID)
	if err != nil {
		return fmt.Errorf("delete payment: %w", err)
	}
	return requireRow(res)
}

func (r *PostgresRepository) Transition(ctx context.Context, orderID string, from, to Status, patch Patch) (p *Payment, err error) {
	if !CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	ctx, end := tracing.StartDBSpan(ctx, "payments", tracing.DBOperationUpdate)
	defer func() { end(err) }()

	var purchase any
	if patch.PurchaseTime != nil {
		purchase = *patch.PurchaseTime
	}

	p, err = scanPayment(r.db.QueryRowContext(ctx, `
		UPDATE payments
		SET status = $3,
		    gateway_payment_id = COALESCE(NULLIF($4, ''), gateway_payment_id),
		    failure_reason = COALESCE(NULLIF($5, ''), failure_reason),
		    purchase_time = COALESCE($6, purchase_time),
		    updated_at = NOW()
		WHERE order_id = $1 AND status = $2
		RETURNING `+paymentColumns,
		orderID, from, to, patch.GatewayPaymentID, patch.FailureReason, purchase))
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transition payment: %w", err)
	}

	// Guard rejected the update: either the row is gone or the status moved.
	var exists bool
	if qErr := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM payments WHERE order_id = $1)`, orderID).Scan(&exists); qErr != nil {
		return nil, fmt.Errorf("check payment exists: %w", qErr)
	}
	if !exists {
		return nil, ErrPaymentNotFound
	}
	return nil, ErrStatusConflict
}

func (r *PostgresRepository) SetPaymentLink(ctx context.Context, orderID, link string) error {
	return r.setColumn(ctx, "payment_link", orderID, link)
}

func (r *PostgresRepository) SetEnrollment(ctx context.Context, orderID, enrollmentID string) error {
	return r.setColumn(ctx, "enrollment_id", orderID, enrollmentID)
}

func (r *PostgresRepository) SetFailureReason(ctx context.Context, orderID, reason string) error {
	return r.setColumn(ctx, "failure_reason", orderID, reason)
}

func (r *PostgresRepository) setColumn(ctx context.Context, column, orderID, value string) (err error) {
	ctx, end := tracing.StartDBSpan(ctx, "payments", tracing.DBOperationUpdate)
	defer func() { end(err) }()

	res, err := r.db.ExecContext(ctx,
		`UPDATE payments SET `+column+` = $2, updated_at = NOW() WHERE order_id = $1`, orderID, value)
	if err != nil {
		return fmt.Errorf("update payment %s: %w", column, err)
	}
	return requireRow(res)
}

func (r *PostgresRepository) ListPending(ctx context.Context, olderThan time.Time, limit int) ([]*Payment, error) {
	return r.list(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE status = 'PENDING' AND created_at < $1
		ORDER BY created_at
		LIMIT $2`, olderThan, limit)
}

func (r *PostgresRepository) ListMissingEnrollment(ctx context.Context, limit int) ([]*Payment, error) {
	return r.list(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE status = 'SUCCESS' AND enrollment_id = '' AND failure_reason = ''
		ORDER BY created_at
		LIMIT $1`, limit)
}

func (r *PostgresRepository) list(ctx context.Context, query string, args ...any) (out []*Payment, err error) {
	ctx, end := tracing.StartDBSpan(ctx, "payments", tracing.DBOperationQuery)
	defer func() { end(err) }()

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrPaymentNotFound
	}
	return nil
}
