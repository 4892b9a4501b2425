package voucher

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lib/pq"

	"github.com/onnwee/boxoffice/internal/tracing"
)

const voucherColumns = `id, code, max_usage, usage_count, claimed_phones, applicable_resources,
	is_active, discount_type, discount_value, created_at, updated_at`

// PostgresStore implements Store on the vouchers table. claimed_phones is a
// text[]; every mutation is one UPDATE whose WHERE clause carries the invariant.
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresStore creates a PostgresStore.
func NewPostgresStore(db *sql.DB, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{db: db, logger: logger}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVoucher(row rowScanner) (*Voucher, error) {
	v := &Voucher{}
	err := row.Scan(
		&v.ID, &v.Code, &v.MaxUsage, &v.UsageCount,
		pq.Array(&v.ClaimedPhones), pq.Array(&v.ApplicableResources),
		&v.IsActive, &v.DiscountType, &v.DiscountValue, &v.CreatedAt, &v.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (p *PostgresStore) GetByCode(ctx context.Context, code string) (v *Voucher, err error) {
	ctx, end := tracing.StartDBSpan(ctx, "vouchers", tracing.DBOperationQuery)
	defer func() { end(err) }()

	v, err = scanVoucher(p.db.QueryRowContext(ctx,
		`SELECT `+voucherColumns+` FROM vouchers WHERE code = $1`, NormalizeCode(code)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrVoucherNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query voucher by code: %w", err)
	}
	return v, nil
}

func (p *PostgresStore) GetByID(ctx context.Context, id string) (v *Voucher, err error) {
	ctx, end := tracing.StartDBSpan(ctx, "vouchers", tracing.DBOperationQuery)
	defer func() { end(err) }()

	v, err = scanVoucher(p.db.QueryRowContext(ctx,
		`SELECT `+voucherColumns+` FROM vouchers WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrVoucherNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query voucher by id: %w", err)
	}
	return v, nil
}

// Claim appends phones only when the pool still has room and none of the
// phones already hold a slot. Losing that race yields ErrExhausted.
func (p *PostgresStore) Claim(ctx context.Context, code string, phones []string) (v *Voucher, err error) {
	ctx, end := tracing.StartDBSpan(ctx, "vouchers", tracing.DBOperationUpdate)
	defer func() { end(err) }()

	v, err = scanVoucher(p.db.QueryRowContext(ctx, `
		UPDATE vouchers
		SET claimed_phones = claimed_phones || $2::text[],
		    updated_at = NOW()
		WHERE code = $1
		  AND is_active
		  AND cardinality(claimed_phones) + cardinality($2::text[]) <= max_usage
		  AND NOT (claimed_phones && $2::text[])
		RETURNING `+voucherColumns,
		NormalizeCode(code), pq.Array(phones)))
	if err == nil {
		return v, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("claim voucher: %w", err)
	}

	// The guard rejected the update; tell a missing code apart from a full pool.
	if _, getErr := p.GetByCode(ctx, code); errors.Is(getErr, ErrVoucherNotFound) {
		return nil, ErrVoucherNotFound
	}
	return nil, ErrExhausted
}

func (p *PostgresStore) Release(ctx context.Context, voucherID string, phones []string) (err error) {
	ctx, end := tracing.StartDBSpan(ctx, "vouchers", tracing.DBOperationUpdate)
	defer func() { end(err) }()

	res, err := p.db.ExecContext(ctx, `
		UPDATE vouchers
		SET claimed_phones = ARRAY(
		        SELECT phone FROM unnest(claimed_phones) AS phone
		        WHERE phone <> ALL($2::text[])),
		    updated_at = NOW()
		WHERE id = $1
	`, voucherID, pq.Array(phones))
	if err != nil {
		return fmt.Errorf("release voucher phones: %w", err)
	}
	return requireRow(res)
}

func (p *PostgresStore) Confirm(ctx context.Context, voucherID string, count int) (err error) {
	ctx, end := tracing.StartDBSpan(ctx, "vouchers", tracing.DBOperationUpdate)
	defer func() { end(err) }()

	res, err := p.db.ExecContext(ctx, `
		UPDATE vouchers
		SET usage_count = LEAST(usage_count + $2, max_usage),
		    updated_at = NOW()
		WHERE id = $1
	`, voucherID, count)
	if err != nil {
		return fmt.Errorf("confirm voucher usage: %w", err)
	}
	return requireRow(res)
}

func (p *PostgresStore) Redeem(ctx context.Context, phone string) (v *Voucher, err error) {
	ctx, end := tracing.StartDBSpan(ctx, "vouchers", tracing.DBOperationUpdate)
	defer func() { end(err) }()

	v, err = scanVoucher(p.db.QueryRowContext(ctx, `
		UPDATE vouchers
		SET claimed_phones = array_remove(claimed_phones, $1),
		    updated_at = NOW()
		WHERE id = (
		        SELECT id FROM vouchers
		        WHERE $1 = ANY(claimed_phones)
		        ORDER BY updated_at
		        LIMIT 1)
		  AND $1 = ANY(claimed_phones)
		RETURNING `+voucherColumns, phone))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotRedeemable
	}
	if err != nil {
		return nil, fmt.Errorf("redeem voucher: %w", err)
	}
	return v, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrVoucherNotFound
	}
	return nil
}
