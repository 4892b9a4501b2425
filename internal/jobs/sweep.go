package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/onnwee/boxoffice/internal/enrollment"
	"github.com/onnwee/boxoffice/internal/payment"
	"github.com/onnwee/boxoffice/internal/reconcile"
)

// DefaultBatchSize bounds how many payments one sweep run touches.
const DefaultBatchSize = 100

// Resyncer refreshes a payment from the gateway.
type Resyncer interface {
	Resync(ctx context.Context, orderID string) (*reconcile.Outcome, error)
}

// Enroller creates the enrollment of a SUCCESS payment.
type Enroller interface {
	Enroll(ctx context.Context, p *payment.Payment) (*enrollment.Result, error)
}

// PaymentLister lists payments that need background attention.
type PaymentLister interface {
	ListPending(ctx context.Context, olderThan time.Time, limit int) ([]*payment.Payment, error)
	ListMissingEnrollment(ctx context.Context, limit int) ([]*payment.Payment, error)
}

// RunResult summarises one sweep.
type RunResult struct {
	Checked  int
	Resolved int
	Failed   int
	// Flagged counts paid orders left for a manual refund.
	Flagged int
}

// PendingSweeper resolves PENDING payments whose webhook never arrived by
// asking the gateway for their status. Payments younger than MinAge are left
// alone so in-flight checkouts are not polled.
type PendingSweeper struct {
	Payments  PaymentLister
	Resyncer  Resyncer
	MinAge    time.Duration
	BatchSize int
	Logger    *slog.Logger

	now func() time.Time
}

// Run performs one sweep. A failing payment does not stop the batch; the
// returned error is the last failure, if any.
func (s *PendingSweeper) Run(ctx context.Context) (RunResult, error) {
	var res RunResult
	logger := orDefault(s.Logger)
	now := time.Now
	if s.now != nil {
		now = s.now
	}

	pending, err := s.Payments.ListPending(ctx, now().Add(-s.MinAge), batchSize(s.BatchSize))
	if err != nil {
		return res, err
	}

	var lastErr error
	for _, p := range pending {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Checked++
		out, err := s.Resyncer.Resync(ctx, p.OrderID)
		if err != nil {
			res.Failed++
			lastErr = err
			logger.WarnContext(ctx, "pending payment resync failed",
				slog.String("order_id", p.OrderID),
				slog.String("error", err.Error()))
			continue
		}
		if out.Applied {
			res.Resolved++
			logger.InfoContext(ctx, "pending payment resolved by sweep",
				slog.String("order_id", p.OrderID),
				slog.String("status", string(out.To)))
		}
	}
	return res, lastErr
}

// EnrollmentRepair creates missing enrollments for SUCCESS payments, covering
// crashes between the payment transition and enrollment creation. A payment
// whose holders all hold tickets elsewhere is flagged by the Enroller and not
// retried.
type EnrollmentRepair struct {
	Payments  PaymentLister
	Enroller  Enroller
	BatchSize int
	Logger    *slog.Logger
}

// Run performs one repair pass.
func (r *EnrollmentRepair) Run(ctx context.Context) (RunResult, error) {
	var res RunResult
	logger := orDefault(r.Logger)

	missing, err := r.Payments.ListMissingEnrollment(ctx, batchSize(r.BatchSize))
	if err != nil {
		return res, err
	}

	var lastErr error
	for _, p := range missing {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Checked++
		er, err := r.Enroller.Enroll(ctx, p)
		if errors.Is(err, enrollment.ErrActiveTicketExists) {
			res.Flagged++
			logger.WarnContext(ctx, "paid order flagged for manual refund",
				slog.String("order_id", p.OrderID),
				slog.String("error", err.Error()))
			continue
		}
		if err != nil {
			res.Failed++
			lastErr = err
			logger.ErrorContext(ctx, "enrollment repair failed",
				slog.String("order_id", p.OrderID),
				slog.String("error", err.Error()))
			continue
		}
		res.Resolved++
		logger.InfoContext(ctx, "enrollment repaired",
			slog.String("order_id", p.OrderID),
			slog.String("enrollment_id", er.Enrollment.ID),
			slog.Bool("created", er.Created))
	}
	return res, lastErr
}

// errorType maps a job failure to the error_type metric label.
func errorType(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "job_error"
	}
}

func batchSize(n int) int {
	if n <= 0 {
		return DefaultBatchSize
	}
	return n
}

func orDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
