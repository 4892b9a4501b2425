package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/boxoffice/internal/enrollment"
	"github.com/onnwee/boxoffice/internal/payment"
	"github.com/onnwee/boxoffice/internal/reconcile"
)

type stubResyncer struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
}

func (s *stubResyncer) Resync(_ context.Context, orderID string) (*reconcile.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, orderID)
	if err := s.fail[orderID]; err != nil {
		return nil, err
	}
	return &reconcile.Outcome{
		From:    payment.StatusPending,
		To:      payment.StatusSuccess,
		Applied: orderID != "order_still_pending",
	}, nil
}

type stubEnroller struct {
	calls []string
	err   error
}

func (s *stubEnroller) Enroll(_ context.Context, p *payment.Payment) (*enrollment.Result, error) {
	s.calls = append(s.calls, p.OrderID)
	if s.err != nil {
		return nil, s.err
	}
	return &enrollment.Result{Enrollment: &enrollment.Enrollment{ID: "enr-" + p.OrderID}, Created: true}, nil
}

func seedPayment(t *testing.T, repo *payment.InMemoryRepository, orderID string, status payment.Status, age time.Duration) {
	t.Helper()
	require.NoError(t, repo.Insert(context.Background(), &payment.Payment{
		OrderID:   orderID,
		Status:    status,
		CreatedAt: time.Now().Add(-age),
	}))
}

func TestPendingSweeper_Run(t *testing.T) {
	repo := payment.NewInMemoryRepository()
	seedPayment(t, repo, "order_old", payment.StatusPending, time.Hour)
	seedPayment(t, repo, "order_still_pending", payment.StatusPending, time.Hour)
	seedPayment(t, repo, "order_fresh", payment.StatusPending, time.Minute)
	seedPayment(t, repo, "order_paid", payment.StatusSuccess, time.Hour)

	resync := &stubResyncer{}
	s := &PendingSweeper{Payments: repo, Resyncer: resync, MinAge: 15 * time.Minute}

	res, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"order_old", "order_still_pending"}, resync.calls)
	assert.Equal(t, RunResult{Checked: 2, Resolved: 1}, res)
}

func TestPendingSweeper_ContinuesPastFailures(t *testing.T) {
	repo := payment.NewInMemoryRepository()
	seedPayment(t, repo, "order_a", payment.StatusPending, time.Hour)
	seedPayment(t, repo, "order_b", payment.StatusPending, time.Hour)

	gatewayDown := errors.New("gateway unavailable")
	resync := &stubResyncer{fail: map[string]error{"order_a": gatewayDown}}
	s := &PendingSweeper{Payments: repo, Resyncer: resync, MinAge: time.Minute}

	res, err := s.Run(context.Background())
	require.ErrorIs(t, err, gatewayDown)
	assert.Len(t, resync.calls, 2)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Resolved)
}

func TestPendingSweeper_RespectsBatchSize(t *testing.T) {
	repo := payment.NewInMemoryRepository()
	for _, id := range []string{"order_1", "order_2", "order_3"} {
		seedPayment(t, repo, id, payment.StatusPending, time.Hour)
	}

	resync := &stubResyncer{}
	s := &PendingSweeper{Payments: repo, Resyncer: resync, BatchSize: 2}
	s.now = func() time.Time { return time.Now().Add(time.Minute) }

	res, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Checked)
}

func TestEnrollmentRepair_Run(t *testing.T) {
	repo := payment.NewInMemoryRepository()
	seedPayment(t, repo, "order_paid", payment.StatusSuccess, time.Hour)
	seedPayment(t, repo, "order_pending", payment.StatusPending, time.Hour)
	require.NoError(t, repo.Insert(context.Background(), &payment.Payment{
		OrderID:      "order_enrolled",
		Status:       payment.StatusSuccess,
		EnrollmentID: "enr-1",
	}))

	t.Run("enrolls only success payments without enrollment", func(t *testing.T) {
		enroller := &stubEnroller{}
		r := &EnrollmentRepair{Payments: repo, Enroller: enroller}

		res, err := r.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []string{"order_paid"}, enroller.calls)
		assert.Equal(t, RunResult{Checked: 1, Resolved: 1}, res)
	})

	t.Run("reports failures", func(t *testing.T) {
		enroller := &stubEnroller{err: errors.New("users table locked")}
		r := &EnrollmentRepair{Payments: repo, Enroller: enroller}

		res, err := r.Run(context.Background())
		require.Error(t, err)
		assert.Equal(t, RunResult{Checked: 1, Failed: 1}, res)
	})

	t.Run("conflicting ticket holders are flagged, not failed", func(t *testing.T) {
		enroller := &stubEnroller{err: fmt.Errorf("insert enrollment: %w", enrollment.ErrActiveTicketExists)}
		r := &EnrollmentRepair{Payments: repo, Enroller: enroller}

		res, err := r.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, RunResult{Checked: 1, Flagged: 1}, res)
	})
}

func TestErrorType(t *testing.T) {
	assert.Equal(t, "timeout", errorType(context.DeadlineExceeded))
	assert.Equal(t, "canceled", errorType(context.Canceled))
	assert.Equal(t, "job_error", errorType(errors.New("boom")))
}
