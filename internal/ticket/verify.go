package ticket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/boxoffice/internal/enrollment"
	"github.com/onnwee/boxoffice/internal/events"
	"github.com/onnwee/boxoffice/internal/validate"
)

// ScanResult describes a verified ticket.
type ScanResult struct {
	EnrollmentID     string                  `json:"enrollment_id"`
	ResourceID       string                  `json:"resource_id"`
	Phone            string                  `json:"phone"`
	HolderName       string                  `json:"holder_name,omitempty"`
	Seat             string                  `json:"seat,omitempty"`
	Status           enrollment.TicketStatus `json:"status"`
	AlreadyScanned   bool                    `json:"already_scanned"`
	ScannedAt        *time.Time              `json:"scanned_at,omitempty"`
	ScannedByAdminID string                  `json:"scanned_by_admin_id,omitempty"`
}

// Verifier checks QR tokens at the gate and records the first scan.
type Verifier struct {
	issuer      *Issuer
	enrollments enrollment.Repository
	events      events.Publisher
	metrics     *Metrics
	logger      *slog.Logger
	now         func() time.Time
}

// NewVerifier creates a Verifier. pub and metrics may be nil.
func NewVerifier(issuer *Issuer, enrollments enrollment.Repository, pub events.Publisher, metrics *Metrics, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	if pub == nil {
		pub = events.Noop{}
	}
	return &Verifier{
		issuer:      issuer,
		enrollments: enrollments,
		events:      pub,
		metrics:     metrics,
		logger:      logger,
		now:         time.Now,
	}
}

// Verify validates token and scans the ticket it names. Scanning an already
// scanned ticket succeeds with AlreadyScanned set and the original scan
// metadata.
func (v *Verifier) Verify(ctx context.Context, token, adminID string) (*ScanResult, error) {
	res, err := v.verify(ctx, token, adminID)
	v.metrics.observe(res, err)
	return res, err
}

func (v *Verifier) verify(ctx context.Context, token, adminID string) (*ScanResult, error) {
	claims, err := v.issuer.Parse(token)
	if err != nil {
		return nil, err
	}

	e, err := v.enrollments.GetByID(ctx, claims.EnrollmentID)
	if err != nil {
		return nil, err
	}
	// The holder may differ from the buyer, so only the resource is checked.
	if e.ResourceID != claims.ResourceID {
		return nil, enrollment.ErrEnrollmentNotFound
	}

	key, t, ok := e.FindTicket(claims.Phone)
	if !ok {
		return nil, enrollment.ErrTicketNotFound
	}
	if t.Status != enrollment.TicketActive {
		return nil, &enrollment.NotActiveError{Status: t.Status}
	}

	scanned, already, err := v.enrollments.MarkScanned(ctx, e.ID, key, adminID, v.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("mark ticket scanned: %w", err)
	}

	res := &ScanResult{
		EnrollmentID:     e.ID,
		ResourceID:       e.ResourceID,
		Phone:            key,
		HolderName:       scanned.Name,
		Seat:             scanned.AssignedSeat,
		Status:           scanned.Status,
		AlreadyScanned:   already,
		ScannedAt:        scanned.ScannedAt,
		ScannedByAdminID: scanned.ScannedByAdminID,
	}

	v.logger.InfoContext(ctx, "ticket scanned",
		slog.String("enrollment_id", e.ID),
		slog.String("resource_id", e.ResourceID),
		slog.String("phone", validate.MaskPhone(key)),
		slog.Bool("already_scanned", already))

	if err := v.events.Publish(ctx, events.SubjectTicketScanned, events.ScanEvent{
		EnrollmentID:   e.ID,
		ResourceID:     e.ResourceID,
		AdminID:        adminID,
		AlreadyScanned: already,
	}); err != nil {
		v.logger.WarnContext(ctx, "publish scan event failed", slog.String("error", err.Error()))
	}
	return res, nil
}

func scanOutcome(res *ScanResult, err error) string {
	switch {
	case err == nil && res.AlreadyScanned:
		return OutcomeRescanned
	case err == nil:
		return OutcomeScanned
	case errors.Is(err, ErrTokenExpired):
		return OutcomeExpired
	case errors.Is(err, ErrTokenInvalid):
		return OutcomeInvalid
	case errors.Is(err, enrollment.ErrTicketNotActive):
		return OutcomeNotActive
	case IsNotFound(err):
		return OutcomeNotFound
	default:
		return OutcomeError
	}
}
