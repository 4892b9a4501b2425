package ticket

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/yeqown/go-qrcode"

	"github.com/onnwee/boxoffice/internal/enrollment"
	"github.com/onnwee/boxoffice/internal/validate"
)

// QRContentType is the MIME type of rendered QR images.
const QRContentType = "image/jpeg"

// Render encodes token as a QR image.
func Render(token string) ([]byte, error) {
	qrc, err := qrcode.New(token)
	if err != nil {
		return nil, fmt.Errorf("encode qr: %w", err)
	}
	var buf bytes.Buffer
	if err := qrc.SaveTo(&buf); err != nil {
		return nil, fmt.Errorf("render qr: %w", err)
	}
	return buf.Bytes(), nil
}

// QRService produces QR images for tickets and publishes them to storage.
type QRService struct {
	issuer      *Issuer
	enrollments enrollment.Repository
	store       QRStore
	logger      *slog.Logger
}

// NewQRService creates a QRService. store may be nil, in which case Publish
// returns no URL.
func NewQRService(issuer *Issuer, enrollments enrollment.Repository, store QRStore, logger *slog.Logger) *QRService {
	if logger == nil {
		logger = slog.Default()
	}
	return &QRService{issuer: issuer, enrollments: enrollments, store: store, logger: logger}
}

// Render returns the QR image for the ticket held by phone in enrollmentID.
// The ticket must be ACTIVE.
func (s *QRService) Render(ctx context.Context, enrollmentID, phone string) ([]byte, error) {
	e, err := s.enrollments.GetByID(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}
	key, t, ok := e.FindTicket(phone)
	if !ok {
		return nil, enrollment.ErrTicketNotFound
	}
	if t.Status != enrollment.TicketActive {
		return nil, &enrollment.NotActiveError{Status: t.Status}
	}
	token, err := s.issuer.Issue(e.ID, e.BuyerUserID, e.ResourceID, key)
	if err != nil {
		return nil, err
	}
	return Render(token)
}

// Publish renders the QR for the ticket stored under key and uploads it,
// returning a URL the holder can open.
func (s *QRService) Publish(ctx context.Context, e *enrollment.Enrollment, key string) (string, error) {
	if s.store == nil {
		return "", nil
	}
	if _, ok := e.Tickets[key]; !ok {
		return "", enrollment.ErrTicketNotFound
	}
	token, err := s.issuer.Issue(e.ID, e.BuyerUserID, e.ResourceID, key)
	if err != nil {
		return "", err
	}
	img, err := Render(token)
	if err != nil {
		return "", err
	}
	url, err := s.store.Put(ctx, ObjectKey(e.ID, key), img, QRContentType)
	if err != nil {
		s.logger.WarnContext(ctx, "qr upload failed",
			slog.String("enrollment_id", e.ID),
			slog.String("phone", validate.MaskPhone(key)),
			slog.String("error", err.Error()))
		return "", err
	}
	return url, nil
}

// ObjectKey is the storage key of a ticket's QR image.
func ObjectKey(enrollmentID, phone string) string {
	return fmt.Sprintf("tickets/%s/%s.jpg", enrollmentID, validate.PhoneKey(phone))
}

// IsNotFound reports whether err means the enrollment or ticket is unknown.
func IsNotFound(err error) bool {
	return errors.Is(err, enrollment.ErrEnrollmentNotFound) || errors.Is(err, enrollment.ErrTicketNotFound)
}
