package enrollment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/onnwee/boxoffice/internal/payment"
	"github.com/onnwee/boxoffice/internal/resource"
	"github.com/onnwee/boxoffice/internal/user"
	"github.com/onnwee/boxoffice/internal/validate"
)

// Result is the outcome of Create.
type Result struct {
	Enrollment *Enrollment
	// Holders are the resolved ticket holders, buyer first.
	Holders []*user.User
	// Created is false when an existing enrollment was returned.
	Created bool
	// Skipped lists holder phones that got no ticket because they already
	// hold an ACTIVE ticket for the resource.
	Skipped []string
}

// Service creates and reverses enrollments.
type Service struct {
	repo      Repository
	users     user.Repository
	resources resource.Repository
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates an enrollment Service.
func NewService(repo Repository, users user.Repository, resources resource.Repository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, users: users, resources: resources, logger: logger, now: time.Now}
}

// Repository returns the underlying enrollment repository.
func (s *Service) Repository() Repository { return s.repo }

// Create builds the enrollment for a paid order. It is idempotent: a second
// call for the same order, or for a buyer who already holds an enrollment
// for the resource, returns the existing enrollment unchanged.
func (s *Service) Create(ctx context.Context, p *payment.Payment) (*Result, error) {
	if existing, err := s.repo.GetByOrderID(ctx, p.OrderID); err == nil {
		return &Result{Enrollment: existing}, nil
	} else if !errors.Is(err, ErrEnrollmentNotFound) {
		return nil, err
	}

	people := append([]payment.Person{p.Metadata.Buyer}, p.Metadata.Attendees...)
	holders := make([]*user.User, len(people))
	for i, person := range people {
		u, err := user.Resolve(ctx, s.users, validate.PhoneKey(person.Phone), person.Email, person.Name)
		if err != nil {
			return nil, fmt.Errorf("resolve ticket holder: %w", err)
		}
		holders[i] = u
	}
	buyer := holders[0]

	if existing, err := s.repo.GetByBuyerAndResource(ctx, buyer.ID, p.ResourceID); err == nil {
		s.logger.WarnContext(ctx, "buyer already enrolled for resource, keeping existing enrollment",
			slog.String("order_id", p.OrderID),
			slog.String("enrollment_id", existing.ID),
			slog.String("existing_order_id", existing.OrderID))
		return &Result{Enrollment: existing, Holders: holders}, nil
	} else if !errors.Is(err, ErrEnrollmentNotFound) {
		return nil, err
	}

	e := &Enrollment{
		OrderID:     p.OrderID,
		PaymentID:   p.ID,
		BuyerUserID: buyer.ID,
		ResourceID:  p.ResourceID,
		TicketCount: len(people),
		TicketPrice: p.Metadata.TicketPrice,
		Tickets:     make(map[string]*Ticket, len(people)),
	}
	for i, u := range holders {
		e.Tickets[u.Phone] = &Ticket{
			Phone:        u.Phone,
			HolderUserID: u.ID,
			Name:         people[i].Name,
			Status:       TicketActive,
			AssignedSeat: p.Metadata.SeatFor(i),
		}
	}

	var skipped []string
	err := s.repo.Insert(ctx, e)
	if errors.Is(err, ErrActiveTicketExists) {
		skipped, err = s.insertWithoutConflicts(ctx, e)
	}
	if err != nil {
		if errors.Is(err, ErrEnrollmentExists) {
			// Lost a race with a concurrent delivery for the same order or buyer.
			if existing, getErr := s.repo.GetByOrderID(ctx, p.OrderID); getErr == nil {
				return &Result{Enrollment: existing, Holders: holders}, nil
			}
			if existing, getErr := s.repo.GetByBuyerAndResource(ctx, buyer.ID, p.ResourceID); getErr == nil {
				return &Result{Enrollment: existing, Holders: holders}, nil
			}
		}
		return nil, fmt.Errorf("insert enrollment: %w", err)
	}

	if err := s.resources.AdjustAvailable(ctx, p.ResourceID, -e.TicketCount); err != nil {
		s.logger.ErrorContext(ctx, "failed to decrement resource capacity",
			slog.String("resource_id", p.ResourceID),
			slog.String("enrollment_id", e.ID),
			slog.Int("tickets", e.TicketCount),
			slog.String("error", err.Error()))
	}

	if len(skipped) > 0 {
		s.logger.WarnContext(ctx, "tickets not issued to holders with an active ticket",
			slog.String("order_id", p.OrderID),
			slog.String("enrollment_id", e.ID),
			slog.Int("skipped", len(skipped)))
	}
	s.logger.InfoContext(ctx, "enrollment created",
		slog.String("order_id", p.OrderID),
		slog.String("enrollment_id", e.ID),
		slog.Int("tickets", e.TicketCount))
	return &Result{Enrollment: e, Holders: holders, Created: true, Skipped: skipped}, nil
}

// insertWithoutConflicts drops the tickets whose phone already holds an
// ACTIVE ticket for the resource and inserts what is left. It returns the
// dropped phones, and ErrActiveTicketExists when nothing is left to issue.
func (s *Service) insertWithoutConflicts(ctx context.Context, e *Enrollment) ([]string, error) {
	keys := make([]string, 0, len(e.Tickets))
	for k := range e.Tickets {
		keys = append(keys, validate.PhoneKey(k))
	}
	held, err := s.repo.ActivePhones(ctx, e.ResourceID, keys)
	if err != nil {
		return nil, fmt.Errorf("list active phones: %w", err)
	}

	var skipped []string
	for k := range e.Tickets {
		if slices.Contains(held, validate.PhoneKey(k)) {
			skipped = append(skipped, k)
			delete(e.Tickets, k)
		}
	}
	slices.Sort(skipped)
	if len(e.Tickets) == 0 {
		return skipped, ErrActiveTicketExists
	}
	e.TicketCount = len(e.Tickets)
	return skipped, s.repo.Insert(ctx, e)
}

// Reverse refunds every active ticket of the order's enrollment and returns
// the freed capacity to the resource. It returns the number of tickets
// flipped; a repeated call flips nothing and restores nothing.
func (s *Service) Reverse(ctx context.Context, orderID, reason string) (*Enrollment, int, error) {
	e, err := s.repo.GetByOrderID(ctx, orderID)
	if err != nil {
		return nil, 0, err
	}

	changed, err := s.repo.SetTicketStatus(ctx, e.ID, TicketRefunded, reason, s.now())
	if err != nil {
		return nil, 0, fmt.Errorf("refund tickets: %w", err)
	}
	if changed > 0 {
		if err := s.resources.AdjustAvailable(ctx, e.ResourceID, changed); err != nil {
			s.logger.ErrorContext(ctx, "failed to restore resource capacity",
				slog.String("resource_id", e.ResourceID),
				slog.String("enrollment_id", e.ID),
				slog.Int("tickets", changed),
				slog.String("error", err.Error()))
		}
	}

	s.logger.InfoContext(ctx, "enrollment reversed",
		slog.String("order_id", orderID),
		slog.String("enrollment_id", e.ID),
		slog.Int("tickets", changed))

	if updated, err := s.repo.GetByID(ctx, e.ID); err == nil {
		e = updated
	}
	return e, changed, nil
}
