package payment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/onnwee/boxoffice/internal/tracing"
)

// ErrEventAlreadyProcessed is returned when attempting to record a duplicate webhook event.
var ErrEventAlreadyProcessed = errors.New("webhook event already processed")

// WebhookEvent is a gateway event that has been dispatched successfully.
type WebhookEvent struct {
	ID          string
	EventID     string // gateway event id
	EventType   string
	ProcessedAt time.Time
}

// WebhookRepository remembers processed gateway events so redeliveries can
// be acknowledged without work. Correctness never depends on it: the
// Payment status guard already makes every transition idempotent.
type WebhookRepository interface {
	// RecordEvent records a webhook event as processed.
	// Returns ErrEventAlreadyProcessed if the event was already recorded.
	RecordEvent(ctx context.Context, eventID, eventType string) error

	HasProcessed(ctx context.Context, eventID string) (bool, error)
}

// InMemoryWebhookRepository implements WebhookRepository with in-memory storage.
type InMemoryWebhookRepository struct {
	mu     sync.RWMutex
	events map[string]*WebhookEvent // event_id -> WebhookEvent
}

// NewInMemoryWebhookRepository creates a new in-memory webhook repository.
func NewInMemoryWebhookRepository() *InMemoryWebhookRepository {
	return &InMemoryWebhookRepository{
		events: make(map[string]*WebhookEvent),
	}
}

func (r *InMemoryWebhookRepository) RecordEvent(_ context.Context, eventID, eventType string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.events[eventID]; exists {
		return ErrEventAlreadyProcessed
	}
	r.events[eventID] = &WebhookEvent{
		ID:          uuid.New().String(),
		EventID:     eventID,
		EventType:   eventType,
		ProcessedAt: time.Now(),
	}
	return nil
}

func (r *InMemoryWebhookRepository) HasProcessed(_ context.Context, eventID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.events[eventID]
	return exists, nil
}

// PostgresWebhookRepository implements WebhookRepository on webhook_events.
type PostgresWebhookRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresWebhookRepository creates a PostgresWebhookRepository.
func NewPostgresWebhookRepository(db *sql.DB, logger *slog.Logger) *PostgresWebhookRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresWebhookRepository{db: db, logger: logger}
}

func (r *PostgresWebhookRepository) RecordEvent(ctx context.Context, eventID, eventType string) (err error) {
	ctx, end := tracing.StartDBSpan(ctx, "webhook_events", tracing.DBOperationInsert)
	defer func() { end(err) }()

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO webhook_events (event_id, event_type) VALUES ($1, $2)`, eventID, eventType)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrEventAlreadyProcessed
		}
		return fmt.Errorf("record webhook event: %w", err)
	}
	return nil
}

func (r *PostgresWebhookRepository) HasProcessed(ctx context.Context, eventID string) (exists bool, err error) {
	ctx, end := tracing.StartDBSpan(ctx, "webhook_events", tracing.DBOperationQuery)
	defer func() { end(err) }()

	err = r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM webhook_events WHERE event_id = $1)`, eventID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check webhook event: %w", err)
	}
	return exists, nil
}
