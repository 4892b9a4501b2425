package payment

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
)

// TestRecordEvent_Success tests recording a new event.
func TestRecordEvent_Success(t *testing.T) {
	ctx := context.Background()
	repo := NewInMemoryWebhookRepository()

	if err := repo.RecordEvent(ctx, "evt_test123", "checkout.session.completed"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	hasProcessed, err := repo.HasProcessed(ctx, "evt_test123")
	if err != nil {
		t.Fatalf("failed to check processed status: %v", err)
	}
	if !hasProcessed {
		t.Error("event should be marked as processed")
	}
}

// TestRecordEvent_Duplicate tests that duplicate events return ErrEventAlreadyProcessed.
func TestRecordEvent_Duplicate(t *testing.T) {
	ctx := context.Background()
	repo := NewInMemoryWebhookRepository()

	if err := repo.RecordEvent(ctx, "evt_duplicate", "charge.refunded"); err != nil {
		t.Fatalf("first record failed: %v", err)
	}
	if err := repo.RecordEvent(ctx, "evt_duplicate", "charge.refunded"); err != ErrEventAlreadyProcessed {
		t.Errorf("expected ErrEventAlreadyProcessed, got %v", err)
	}
}

// TestHasProcessed_NotFound tests checking for an event that doesn't exist.
func TestHasProcessed_NotFound(t *testing.T) {
	repo := NewInMemoryWebhookRepository()

	hasProcessed, err := repo.HasProcessed(context.Background(), "evt_nonexistent")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hasProcessed {
		t.Error("event should not be marked as processed")
	}
}

// TestRecordEvent_ConcurrentDuplicates tests that exactly one concurrent delivery wins.
func TestRecordEvent_ConcurrentDuplicates(t *testing.T) {
	repo := NewInMemoryWebhookRepository()

	const numGoroutines = 50
	const eventID = "evt_concurrent_duplicate"

	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	var countMutex sync.Mutex
	successCount, duplicateCount := 0, 0

	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			err := repo.RecordEvent(context.Background(), eventID, "checkout.session.completed")

			countMutex.Lock()
			defer countMutex.Unlock()
			switch err {
			case nil:
				successCount++
			case ErrEventAlreadyProcessed:
				duplicateCount++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if successCount != 1 {
		t.Errorf("expected exactly 1 success, got %d", successCount)
	}
	if duplicateCount != numGoroutines-1 {
		t.Errorf("expected %d duplicates, got %d", numGoroutines-1, duplicateCount)
	}
}

// TestRecordEvent_ConcurrentWrites tests thread safety with concurrent distinct events.
func TestRecordEvent_ConcurrentWrites(t *testing.T) {
	repo := NewInMemoryWebhookRepository()

	const numGoroutines = 20
	const numEventsPerGoroutine = 10

	var wg sync.WaitGroup
	wg.Add(numGoroutines)
	for i := 0; i < numGoroutines; i++ {
		go func(id int) {
			defer wg.Done()
			for j := 0; j < numEventsPerGoroutine; j++ {
				if err := repo.RecordEvent(context.Background(), fmt.Sprintf("evt_%d_%d", id, j), "test.event"); err != nil {
					t.Errorf("goroutine %d failed to record event: %v", id, err)
				}
			}
		}(i)
	}
	wg.Wait()

	repo.mu.RLock()
	total := len(repo.events)
	repo.mu.RUnlock()
	if total != numGoroutines*numEventsPerGoroutine {
		t.Errorf("expected %d events, got %d", numGoroutines*numEventsPerGoroutine, total)
	}
}

func TestPostgresWebhookRepository_RecordEvent(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	repo := NewPostgresWebhookRepository(db, nil)

	mock.ExpectExec(`INSERT INTO webhook_events`).
		WithArgs("evt_1", "charge.refunded").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO webhook_events`).
		WithArgs("evt_1", "charge.refunded").
		WillReturnError(&pq.Error{Code: "23505"})

	if err := repo.RecordEvent(context.Background(), "evt_1", "charge.refunded"); err != nil {
		t.Fatalf("first record: %v", err)
	}
	if err := repo.RecordEvent(context.Background(), "evt_1", "charge.refunded"); err != ErrEventAlreadyProcessed {
		t.Errorf("expected ErrEventAlreadyProcessed, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
