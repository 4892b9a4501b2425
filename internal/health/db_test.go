package health

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestDBChecker_HealthCheck(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	checker := NewDBChecker(db)

	mock.ExpectPing()
	if err := checker.HealthCheck(context.Background()); err != nil {
		t.Errorf("expected healthy database, got %v", err)
	}

	mock.ExpectPing().WillReturnError(errors.New("connection reset"))
	if err := checker.HealthCheck(context.Background()); err == nil {
		t.Error("expected error when ping fails")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
