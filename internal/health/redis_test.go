package health

import (
	"context"
	"errors"
	"testing"

	"github.com/go-redis/redismock/v9"
)

func TestRedisChecker_HealthCheck(t *testing.T) {
	client, mock := redismock.NewClientMock()
	checker := NewRedisChecker(client)

	mock.ExpectPing().SetVal("PONG")
	if err := checker.HealthCheck(context.Background()); err != nil {
		t.Errorf("expected healthy redis, got %v", err)
	}

	mock.ExpectPing().SetErr(errors.New("connection refused"))
	if err := checker.HealthCheck(context.Background()); err == nil {
		t.Error("expected error when PING fails")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
