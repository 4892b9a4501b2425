package idempotency

import (
	"context"
	"log/slog"
	"time"
)

// Cleanup removes records older than expiry and reports how many were deleted.
// It runs on the background scheduler.
func Cleanup(ctx context.Context, repo Repository, expiry time.Duration, logger *slog.Logger) (int64, error) {
	if logger == nil {
		logger = slog.Default()
	}
	deleted, err := repo.DeleteOlderThan(ctx, expiry)
	if err != nil {
		logger.ErrorContext(ctx, "failed to clean up idempotency keys", "error", err)
		return 0, err
	}
	if deleted > 0 {
		logger.InfoContext(ctx, "cleaned up idempotency keys", "deleted", deleted, "older_than", expiry)
	}
	return deleted, nil
}
