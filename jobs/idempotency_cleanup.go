package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/bodega-erp/bodega-erp/internal/jobs"
	"github.com/bodega-erp/bodega-erp/internal/shared"
)

// NewIdempotencyCleanupHandler builds the handler pruning processed
// idempotency keys older than retention.
func NewIdempotencyCleanupHandler(store *shared.IdempotencyStore, retention time.Duration, metrics *jobmetrics.Metrics, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload IdempotencyCleanupPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		tracker := metrics.Track(TaskIdempotencyCleanup)
		err := store.Cleanup(ctx, retention)
		if err != nil && logger != nil {
			logger.Error("idempotency cleanup failed", slog.Any("error", err))
		}
		return tracker.End(err)
	}
}
