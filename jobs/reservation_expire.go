package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/bodega-erp/bodega-erp/internal/jobs"
	"github.com/bodega-erp/bodega-erp/internal/reservation"
)

// NewReservationExpireHandler builds the handler for sweep tasks. The
// sweeper itself is idempotent, so retries after partial failures are safe.
func NewReservationExpireHandler(sweeper *reservation.Sweeper, metrics *jobmetrics.Metrics, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload ReservationExpirePayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		tracker := metrics.Track(TaskReservationExpire)
		expired, err := sweeper.Run(ctx)
		metrics.AddExpired(expired)
		if err != nil && logger != nil {
			logger.Error("reservation sweep failed", slog.Any("error", err))
		}
		return tracker.End(err)
	}
}
