package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskReservationExpire sweeps reservations whose TTL has passed.
	TaskReservationExpire = "reservation:expire"
	// TaskIdempotencyCleanup prunes idempotency keys past retention.
	TaskIdempotencyCleanup = "idempotency:cleanup"
)

// ReservationExpirePayload carries scheduling metadata for a sweep run.
type ReservationExpirePayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewReservationExpireTask constructs an Asynq task for one sweep.
func NewReservationExpireTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(ReservationExpirePayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskReservationExpire, body, asynq.Queue(QueueDefault)), nil
}

// IdempotencyCleanupPayload carries scheduling metadata for key cleanup.
type IdempotencyCleanupPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewIdempotencyCleanupTask constructs an Asynq task for key cleanup.
func NewIdempotencyCleanupTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(IdempotencyCleanupPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, body, asynq.Queue(QueueDefault)), nil
}
