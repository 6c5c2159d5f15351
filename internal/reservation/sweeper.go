package reservation

import (
	"context"
	"log/slog"
)

// Sweeper releases holds whose TTL has passed. It runs from the
// background worker and only ever touches reservation state.
type Sweeper struct {
	svc    *Service
	logger *slog.Logger
	batch  int
}

// NewSweeper constructs a Sweeper processing at most batch holds per run.
func NewSweeper(svc *Service, logger *slog.Logger, batch int) *Sweeper {
	if batch <= 0 {
		batch = 100
	}
	return &Sweeper{svc: svc, logger: logger, batch: batch}
}

// Run performs one sweep and reports how many holds it released. Safe to
// re-run at any cadence: rows already expired are not revisited.
func (s *Sweeper) Run(ctx context.Context) (int, error) {
	expired, err := s.svc.ExpireDue(ctx, s.batch)
	if err != nil {
		return expired, err
	}
	if expired > 0 && s.logger != nil {
		s.logger.Info("expired stale reservations", slog.Int("count", expired))
	}
	return expired, nil
}
