package valuation

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	Project(ctx context.Context, filter Filter, now time.Time) ([]row, error)
}

// Service computes per-device valuation and margin on demand. It stores
// nothing and never blocks writers.
type Service struct {
	repo  RepositoryPort
	cache *Cache
	group singleflight.Group
}

// NewService builds Service.
func NewService(repo RepositoryPort, cache *Cache) *Service {
	return &Service{repo: repo, cache: cache}
}

// GetValuation projects valuation rows for the filter. Concurrent
// identical lookups collapse to one query; results are cached briefly.
func (s *Service) GetValuation(ctx context.Context, filter Filter) ([]Row, error) {
	key := fmt.Sprintf("valuation:%d:%d", filter.StoreID, filter.DeviceID)
	resultChan := s.group.DoChan(key, func() (interface{}, error) {
		var rows []Row
		err := s.cache.FetchJSON(ctx, key, &rows, func(ctx context.Context) (interface{}, error) {
			return s.project(ctx, filter)
		})
		return rows, err
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-resultChan:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]Row), nil
	}
}

func (s *Service) project(ctx context.Context, filter Filter) ([]Row, error) {
	now := time.Now().UTC()
	records, err := s.repo.Project(ctx, filter, now)
	if err != nil {
		return nil, err
	}
	rows := make([]Row, 0, len(records))
	for _, rec := range records {
		rows = append(rows, Row{
			StoreID:    rec.StoreID,
			DeviceID:   rec.DeviceID,
			OnHand:     rec.OnHand,
			UnitCost:   rec.AvgCost,
			TotalValue: rec.OnHand.Mul(rec.AvgCost).Round(2),
			UnitPrice:  rec.Price,
			Margin:     rec.Price.Sub(rec.AvgCost),
			Turnover30: turnover(rec.Out30, rec.OnHand),
			Turnover90: turnover(rec.Out90, rec.OnHand),
			AsOf:       now,
		})
	}
	return rows, nil
}

// turnover is trailing outbound volume over current on-hand; zero stock
// reports zero rather than dividing.
func turnover(outbound, onHand decimal.Decimal) decimal.Decimal {
	if onHand.Sign() <= 0 {
		return decimal.Zero
	}
	return outbound.Div(onHand).Round(2)
}
