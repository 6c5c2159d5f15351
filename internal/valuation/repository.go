package valuation

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Repository reads valuation figures from PostgreSQL. One query per
// projection keeps the read a consistent snapshot without blocking
// writers.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type row struct {
	StoreID  int64
	DeviceID int64
	OnHand   decimal.Decimal
	AvgCost  decimal.Decimal
	Price    decimal.Decimal
	Out30    decimal.Decimal
	Out90    decimal.Decimal
}

// Project returns the raw per-device figures matching the filter.
func (r *Repository) Project(ctx context.Context, filter Filter, now time.Time) ([]row, error) {
	if r == nil {
		return nil, errors.New("valuation: repository not initialised")
	}
	rows, err := r.pool.Query(ctx, `SELECT b.store_id, b.device_id, b.on_hand, b.avg_cost, d.list_price,
 COALESCE((SELECT SUM(-m.quantity) FROM stock_moves m
   WHERE m.store_id=b.store_id AND m.device_id=b.device_id AND m.quantity < 0 AND m.occurred_at >= $3), 0) AS out_30,
 COALESCE((SELECT SUM(-m.quantity) FROM stock_moves m
   WHERE m.store_id=b.store_id AND m.device_id=b.device_id AND m.quantity < 0 AND m.occurred_at >= $4), 0) AS out_90
FROM stock_balances b
JOIN devices d ON d.id = b.device_id
WHERE ($1 = 0 OR b.store_id = $1) AND ($2 = 0 OR b.device_id = $2)
ORDER BY b.store_id, b.device_id`,
		filter.StoreID, filter.DeviceID, now.AddDate(0, 0, -30), now.AddDate(0, 0, -90))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []row
	for rows.Next() {
		var rec row
		if err := rows.Scan(&rec.StoreID, &rec.DeviceID, &rec.OnHand, &rec.AvgCost, &rec.Price, &rec.Out30, &rec.Out90); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
