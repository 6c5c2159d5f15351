package valuation

import (
	"time"

	"github.com/shopspring/decimal"
)

// Row is one projected valuation line per (store, device). Nothing here
// is persisted; every figure derives from the stock ledger, the cost
// ledger aggregate and the catalog list price.
type Row struct {
	StoreID    int64           `json:"store_id"`
	DeviceID   int64           `json:"device_id"`
	OnHand     decimal.Decimal `json:"on_hand"`
	UnitCost   decimal.Decimal `json:"unit_cost"`
	TotalValue decimal.Decimal `json:"total_value"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	Margin     decimal.Decimal `json:"margin"`
	Turnover30 decimal.Decimal `json:"turnover_30"`
	Turnover90 decimal.Decimal `json:"turnover_90"`
	AsOf       time.Time       `json:"as_of"`
}

// Filter narrows the projection. Zero values mean no filter.
type Filter struct {
	StoreID  int64
	DeviceID int64
}
