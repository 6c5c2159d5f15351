package costing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// costScale is the number of decimal places kept on unit costs.
const costScale = 2

// TxRepository exposes the cost ledger operations the engine performs
// inside the caller's transaction.
type TxRepository interface {
	InsertEntry(ctx context.Context, entry Entry) (int64, error)
	InsertLot(ctx context.Context, lot Lot) (int64, error)
	// LotsForUpdate returns the open lots for a device at a store,
	// oldest first, locked for the duration of the transaction.
	LotsForUpdate(ctx context.Context, storeID, deviceID int64) ([]Lot, error)
	SetLotRemaining(ctx context.Context, lotID int64, remaining decimal.Decimal) error
	DeleteLot(ctx context.Context, lotID int64) error
}

// BalanceState carries the running aggregate the engine maintains for a
// (store, device) pair. For FIFO devices AvgCost holds the lot-implied
// average so valuation reads one figure regardless of method.
type BalanceState struct {
	OnHand  decimal.Decimal
	AvgCost decimal.Decimal
}

// IngestInput describes one stock move to attribute cost for. Quantity is
// signed: positive moves follow inbound rules, negative moves outbound
// rules, which also covers signed adjustments.
type IngestInput struct {
	MoveID     int64
	StoreID    int64
	DeviceID   int64
	Quantity   decimal.Decimal
	UnitCost   decimal.Decimal
	Method     Method
	OccurredAt time.Time
}

// Engine computes and persists cost ledger entries from stock moves.
type Engine struct{}

// NewEngine constructs the costing engine.
func NewEngine() *Engine {
	return &Engine{}
}

// Ingest writes the cost entries for one move and updates bal in place.
// It must run inside the same transaction as the move insert so the cost
// ledger never drifts from the stock ledger.
func (e *Engine) Ingest(ctx context.Context, tx TxRepository, in IngestInput, bal *BalanceState) ([]Entry, error) {
	if in.Quantity.IsZero() {
		return nil, ErrInvalidQuantity
	}
	if in.Quantity.Sign() > 0 {
		return e.ingestInbound(ctx, tx, in, bal)
	}
	return e.ingestOutbound(ctx, tx, in, bal)
}

func (e *Engine) ingestInbound(ctx context.Context, tx TxRepository, in IngestInput, bal *BalanceState) ([]Entry, error) {
	qty := in.Quantity
	newAvg := weightedAverage(bal.OnHand, bal.AvgCost, qty, in.UnitCost)

	entry := Entry{
		MoveID:     in.MoveID,
		StoreID:    in.StoreID,
		DeviceID:   in.DeviceID,
		Quantity:   qty,
		Method:     in.Method,
		OccurredAt: in.OccurredAt,
	}
	switch in.Method {
	case MethodFIFO:
		lot := Lot{
			StoreID:      in.StoreID,
			DeviceID:     in.DeviceID,
			RemainingQty: qty,
			UnitCost:     in.UnitCost,
			ReceivedAt:   in.OccurredAt,
		}
		if _, err := tx.InsertLot(ctx, lot); err != nil {
			return nil, err
		}
		entry.UnitCost = in.UnitCost
	default:
		entry.UnitCost = newAvg
	}

	id, err := tx.InsertEntry(ctx, entry)
	if err != nil {
		return nil, err
	}
	entry.ID = id

	bal.OnHand = bal.OnHand.Add(qty)
	bal.AvgCost = newAvg
	return []Entry{entry}, nil
}

func (e *Engine) ingestOutbound(ctx context.Context, tx TxRepository, in IngestInput, bal *BalanceState) ([]Entry, error) {
	qty := in.Quantity.Abs()

	if in.Method == MethodFIFO {
		return e.consumeLots(ctx, tx, in, qty, bal)
	}

	entry := Entry{
		MoveID:     in.MoveID,
		StoreID:    in.StoreID,
		DeviceID:   in.DeviceID,
		Quantity:   qty,
		UnitCost:   bal.AvgCost,
		Method:     in.Method,
		OccurredAt: in.OccurredAt,
	}
	id, err := tx.InsertEntry(ctx, entry)
	if err != nil {
		return nil, err
	}
	entry.ID = id

	bal.OnHand = bal.OnHand.Sub(qty)
	return []Entry{entry}, nil
}

func (e *Engine) consumeLots(ctx context.Context, tx TxRepository, in IngestInput, qty decimal.Decimal, bal *BalanceState) ([]Entry, error) {
	lots, err := tx.LotsForUpdate(ctx, in.StoreID, in.DeviceID)
	if err != nil {
		return nil, err
	}

	available := decimal.Zero
	for _, lot := range lots {
		available = available.Add(lot.RemainingQty)
	}
	if qty.GreaterThan(available) {
		return nil, &UnderflowError{
			StoreID:   in.StoreID,
			DeviceID:  in.DeviceID,
			Requested: qty,
			Available: available,
		}
	}

	var entries []Entry
	remaining := qty
	for _, lot := range lots {
		if remaining.IsZero() {
			break
		}
		portion := decimal.Min(remaining, lot.RemainingQty)
		entry := Entry{
			MoveID:     in.MoveID,
			StoreID:    in.StoreID,
			DeviceID:   in.DeviceID,
			Quantity:   portion,
			UnitCost:   lot.UnitCost,
			Method:     in.Method,
			OccurredAt: in.OccurredAt,
		}
		id, err := tx.InsertEntry(ctx, entry)
		if err != nil {
			return nil, err
		}
		entry.ID = id
		entries = append(entries, entry)

		left := lot.RemainingQty.Sub(portion)
		if left.IsZero() {
			if err := tx.DeleteLot(ctx, lot.ID); err != nil {
				return nil, err
			}
		} else {
			if err := tx.SetLotRemaining(ctx, lot.ID, left); err != nil {
				return nil, err
			}
		}
		remaining = remaining.Sub(portion)
	}

	consumedValue := decimal.Zero
	for _, entry := range entries {
		consumedValue = consumedValue.Add(entry.Quantity.Mul(entry.UnitCost))
	}
	newQty := bal.OnHand.Sub(qty)
	bal.AvgCost = impliedAverage(bal.OnHand.Mul(bal.AvgCost).Sub(consumedValue), newQty)
	bal.OnHand = newQty
	return entries, nil
}

// weightedAverage blends the existing balance with an incoming receipt,
// rounded to two decimal places half-up.
func weightedAverage(oldQty, oldAvg, inQty, inCost decimal.Decimal) decimal.Decimal {
	sum := oldQty.Add(inQty)
	if sum.Sign() <= 0 {
		return decimal.Zero
	}
	value := oldQty.Mul(oldAvg).Add(inQty.Mul(inCost))
	return value.Div(sum).Round(costScale)
}

func impliedAverage(value, qty decimal.Decimal) decimal.Decimal {
	if qty.Sign() <= 0 {
		return decimal.Zero
	}
	return value.Div(qty).Round(costScale)
}
