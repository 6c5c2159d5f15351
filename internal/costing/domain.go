package costing

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Method enumerates supported costing methods. The method is fixed per
// device once stock exists; switching with live balances is an
// administrative operation outside this module.
type Method string

const (
	// MethodWeightedAverage keeps one running per-unit cost per (store, device).
	MethodWeightedAverage Method = "WEIGHTED_AVERAGE"
	// MethodFIFO tracks discrete lots consumed oldest first.
	MethodFIFO Method = "FIFO"
)

// ParseMethod validates a stored method string.
func ParseMethod(s string) (Method, error) {
	switch Method(s) {
	case MethodWeightedAverage, MethodFIFO:
		return Method(s), nil
	}
	return "", fmt.Errorf("costing: unknown method %q", s)
}

// Entry attributes cost to one stock move. Under weighted average a move
// produces exactly one entry; under FIFO an outbound move produces one
// entry per consumed lot portion. Entry quantities are magnitudes, so the
// entry quantities of a move always sum to the absolute move quantity.
type Entry struct {
	ID         int64
	MoveID     int64
	StoreID    int64
	DeviceID   int64
	Quantity   decimal.Decimal
	UnitCost   decimal.Decimal
	Method     Method
	OccurredAt time.Time
}

// Lot is a discrete batch of received stock with its own unit cost,
// consumed oldest first. Lots exist only for FIFO devices.
type Lot struct {
	ID           int64
	StoreID      int64
	DeviceID     int64
	RemainingQty decimal.Decimal
	UnitCost     decimal.Decimal
	ReceivedAt   time.Time
}

// ErrInvalidQuantity indicates a zero ingest quantity.
var ErrInvalidQuantity = errors.New("costing: quantity must be non zero")

// UnderflowError reports an outbound FIFO move exceeding total lot
// quantity. It signals a violated gating invariant upstream, never a
// user-facing condition: the operation is aborted with no partial write.
type UnderflowError struct {
	StoreID   int64
	DeviceID  int64
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *UnderflowError) Error() string {
	return fmt.Sprintf("costing: lot underflow for store %d device %d: requested %s, available %s",
		e.StoreID, e.DeviceID, e.Requested.String(), e.Available.String())
}
