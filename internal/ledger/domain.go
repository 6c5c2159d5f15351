package ledger

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bodega-erp/bodega-erp/internal/costing"
)

// MoveKind enumerates supported stock movements.
type MoveKind string

const (
	// MoveKindIn represents an inbound movement, typically a purchase receipt.
	MoveKindIn MoveKind = "IN"
	// MoveKindOut represents an outbound movement authorised by a reservation.
	MoveKindOut MoveKind = "OUT"
	// MoveKindAdjust indicates a signed manual adjustment.
	MoveKindAdjust MoveKind = "ADJUST"
	// MoveKindTransfer marks cross-store transfer legs.
	MoveKindTransfer MoveKind = "TRANSFER"
)

// Move is one signed quantity event in the append-only stock ledger.
// Moves are created once and never updated or deleted; on-hand quantity
// for any (store, device) pair is the signed sum of its moves.
type Move struct {
	ID          int64
	StoreID     int64
	DeviceID    int64
	WarehouseID int64
	Quantity    decimal.Decimal
	Kind        MoveKind
	RefType     string
	RefID       string
	ActorID     int64
	OccurredAt  time.Time
}

// Balance caches the running aggregate per (store, device): on-hand
// quantity, the running average unit cost and the costing method bound to
// the device. The row is locked FOR UPDATE for the span of every mutation;
// the ledger itself stays replayable.
type Balance struct {
	StoreID   int64
	DeviceID  int64
	OnHand    decimal.Decimal
	AvgCost   decimal.Decimal
	Method    costing.Method
	UpdatedAt time.Time
}

// ReceiptInput describes a purchase receipt posting.
type ReceiptInput struct {
	StoreID     int64
	DeviceID    int64
	WarehouseID int64
	Quantity    decimal.Decimal
	UnitCost    decimal.Decimal
	RefType     string
	RefID       string
	ActorID     int64
}

// AdjustmentInput describes a signed stock adjustment. Positive
// quantities follow inbound costing rules, negative outbound.
type AdjustmentInput struct {
	StoreID     int64
	DeviceID    int64
	WarehouseID int64
	Quantity    decimal.Decimal
	UnitCost    decimal.Decimal
	Reason      string
	RefType     string
	RefID       string
	ActorID     int64
}

// TransferInInput records the receiving leg of a cross-store transfer at
// the unit cost carried from the source store.
type TransferInInput struct {
	StoreID     int64
	DeviceID    int64
	WarehouseID int64
	Quantity    decimal.Decimal
	UnitCost    decimal.Decimal
	RefType     string
	RefID       string
	ActorID     int64
}

// CardFilter filters stock card listings.
type CardFilter struct {
	StoreID  int64
	DeviceID int64
	From     time.Time
	To       time.Time
	Limit    int
}

// CardEntry is one stock card line derived from the ledger.
type CardEntry struct {
	MoveID     int64
	Kind       MoveKind
	Quantity   decimal.Decimal
	RefType    string
	RefID      string
	OccurredAt time.Time
}

// ErrInvalidQuantity indicates a zero or wrongly signed quantity.
var ErrInvalidQuantity = errors.New("ledger: invalid quantity")

// ErrInvalidUnitCost indicates a negative unit cost.
var ErrInvalidUnitCost = errors.New("ledger: unit cost must be >= 0")

// ErrNegativeStock is returned when a posting would drive on-hand below zero.
var ErrNegativeStock = errors.New("ledger: negative stock not allowed")

// ErrBalanceNotFound indicates a missing balance row.
var ErrBalanceNotFound = errors.New("ledger: balance not found")
