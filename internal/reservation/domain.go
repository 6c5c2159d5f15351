package reservation

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status enumerates the reservation lifecycle. Transitions are
// one-directional: RESERVED is the only live state and is never
// re-entered.
type Status string

const (
	// StatusReserved marks an active hold counted against availability.
	StatusReserved Status = "RESERVED"
	// StatusConsumed marks a hold fully released as physical stock moves.
	StatusConsumed Status = "CONSUMED"
	// StatusCancelled marks a hold voided by its owner.
	StatusCancelled Status = "CANCELLED"
	// StatusExpired marks a hold released by the TTL sweeper.
	StatusExpired Status = "EXPIRED"
)

// canTransition is the single authority on legal status changes. Every
// write path goes through it; no caller assigns Status directly.
func canTransition(from, to Status) bool {
	if from != StatusReserved {
		return false
	}
	switch to {
	case StatusConsumed, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Reservation is a temporary TTL-bound hold against available stock. It
// is never physically deleted; resolved rows are retained for audit.
// Sale and transfer lines reference reservations by id only.
type Reservation struct {
	ID               uuid.UUID
	StoreID          int64
	DeviceID         int64
	ReservedBy       int64
	ResolvedBy       int64
	InitialQty       decimal.Decimal
	RemainingQty     decimal.Decimal
	Status           Status
	Reason           string
	ResolutionReason string
	RefType          string
	RefID            string
	ExpiresAt        time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
	ResolvedAt       *time.Time
	ConsumedAt       *time.Time
}

// Expired reports whether the hold is past its TTL at the given instant.
func (r Reservation) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// transition applies a status change after checking it against the
// transition table.
func (r *Reservation) transition(to Status) error {
	if !canTransition(r.Status, to) {
		return ErrInvalidStateTransition
	}
	r.Status = to
	return nil
}

// ReserveInput describes a reservation request.
type ReserveInput struct {
	StoreID  int64
	DeviceID int64
	Quantity decimal.Decimal
	Reason   string
	RefType  string
	RefID    string
	TTL      time.Duration
	ActorID  int64
}

// InsufficientStockError reports a reserve request exceeding available
// quantity. Recoverable: the caller retries with an adjusted quantity or
// reports the shortfall.
type InsufficientStockError struct {
	StoreID   int64
	DeviceID  int64
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("reservation: insufficient stock for store %d device %d: requested %s, available %s",
		e.StoreID, e.DeviceID, e.Requested.String(), e.Available.String())
}

// ErrInvalidStateTransition is returned for consume/cancel attempts on a
// reservation no longer in RESERVED.
var ErrInvalidStateTransition = errors.New("reservation: invalid state transition")

// ErrExpired is returned when a consume touches a hold past its TTL. The
// hold is transitioned to EXPIRED as a side effect before the error is
// returned, so the caller must re-reserve.
var ErrExpired = errors.New("reservation: reservation expired")

// ErrNotFound indicates an unknown reservation id.
var ErrNotFound = errors.New("reservation: not found")

// ErrInvalidQuantity indicates a non-positive or excessive quantity.
var ErrInvalidQuantity = errors.New("reservation: invalid quantity")
