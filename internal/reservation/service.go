package reservation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/bodega-erp/bodega-erp/internal/ledger"
	"github.com/bodega-erp/bodega-erp/internal/observability"
	"github.com/bodega-erp/bodega-erp/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetReservation(ctx context.Context, id uuid.UUID) (Reservation, error)
	QueryAvailable(ctx context.Context, storeID, deviceID int64) (decimal.Decimal, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]Reservation, error)
}

// TxRepository spans the reservation table plus the ledger operations, so
// a consume updates the hold and appends the stock move in one
// transaction.
type TxRepository interface {
	ledger.TxRepository
	InsertReservation(ctx context.Context, r Reservation) error
	GetReservationForUpdate(ctx context.Context, id uuid.UUID) (Reservation, error)
	FindActiveByReference(ctx context.Context, storeID, deviceID int64, refType, refID string) (Reservation, error)
	UpdateReservation(ctx context.Context, r Reservation) error
	SumActiveRemaining(ctx context.Context, storeID, deviceID int64) (decimal.Decimal, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	// DefaultTTL applies when a reserve request carries no TTL.
	DefaultTTL time.Duration
	// LockWait bounds how long an operation waits for the per-key lock.
	LockWait time.Duration
}

// Service is the reservation manager: the only writer allowed to
// authorise an outbound stock move.
type Service struct {
	repo       RepositoryPort
	ledger     *ledger.Service
	catalog    ledger.CatalogPort
	audit      AuditPort
	locks      *shared.KeyedMutex
	metrics    *observability.Metrics
	logger     *slog.Logger
	defaultTTL time.Duration
	lockWait   time.Duration
}

// NewService builds Service.
func NewService(repo RepositoryPort, ledgerSvc *ledger.Service, cat ledger.CatalogPort, audit AuditPort, locks *shared.KeyedMutex, metrics *observability.Metrics, logger *slog.Logger, cfg ServiceConfig) *Service {
	ttl := cfg.DefaultTTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	wait := cfg.LockWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &Service{
		repo:       repo,
		ledger:     ledgerSvc,
		catalog:    cat,
		audit:      audit,
		locks:      locks,
		metrics:    metrics,
		logger:     logger,
		defaultTTL: ttl,
		lockWait:   wait,
	}
}

// Reserve places a hold against available quantity. It never touches the
// stock ledger. Retries carrying the same (ref_type, ref_id) return the
// existing active hold instead of double-reserving.
func (s *Service) Reserve(ctx context.Context, in ReserveInput) (Reservation, error) {
	if in.StoreID == 0 || in.DeviceID == 0 {
		return Reservation{}, errors.New("reservation: store and device required")
	}
	if in.Quantity.Sign() <= 0 {
		return Reservation{}, ErrInvalidQuantity
	}
	if in.RefType == "" || in.RefID == "" {
		return Reservation{}, errors.New("reservation: reference required")
	}
	if _, err := s.catalog.Device(ctx, in.DeviceID); err != nil {
		return Reservation{}, err
	}
	if _, err := s.catalog.Store(ctx, in.StoreID); err != nil {
		return Reservation{}, err
	}
	ttl := in.TTL
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	release, err := s.acquire(ctx, in.StoreID, in.DeviceID)
	if err != nil {
		return Reservation{}, err
	}
	defer release()

	var (
		created     Reservation
		alreadyHeld bool
	)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		existing, err := tx.FindActiveByReference(ctx, in.StoreID, in.DeviceID, in.RefType, in.RefID)
		if err == nil {
			created = existing
			alreadyHeld = true
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}

		onHand := decimal.Zero
		balance, err := tx.GetBalanceForUpdate(ctx, in.StoreID, in.DeviceID)
		if err != nil && !errors.Is(err, ledger.ErrBalanceNotFound) {
			return err
		}
		if err == nil {
			onHand = balance.OnHand
		}
		reserved, err := tx.SumActiveRemaining(ctx, in.StoreID, in.DeviceID)
		if err != nil {
			return err
		}
		available := onHand.Sub(reserved)
		if in.Quantity.GreaterThan(available) {
			return &InsufficientStockError{
				StoreID:   in.StoreID,
				DeviceID:  in.DeviceID,
				Requested: in.Quantity,
				Available: available,
			}
		}

		now := time.Now().UTC()
		created = Reservation{
			ID:           uuid.New(),
			StoreID:      in.StoreID,
			DeviceID:     in.DeviceID,
			ReservedBy:   in.ActorID,
			InitialQty:   in.Quantity,
			RemainingQty: in.Quantity,
			Status:       StatusReserved,
			Reason:       in.Reason,
			RefType:      in.RefType,
			RefID:        in.RefID,
			ExpiresAt:    now.Add(ttl),
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		return tx.InsertReservation(ctx, created)
	})
	if err != nil {
		var insufficient *InsufficientStockError
		if errors.As(err, &insufficient) {
			s.metrics.ReservationEvent("rejected")
		}
		return Reservation{}, err
	}
	if alreadyHeld {
		return created, nil
	}

	s.metrics.ReservationEvent("reserved")
	s.recordAudit(ctx, in.ActorID, "reservation:reserve", created, map[string]any{
		"qty":      in.Quantity.String(),
		"ref_type": in.RefType,
		"ref_id":   in.RefID,
	})
	return created, nil
}

// Consume releases goods physically: it decrements the hold and appends
// the outbound stock move with its cost entries in the same transaction.
// Touching a hold past its TTL expires it first, then fails. Retrying a
// consume on an already consumed hold is a no-op success.
func (s *Service) Consume(ctx context.Context, id uuid.UUID, quantity decimal.Decimal, actorID int64) error {
	if quantity.Sign() <= 0 {
		return ErrInvalidQuantity
	}
	head, err := s.repo.GetReservation(ctx, id)
	if err != nil {
		return err
	}

	release, err := s.acquire(ctx, head.StoreID, head.DeviceID)
	if err != nil {
		return err
	}
	defer release()

	var (
		expired  bool
		noop     bool
		resolved Reservation
	)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		r, err := tx.GetReservationForUpdate(ctx, id)
		if err != nil {
			return err
		}
		now := time.Now().UTC()

		switch r.Status {
		case StatusConsumed:
			noop = true
			return nil
		case StatusCancelled:
			return ErrInvalidStateTransition
		case StatusExpired:
			return ErrExpired
		}

		if r.Expired(now) {
			if err := s.expireWithin(ctx, tx, &r, now); err != nil {
				return err
			}
			resolved = r
			expired = true
			return nil
		}

		if quantity.GreaterThan(r.RemainingQty) {
			return ErrInvalidQuantity
		}

		r.RemainingQty = r.RemainingQty.Sub(quantity)
		r.UpdatedAt = now
		if r.RemainingQty.IsZero() {
			if err := r.transition(StatusConsumed); err != nil {
				return err
			}
			r.ResolvedBy = actorID
			r.ResolvedAt = &now
			r.ConsumedAt = &now
		}
		if err := tx.UpdateReservation(ctx, r); err != nil {
			return err
		}

		kind := ledger.MoveKindOut
		if r.RefType == "transfer" {
			kind = ledger.MoveKindTransfer
		}
		_, _, err = s.ledger.PostWithin(ctx, tx, ledger.MoveInput{
			StoreID:    r.StoreID,
			DeviceID:   r.DeviceID,
			Quantity:   quantity.Neg(),
			Kind:       kind,
			RefType:    r.RefType,
			RefID:      r.RefID,
			ActorID:    actorID,
			OccurredAt: now,
		})
		if err != nil {
			return err
		}
		resolved = r
		return nil
	})
	if err != nil {
		return err
	}
	if noop {
		return nil
	}
	if expired {
		s.metrics.ReservationEvent("expired")
		s.recordAudit(ctx, actorID, "reservation:expire", resolved, map[string]any{"on": "consume"})
		return ErrExpired
	}

	s.metrics.ReservationEvent("consumed")
	s.recordAudit(ctx, actorID, "reservation:consume", resolved, map[string]any{
		"qty":       quantity.String(),
		"remaining": resolved.RemainingQty.String(),
	})
	return nil
}

// Cancel voids an active hold. The held quantity simply stops counting
// against availability; the stock ledger is untouched.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, reason string, actorID int64) error {
	head, err := s.repo.GetReservation(ctx, id)
	if err != nil {
		return err
	}

	release, err := s.acquire(ctx, head.StoreID, head.DeviceID)
	if err != nil {
		return err
	}
	defer release()

	var resolved Reservation
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		r, err := tx.GetReservationForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := r.transition(StatusCancelled); err != nil {
			return err
		}
		now := time.Now().UTC()
		r.ResolutionReason = reason
		r.ResolvedBy = actorID
		r.ResolvedAt = &now
		r.UpdatedAt = now
		if err := tx.UpdateReservation(ctx, r); err != nil {
			return err
		}
		resolved = r
		return nil
	})
	if err != nil {
		return err
	}

	s.metrics.ReservationEvent("cancelled")
	s.recordAudit(ctx, actorID, "reservation:cancel", resolved, map[string]any{"reason": reason})
	return nil
}

// QueryAvailable returns on-hand minus active holds from one consistent
// snapshot read; it takes no lock.
func (s *Service) QueryAvailable(ctx context.Context, storeID, deviceID int64) (decimal.Decimal, error) {
	if storeID == 0 || deviceID == 0 {
		return decimal.Zero, errors.New("reservation: store and device required")
	}
	return s.repo.QueryAvailable(ctx, storeID, deviceID)
}

// ExpireDue transitions holds past their TTL to EXPIRED, at most limit of
// them, serialised per (store, device) exactly like consume and cancel.
// Re-running finds nothing to do for already expired rows.
func (s *Service) ExpireDue(ctx context.Context, limit int) (int, error) {
	now := time.Now().UTC()
	due, err := s.repo.ListExpired(ctx, now, limit)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, head := range due {
		touched, resolved, err := s.expireOne(ctx, head, now)
		if err != nil {
			return expired, err
		}
		if touched {
			expired++
			s.metrics.ReservationEvent("expired")
			s.recordAudit(ctx, 0, "reservation:expire", resolved, map[string]any{"on": "sweep"})
		}
	}
	return expired, nil
}

func (s *Service) expireOne(ctx context.Context, head Reservation, now time.Time) (bool, Reservation, error) {
	release, err := s.acquire(ctx, head.StoreID, head.DeviceID)
	if err != nil {
		return false, Reservation{}, err
	}
	defer release()

	var resolved Reservation
	var touched bool
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		r, err := tx.GetReservationForUpdate(ctx, head.ID)
		if err != nil {
			return err
		}
		if r.Status != StatusReserved || !r.Expired(now) {
			return nil
		}
		if err := s.expireWithin(ctx, tx, &r, now); err != nil {
			return err
		}
		resolved = r
		touched = true
		return nil
	})
	return touched, resolved, err
}

func (s *Service) expireWithin(ctx context.Context, tx TxRepository, r *Reservation, now time.Time) error {
	if err := r.transition(StatusExpired); err != nil {
		return err
	}
	r.ResolutionReason = "expired"
	r.ResolvedAt = &now
	r.UpdatedAt = now
	return tx.UpdateReservation(ctx, *r)
}

func (s *Service) acquire(ctx context.Context, storeID, deviceID int64) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, s.lockWait)
	defer cancel()
	return s.locks.Acquire(lockCtx, shared.StockLockKey(storeID, deviceID))
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, r Reservation, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if meta == nil {
		meta = map[string]any{}
	}
	meta["store_id"] = r.StoreID
	meta["device_id"] = r.DeviceID
	meta["status"] = string(r.Status)
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "reservation",
		EntityID: r.ID.String(),
		Meta:     meta,
	})
}

// describeShortfall renders the rejection detail surfaced to callers.
func describeShortfall(err *InsufficientStockError) string {
	return fmt.Sprintf("requested %s, available %s", err.Requested.String(), err.Available.String())
}
